package task

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"mediatask/ffmpeg"
	"mediatask/filter"
)

const (
	TrajectoryFile = "transforms.trf"
	OutputFile     = "TaskOutput.mp4"

	detectShare    = 0.5
	transformShare = 0.5

	// bitsPerPixel scales width*height*fps into the default bitrate.
	bitsPerPixel = 0.2
)

// VidstabParams are the stabilization knobs stored in a record.
type VidstabParams struct {
	Shakiness     int     `json:"shakiness"`
	Accuracy      int     `json:"accuracy"`
	StepSize      int     `json:"step_size"`
	MinContrast   float64 `json:"min_contrast"`
	Smoothing     int     `json:"smoothing"`
	OptAlgo       string  `json:"optimization_algorithm"`
	MaxShift      int     `json:"max_shift_px"`
	MaxAngle      float64 `json:"max_angle"`
	CropMode      string  `json:"crop_mode"`
	Relative      bool    `json:"relative_transforms"`
	Invert        bool    `json:"invert_transforms"`
	ZoomPercent   float64 `json:"zoom_percent"`
	OptimalZoom   string  `json:"optimal_zoom"`
	ZoomSpeed     float64 `json:"zoom_speed"`
	Interpolation string  `json:"interpolation"`

	Codec   string `json:"videnc_codec"`
	PixFmt  string `json:"videnc_pix_fmt"`
	Bitrate int64  `json:"videnc_bitrate"`
	Options string `json:"videnc_options"`
}

func DefaultVidstabParams() VidstabParams {
	return VidstabParams{
		Shakiness:     7,
		Accuracy:      10,
		StepSize:      12,
		MinContrast:   0.1,
		Smoothing:     20,
		OptAlgo:       "gauss",
		MaxShift:      -1,
		MaxAngle:      -1,
		CropMode:      "black",
		Relative:      true,
		OptimalZoom:   "static",
		ZoomSpeed:     0.25,
		Interpolation: "bilinear",
		Codec:         "h264",
		PixFmt:        "auto",
	}
}

var (
	optAlgos       = map[string]string{"gauss": "gauss", "average": "avg"}
	cropModes      = map[string]string{"keep": "keep", "black": "black"}
	optimalZooms   = map[string]int{"off": 0, "static": 1, "adaptive": 2}
	interpolations = map[string]string{"none": "no", "linear": "linear", "bilinear": "bilinear", "bicubic": "bicubic"}
)

func (p VidstabParams) validate() error {
	switch {
	case p.Shakiness < 1 || p.Shakiness > 10:
		return fmt.Errorf("shakiness %d out of range [1,10]", p.Shakiness)
	case p.Accuracy < 1 || p.Accuracy > 15:
		return fmt.Errorf("accuracy %d out of range [1,15]", p.Accuracy)
	case p.StepSize < 1 || p.StepSize > 32:
		return fmt.Errorf("step_size %d out of range [1,32]", p.StepSize)
	case p.MinContrast < 0 || p.MinContrast > 1:
		return fmt.Errorf("min_contrast %g out of range [0,1]", p.MinContrast)
	case p.Smoothing < 0:
		return fmt.Errorf("smoothing %d must not be negative", p.Smoothing)
	case p.MaxShift < -1:
		return fmt.Errorf("max_shift_px %d must be -1 or more", p.MaxShift)
	case p.MaxAngle < 0 && p.MaxAngle != -1:
		return fmt.Errorf("max_angle %g must be -1 or non-negative", p.MaxAngle)
	case p.ZoomSpeed < 0 || p.ZoomSpeed > 5:
		return fmt.Errorf("zoom_speed %g out of range [0,5]", p.ZoomSpeed)
	case p.Bitrate < 0:
		return fmt.Errorf("videnc_bitrate %d must not be negative", p.Bitrate)
	case p.Codec == "":
		return errors.New("videnc_codec must not be empty")
	}
	if _, ok := optAlgos[p.OptAlgo]; !ok {
		return fmt.Errorf("unknown optimization_algorithm %q", p.OptAlgo)
	}
	if _, ok := cropModes[p.CropMode]; !ok {
		return fmt.Errorf("unknown crop_mode %q", p.CropMode)
	}
	if _, ok := optimalZooms[p.OptimalZoom]; !ok {
		return fmt.Errorf("unknown optimal_zoom %q", p.OptimalZoom)
	}
	if _, ok := interpolations[p.Interpolation]; !ok {
		return fmt.Errorf("unknown interpolation %q", p.Interpolation)
	}
	return nil
}

// VidstabRecord is the persisted form of a stabilization task.
type VidstabRecord struct {
	Record
	VidstabParams
	DetectDone    bool `json:"is_vidstab_detect_done"`
	TransformDone bool `json:"is_vidstab_transform_done"`
}

// Vidstab stabilizes a clip in two passes: motion detection writes a
// trajectory file, then the transform pass applies it and encodes the
// result.
type Vidstab struct {
	Base
	rec VidstabRecord

	encArgs []string
	enc     ffmpeg.FrameWriter
}

func NewVidstab(engine *Engine) *Vidstab {
	v := &Vidstab{}
	v.init(engine, KindVidstab, &v.rec.Record, &v.rec)
	return v
}

func (v *Vidstab) Initialize(ctx context.Context, data []byte) error {
	if err := v.load(ctx, data); err != nil {
		v.setErr(err.Error())
		return err
	}
	return nil
}

func (v *Vidstab) load(ctx context.Context, data []byte) error {
	if v.ran.Load() {
		return ErrAlreadyRan
	}
	v.rec = VidstabRecord{VidstabParams: DefaultVidstabParams()}
	if err := decodeRecord(data, &v.rec); err != nil {
		return err
	}
	if err := v.rec.VidstabParams.validate(); err != nil {
		return err
	}
	args, err := ffmpeg.SplitOptions(v.rec.Options)
	if err != nil {
		return fmt.Errorf("videnc_options: %w", err)
	}
	if err := ffmpeg.ValidateOptions(args); err != nil {
		return fmt.Errorf("videnc_options: %w", err)
	}
	v.encArgs = args

	if err := v.initialize(ctx); err != nil {
		return err
	}
	if v.rec.DetectDone {
		v.setProgress(detectShare)
	}
	return nil
}

func (v *Vidstab) Run(ctx context.Context) error {
	return v.run(ctx, v)
}

// TrajectoryPath is where the detect pass writes its motion data.
func (v *Vidstab) TrajectoryPath() string {
	return filepath.Join(v.rec.Dir, TrajectoryFile)
}

// OutputPath is the stabilized result.
func (v *Vidstab) OutputPath() string {
	return filepath.Join(v.rec.Dir, OutputFile)
}

// Params returns the configured stabilization parameters.
func (v *Vidstab) Params() VidstabParams {
	return v.rec.VidstabParams
}

// Passes reports which passes have completed.
func (v *Vidstab) Passes() (detect, transform bool, err error) {
	if !v.recordReadable() {
		return false, false, ErrBusy
	}
	return v.rec.DetectDone, v.rec.TransformDone, nil
}

func (v *Vidstab) finished() bool {
	return v.rec.DetectDone && v.rec.TransformDone
}

func (v *Vidstab) process(ctx context.Context) error {
	if !v.rec.DetectDone {
		err := v.runPass(ctx, pass{
			name:   "detect",
			stage:  v.detectStage(),
			offset: 0,
			share:  detectShare,
			sink:   func(*ffmpeg.Frame) error { return nil },
		})
		if err != nil {
			return fmt.Errorf("detect pass: %w", err)
		}
		v.rec.DetectDone = true
	}

	if !v.rec.TransformDone {
		err := v.runPass(ctx, pass{
			name:   "transform",
			stage:  v.transformStage(),
			rate:   v.settings.FrameRate,
			offset: detectShare,
			share:  transformShare,
			sink:   func(f *ffmpeg.Frame) error { return v.encode(ctx, f) },
		})
		if err != nil {
			return fmt.Errorf("transform pass: %w", err)
		}
		if v.enc == nil {
			return errors.New("transform pass produced no frames")
		}
		err = v.enc.Close()
		v.enc = nil
		if err != nil {
			return fmt.Errorf("finalize %s: %w", OutputFile, err)
		}
		v.rec.TransformDone = true
	}
	return nil
}

func (v *Vidstab) cleanup() {
	if v.enc != nil {
		if err := v.enc.Close(); err != nil {
			v.log().Warn().Err(err).Msg("closing partial output")
		}
		v.enc = nil
	}
}

func (v *Vidstab) detectStage() filter.Stage {
	p := v.rec.VidstabParams
	return filter.Stage{
		PixFmt: ffmpeg.PixFmtYUV420P,
		Filters: []filter.Step{{
			Name: "vidstabdetect",
			Args: filter.NewArgs().
				Set("result", v.TrajectoryPath()).
				Set("shakiness", p.Shakiness).
				Set("accuracy", p.Accuracy).
				Set("stepsize", p.StepSize).
				Set("mincontrast", p.MinContrast).
				String(),
		}},
	}
}

func (v *Vidstab) transformStage() filter.Stage {
	p := v.rec.VidstabParams
	steps := []filter.Step{{
		Name: "vidstabtransform",
		Args: filter.NewArgs().
			Set("input", v.TrajectoryPath()).
			Set("smoothing", p.Smoothing).
			Set("optalgo", optAlgos[p.OptAlgo]).
			Set("maxshift", p.MaxShift).
			Set("maxangle", p.MaxAngle).
			Set("crop", cropModes[p.CropMode]).
			Set("relative", p.Relative).
			Set("invert", p.Invert).
			Set("zoom", p.ZoomPercent).
			Set("optzoom", optimalZooms[p.OptimalZoom]).
			Set("zoomspeed", p.ZoomSpeed).
			Set("interpol", interpolations[p.Interpolation]).
			String(),
	}}
	if out := v.settings.FrameRate; out != v.info.FrameRate {
		steps = append(steps, filter.Step{Name: "fps", Args: filter.NewArgs().Set("fps", out).String()})
	}
	return filter.Stage{PixFmt: ffmpeg.PixFmtYUV420P, Filters: steps}
}

// bitrate honours an explicit videnc_bitrate and otherwise derives one
// from the output geometry and rate.
func (v *Vidstab) bitrate(f ffmpeg.Format) int64 {
	if v.rec.Bitrate > 0 {
		return v.rec.Bitrate
	}
	return int64(float64(f.Pixels()) * v.settings.FrameRate.Float() * bitsPerPixel)
}

// encode opens the encoder on the first transformed frame, sized to it.
func (v *Vidstab) encode(ctx context.Context, f *ffmpeg.Frame) error {
	if v.enc == nil {
		pixFmt := v.rec.PixFmt
		if pixFmt == "auto" {
			pixFmt = ""
		}
		opts := ffmpeg.EncodeOptions{
			Path:      v.OutputPath(),
			In:        f.Format,
			FrameRate: v.settings.FrameRate,
			Codec:     v.rec.Codec,
			PixFmt:    pixFmt,
			Bitrate:   v.bitrate(f.Format),
			ExtraArgs: v.encArgs,
		}
		enc, err := v.engine.Backend.OpenEncoder(ctx, opts)
		if err != nil {
			return fmt.Errorf("open encoder: %w", err)
		}
		v.log().Info().
			Str("codec", opts.Codec).
			Stringer("format", f.Format).
			Int64("bitrate", opts.Bitrate).
			Msg("encoder opened")
		v.enc = enc
	}
	if err := v.enc.WriteFrame(f); err != nil {
		return fmt.Errorf("encode frame %d: %w", f.Index, err)
	}
	return nil
}
