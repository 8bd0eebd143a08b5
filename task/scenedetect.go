package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"mediatask/ffmpeg"
	"mediatask/filter"
)

// SceneScoreKey is the frame metadata entry carrying the scene score.
const SceneScoreKey = "lavfi.scene_score"

const defaultDetectionThreshold = 0.4

// CutPoint is a frame whose scene score reached the threshold.
type CutPoint struct {
	FrameIndex int64   `json:"frame_index"`
	Score      float64 `json:"score"`
}

// Cut is a cut point placed on the source timeline.
type Cut struct {
	CutPoint
	Timestamp time.Duration `json:"timestamp"`
}

// SceneDetectRecord is the persisted form of a scene detection task.
type SceneDetectRecord struct {
	Record
	DetectionThreshold float64    `json:"detection_threshold"`
	ParsedFrameIdx     int64      `json:"parsed_frame_idx"`
	CutPoints          []CutPoint `json:"scene_cut_points"`
	DiffScores         []float64  `json:"diff_scores"`
}

// SceneDetect scores every frame of a clip against its predecessor and
// records the frames where the score reaches the threshold.
type SceneDetect struct {
	Base
	rec SceneDetectRecord

	start int64
}

func NewSceneDetect(engine *Engine) *SceneDetect {
	s := &SceneDetect{}
	s.init(engine, KindSceneDetect, &s.rec.Record, &s.rec)
	return s
}

func (s *SceneDetect) Initialize(ctx context.Context, data []byte) error {
	if err := s.load(ctx, data); err != nil {
		s.setErr(err.Error())
		return err
	}
	return nil
}

func (s *SceneDetect) load(ctx context.Context, data []byte) error {
	if s.ran.Load() {
		return ErrAlreadyRan
	}
	s.rec = SceneDetectRecord{DetectionThreshold: defaultDetectionThreshold}
	if err := decodeRecord(data, &s.rec); err != nil {
		return err
	}
	if t := s.rec.DetectionThreshold; t < 0 || t > 1 {
		return fmt.Errorf("detection_threshold %g out of range [0,1]", t)
	}
	if s.rec.ParsedFrameIdx < 0 {
		return fmt.Errorf("parsed_frame_idx %d is negative", s.rec.ParsedFrameIdx)
	}
	if s.rec.CutPoints == nil {
		s.rec.CutPoints = []CutPoint{}
	}
	if s.rec.DiffScores == nil {
		s.rec.DiffScores = []float64{}
	}
	if err := s.initialize(ctx); err != nil {
		return err
	}

	if s.State().Terminal() {
		s.start = s.rec.ParsedFrameIdx
		return nil
	}

	// The record stays as decoded until a run re-scores from start.
	s.start = s.resumeFrame()
	if total := s.clipFrames(); total > 0 {
		s.setProgress(float64(s.start) / float64(total))
	}
	return nil
}

// resumeFrame is the first frame a run processes: the frame before the
// checkpoint, so the last attempted frame is redone, but never past the
// scores already recorded.
func (s *SceneDetect) resumeFrame() int64 {
	start := s.rec.ParsedFrameIdx - 1
	if start < 0 {
		start = 0
	}
	if n := int64(len(s.rec.DiffScores)); start > n {
		start = n
	}
	return start
}

// StartFrame is the clip frame the next run begins at.
func (s *SceneDetect) StartFrame() int64 {
	return s.start
}

func (s *SceneDetect) Threshold() float64 {
	return s.rec.DetectionThreshold
}

func (s *SceneDetect) Run(ctx context.Context) error {
	return s.run(ctx, s)
}

func (s *SceneDetect) finished() bool {
	return false
}

// dropFrom discards results for frames at or past start; they are
// produced again by the run.
func (s *SceneDetect) dropFrom(start int64) {
	if n := int64(len(s.rec.DiffScores)); start < n {
		s.rec.DiffScores = s.rec.DiffScores[:start]
	}
	kept := make([]CutPoint, 0, len(s.rec.CutPoints))
	for _, c := range s.rec.CutPoints {
		if c.FrameIndex < start {
			kept = append(kept, c)
		}
	}
	s.rec.CutPoints = kept
}

func (s *SceneDetect) process(ctx context.Context) error {
	s.dropFrom(s.start)
	err := s.runPass(ctx, pass{
		name:   "scene",
		stage:  s.stage(),
		start:  s.start,
		share:  1,
		pushed: func(f *ffmpeg.Frame) { s.rec.ParsedFrameIdx = f.Index + 1 },
		sink:   s.score,
	})
	if err != nil {
		return fmt.Errorf("scene detection: %w", err)
	}
	return nil
}

func (s *SceneDetect) cleanup() {}

func (s *SceneDetect) stage() filter.Stage {
	return filter.Stage{
		PixFmt:      ffmpeg.PixFmtYUV420P,
		MetadataKey: SceneScoreKey,
		Filters: []filter.Step{
			{Name: "select", Args: filter.NewArgs().Set("expr", "gte(scene,0)").String()},
			{Name: "metadata", Args: filter.NewArgs().Set("mode", "print").Set("key", SceneScoreKey).String()},
		},
	}
}

func (s *SceneDetect) score(f *ffmpeg.Frame) error {
	raw, ok := f.Metadata[SceneScoreKey]
	if !ok {
		return fmt.Errorf("frame %d carries no %s", f.Index, SceneScoreKey)
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("frame %d: invalid scene score %q", f.Index, raw)
	}
	s.rec.DiffScores = append(s.rec.DiffScores, v)
	if v >= s.rec.DetectionThreshold {
		s.rec.CutPoints = append(s.rec.CutPoints, CutPoint{FrameIndex: f.Index, Score: v})
		s.log().Debug().Int64("frame", f.Index).Float64("score", v).Msg("scene cut")
	}
	return nil
}

// DiffScores returns a copy of the per-frame score history.
func (s *SceneDetect) DiffScores() ([]float64, error) {
	if !s.recordReadable() {
		return nil, ErrBusy
	}
	return append([]float64(nil), s.rec.DiffScores...), nil
}

// CutPoints lists the recorded cuts with their source timestamps.
func (s *SceneDetect) CutPoints() ([]Cut, error) {
	if !s.recordReadable() {
		return nil, ErrBusy
	}
	cuts := make([]Cut, len(s.rec.CutPoints))
	for i, c := range s.rec.CutPoints {
		cuts[i] = Cut{CutPoint: c, Timestamp: s.clipTime(c.FrameIndex)}
	}
	return cuts, nil
}

// CheckpointFrame is the persisted count of frames pushed so far.
func (s *SceneDetect) CheckpointFrame() (int64, error) {
	if !s.recordReadable() {
		return 0, ErrBusy
	}
	return s.rec.ParsedFrameIdx, nil
}

// PreviewFrames decodes the frames on either side of cut i. before is nil
// for a cut on the first clip frame.
func (s *SceneDetect) PreviewFrames(ctx context.Context, i int) (before, after *ffmpeg.Frame, err error) {
	cuts, err := s.CutPoints()
	if err != nil {
		return nil, nil, err
	}
	if i < 0 || i >= len(cuts) {
		return nil, nil, fmt.Errorf("cut point %d out of range [0,%d)", i, len(cuts))
	}
	idx := cuts[i].FrameIndex
	first := idx - 1
	if first < 0 {
		first = 0
	}

	src, err := s.openSource(ctx, first)
	if err != nil {
		return nil, nil, err
	}
	defer src.Close()

	for src.NextIndex() <= idx {
		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil, nil, fmt.Errorf("source ended before frame %d", idx)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("decode preview frame: %w", err)
		}
		if f.Index == idx {
			after = f
		} else {
			before = f
		}
	}
	return before, after, nil
}
