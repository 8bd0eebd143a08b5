// Package ffmpegtest provides a synthetic in-process ffmpeg.Backend for
// exercising the task engine without media binaries.
package ffmpegtest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"mediatask/ffmpeg"
)

// SceneScoreKey is the metadata key the synthetic graph tags when asked.
const SceneScoreKey = "lavfi.scene_score"

// Backend fabricates frames, filter graphs and encoders.
type Backend struct {
	Info     ffmpeg.StreamInfo
	ProbeErr error

	// Score returns the scene score reported for source frame i.
	Score func(i int64) float64
	// Latency is how many frames a graph holds before emitting output.
	Latency int
	// OnRead runs before each decoded frame is returned.
	OnRead func(i int64)

	GraphErr   error
	EncoderErr error
	// FailAfter makes the decoder return an error after that many frames.
	FailAfter int64

	mu      sync.Mutex
	decodes []ffmpeg.DecodeOptions
	graphs  []ffmpeg.GraphOptions
	encodes []ffmpeg.EncodeOptions
}

// New returns a backend describing a source with the given geometry,
// rate and frame count.
func New(width, height int, rate ffmpeg.Rational, frames int64) *Backend {
	return &Backend{
		Info: ffmpeg.StreamInfo{
			Format:    ffmpeg.Format{Width: width, Height: height, PixFmt: ffmpeg.PixFmtYUV420P},
			FrameRate: rate,
			NumFrames: frames,
			Duration:  rate.FrameTime(frames),
		},
		Latency: 1,
	}
}

func (b *Backend) Probe(ctx context.Context, src ffmpeg.SourceSpec) (ffmpeg.StreamInfo, error) {
	if b.ProbeErr != nil {
		return ffmpeg.StreamInfo{}, b.ProbeErr
	}
	return b.Info, nil
}

func (b *Backend) OpenDecoder(ctx context.Context, opts ffmpeg.DecodeOptions) (ffmpeg.FrameReader, error) {
	b.mu.Lock()
	b.decodes = append(b.decodes, opts)
	b.mu.Unlock()

	rate := b.Info.FrameRate
	first := rate.FramesIn(opts.Start)
	end := b.Info.NumFrames
	if opts.Length > 0 {
		if e := first + rate.FramesIn(opts.Length); e < end {
			end = e
		}
	}
	return &reader{b: b, ctx: ctx, format: opts.Output, next: first, end: end}, nil
}

func (b *Backend) OpenGraph(ctx context.Context, opts ffmpeg.GraphOptions) (ffmpeg.Graph, error) {
	if b.GraphErr != nil {
		return nil, b.GraphErr
	}
	if in := optionValue(opts.Description, "vidstabtransform", "input"); in != "" {
		if _, err := os.Stat(in); err != nil {
			return nil, fmt.Errorf("vidstabtransform: cannot open trajectory: %w", err)
		}
	}
	b.mu.Lock()
	b.graphs = append(b.graphs, opts)
	b.mu.Unlock()
	return &graph{b: b, opts: opts, trf: optionValue(opts.Description, "vidstabdetect", "result")}, nil
}

func (b *Backend) OpenEncoder(ctx context.Context, opts ffmpeg.EncodeOptions) (ffmpeg.FrameWriter, error) {
	if b.EncoderErr != nil {
		return nil, b.EncoderErr
	}
	f, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	b.encodes = append(b.encodes, opts)
	b.mu.Unlock()
	return &encoder{f: f, in: opts.In}, nil
}

// Decodes returns the options of every decoder opened so far.
func (b *Backend) Decodes() []ffmpeg.DecodeOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ffmpeg.DecodeOptions(nil), b.decodes...)
}

// Graphs returns the options of every graph opened so far.
func (b *Backend) Graphs() []ffmpeg.GraphOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ffmpeg.GraphOptions(nil), b.graphs...)
}

// Encodes returns the options of every encoder opened so far.
func (b *Backend) Encodes() []ffmpeg.EncodeOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ffmpeg.EncodeOptions(nil), b.encodes...)
}

var escapedRe = regexp.MustCompile(`\\(.)`)

// optionValue extracts key's value from the named filter in a chain
// description, undoing backslash escapes.
func optionValue(desc, filter, key string) string {
	re := regexp.MustCompile(regexp.QuoteMeta(filter) + `=((?:\\.|[^,\\])*)`)
	m := re.FindStringSubmatch(desc)
	if m == nil {
		return ""
	}
	var opts []string
	var cur strings.Builder
	for i := 0; i < len(m[1]); i++ {
		c := m[1][i]
		if c == '\\' && i+1 < len(m[1]) {
			cur.WriteByte(c)
			cur.WriteByte(m[1][i+1])
			i++
			continue
		}
		if c == ':' {
			opts = append(opts, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteByte(c)
	}
	opts = append(opts, cur.String())
	for _, o := range opts {
		k, v, ok := strings.Cut(o, "=")
		if ok && k == key {
			return escapedRe.ReplaceAllString(v, "$1")
		}
	}
	return ""
}

type reader struct {
	b      *Backend
	ctx    context.Context
	format ffmpeg.Format
	next   int64
	end    int64
	read   int64
}

func (r *reader) ReadFrame() (*ffmpeg.Frame, error) {
	if r.b.FailAfter > 0 && r.read >= r.b.FailAfter {
		return nil, &ffmpeg.ExitError{Tool: "decoder", Code: 183, Stderr: "synthetic decode failure"}
	}
	if r.next >= r.end {
		return nil, io.EOF
	}
	if err := r.ctx.Err(); err != nil {
		return nil, err
	}
	if r.b.OnRead != nil {
		r.b.OnRead(r.next)
	}
	data := make([]byte, r.format.FrameSize())
	for i := range data {
		data[i] = byte(r.next)
	}
	r.next++
	r.read++
	return &ffmpeg.Frame{Format: r.format, Data: data}, nil
}

func (r *reader) Close() error { return nil }

type graph struct {
	b    *Backend
	opts ffmpeg.GraphOptions
	trf  string

	held    []*ffmpeg.Frame
	flushed bool
	pushed  int64
	closed  bool
}

func (g *graph) Push(f *ffmpeg.Frame) error {
	if g.closed {
		return fmt.Errorf("push into closed graph")
	}
	if f == nil {
		if !g.flushed && g.trf != "" {
			if err := writeTrajectory(g.trf, g.pushed); err != nil {
				return err
			}
		}
		g.flushed = true
		return nil
	}
	if len(f.Data) != g.opts.In.FrameSize() {
		return fmt.Errorf("frame of %d bytes does not match graph input %s", len(f.Data), g.opts.In)
	}
	out := &ffmpeg.Frame{Format: g.opts.Out, Data: make([]byte, g.opts.Out.FrameSize())}
	copy(out.Data, f.Data)
	if g.opts.MetadataKey != "" {
		score := 0.0
		if g.b.Score != nil {
			score = g.b.Score(f.Index)
		}
		out.Metadata = map[string]string{g.opts.MetadataKey: strconv.FormatFloat(score, 'f', 6, 64)}
	}
	g.held = append(g.held, out)
	g.pushed++
	return nil
}

func (g *graph) Pull() (*ffmpeg.Frame, error) {
	if len(g.held) == 0 {
		if g.flushed {
			return nil, io.EOF
		}
		return nil, ffmpeg.ErrAgain
	}
	if !g.flushed && len(g.held) <= g.b.Latency {
		return nil, ffmpeg.ErrAgain
	}
	f := g.held[0]
	g.held = g.held[1:]
	return f, nil
}

func (g *graph) Close() error {
	g.closed = true
	return nil
}

func writeTrajectory(path string, frames int64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("VID.STAB 1\n")
	for i := int64(0); i < frames; i++ {
		fmt.Fprintf(&b, "Frame %d (List 0 [])\n", i+1)
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

type encoder struct {
	f      *os.File
	in     ffmpeg.Format
	frames int
}

func (e *encoder) WriteFrame(f *ffmpeg.Frame) error {
	if len(f.Data) != e.in.FrameSize() {
		return fmt.Errorf("frame of %d bytes does not match encoder input %s", len(f.Data), e.in)
	}
	e.frames++
	_, err := e.f.Write(f.Data)
	return err
}

func (e *encoder) Close() error {
	if e.f == nil {
		return nil
	}
	err := e.f.Close()
	e.f = nil
	return err
}
