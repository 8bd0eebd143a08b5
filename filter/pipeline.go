package filter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"mediatask/ffmpeg"
)

// GraphOpener is the part of ffmpeg.Backend a pipeline needs.
type GraphOpener interface {
	OpenGraph(ctx context.Context, opts ffmpeg.GraphOptions) (ffmpeg.Graph, error)
}

// Pipeline owns one filter graph for the duration of a pass. The graph is
// built from the first frame pushed into it.
type Pipeline struct {
	opener GraphOpener
	stage  Stage
	target Target
	rate   ffmpeg.Rational

	graph   ffmpeg.Graph
	chain   Chain
	in      ffmpeg.Format
	out     ffmpeg.Format
	base    int64
	pulled  int64
	flushed bool
}

func NewPipeline(opener GraphOpener, stage Stage, target Target, rate ffmpeg.Rational) *Pipeline {
	return &Pipeline{opener: opener, stage: stage, target: target, rate: rate}
}

// Built reports whether a graph is currently instantiated.
func (p *Pipeline) Built() bool {
	return p.graph != nil
}

// Build instantiates the graph for first's geometry, tearing down any
// previous graph.
func (p *Pipeline) Build(ctx context.Context, first *ffmpeg.Frame) error {
	p.Reset()
	chain, out := Plan(first.Format, p.target, p.stage)
	desc := chain.String()
	g, err := p.opener.OpenGraph(ctx, ffmpeg.GraphOptions{
		Description: desc,
		In:          first.Format,
		Out:         out,
		FrameRate:   p.rate,
		MetadataKey: p.stage.MetadataKey,
	})
	if err != nil {
		return fmt.Errorf("build filter graph %q: %w", desc, err)
	}
	p.graph = g
	p.chain = chain
	p.in = first.Format
	p.out = out
	p.base = first.Index
	p.pulled = 0
	p.flushed = false
	return nil
}

// Push feeds one frame, building the graph on the first call.
func (p *Pipeline) Push(ctx context.Context, f *ffmpeg.Frame) error {
	if p.graph == nil {
		if err := p.Build(ctx, f); err != nil {
			return err
		}
	}
	if f.Format != p.in {
		return fmt.Errorf("frame %d format %s differs from pipeline input %s", f.Index, f.Format, p.in)
	}
	if err := p.graph.Push(f); err != nil {
		return fmt.Errorf("push frame %d: %w", f.Index, err)
	}
	return nil
}

// Flush signals end of input.
func (p *Pipeline) Flush() error {
	p.flushed = true
	if p.graph == nil {
		return nil
	}
	if err := p.graph.Push(nil); err != nil {
		return fmt.Errorf("flush filter graph: %w", err)
	}
	return nil
}

// Pull returns the next output frame tagged with the index of the input
// frame it came from, ffmpeg.ErrAgain, or io.EOF.
func (p *Pipeline) Pull() (*ffmpeg.Frame, error) {
	if p.graph == nil {
		if p.flushed {
			return nil, io.EOF
		}
		return nil, ffmpeg.ErrAgain
	}
	f, err := p.graph.Pull()
	if err != nil {
		if errors.Is(err, ffmpeg.ErrAgain) || errors.Is(err, io.EOF) {
			return nil, err
		}
		return nil, fmt.Errorf("pull from filter graph: %w", err)
	}
	f.Index = p.base + p.pulled
	f.PTS = p.rate.FrameTime(f.Index)
	p.pulled++
	return f, nil
}

// DrainReady hands every frame that is ready right now to sink.
func (p *Pipeline) DrainReady(sink func(*ffmpeg.Frame) error) error {
	for {
		f, err := p.Pull()
		if errors.Is(err, ffmpeg.ErrAgain) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := sink(f); err != nil {
			return err
		}
	}
}

// Drain flushes the graph and hands every remaining frame to sink,
// polling while the graph is still working.
func (p *Pipeline) Drain(ctx context.Context, poll time.Duration, sink func(*ffmpeg.Frame) error) error {
	if err := p.Flush(); err != nil {
		return err
	}
	for {
		f, err := p.Pull()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case errors.Is(err, ffmpeg.ErrAgain):
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(poll):
			}
			continue
		case err != nil:
			return err
		}
		if err := sink(f); err != nil {
			return err
		}
	}
}

// Description is the textual chain of the current graph.
func (p *Pipeline) Description() string {
	return p.chain.String()
}

// Output is the frame format the current graph produces.
func (p *Pipeline) Output() ffmpeg.Format {
	return p.out
}

// Reset releases the current graph so a new pass can rebuild it.
func (p *Pipeline) Reset() {
	if p.graph != nil {
		_ = p.graph.Close()
	}
	p.graph = nil
	p.chain = nil
	p.flushed = false
}

func (p *Pipeline) Close() error {
	p.Reset()
	return nil
}
