package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
)

func encodeArgs(opts EncodeOptions) []string {
	rate := opts.FrameRate
	if rate.IsZero() {
		rate = Rational{Num: 25, Den: 1}
	}
	args := []string{
		"-hide_banner", "-nostats", "-loglevel", "error",
		"-f", "rawvideo",
		"-pix_fmt", opts.In.PixFmt,
		"-video_size", fmt.Sprintf("%dx%d", opts.In.Width, opts.In.Height),
		"-framerate", rate.String(),
		"-i", "pipe:0",
		"-c:v", opts.Codec,
	}
	if opts.PixFmt != "" {
		args = append(args, "-pix_fmt", opts.PixFmt)
	}
	if opts.Bitrate > 0 {
		args = append(args, "-b:v", strconv.FormatInt(opts.Bitrate, 10))
	}
	args = append(args, opts.ExtraArgs...)
	return append(args, "-y", opts.Path)
}

type processWriter struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	in     Format
	tail   *tailBuffer
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// OpenEncoder starts an encode process writing opts.Path.
func (t *Toolkit) OpenEncoder(ctx context.Context, opts EncodeOptions) (FrameWriter, error) {
	if opts.In.FrameSize() == 0 {
		return nil, fmt.Errorf("unsupported encoder input format %s", opts.In)
	}
	if opts.Codec == "" {
		return nil, errors.New("encoder codec is required")
	}
	if err := ValidateOptions(opts.ExtraArgs); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := t.command(pctx, t.FFmpegBin, encodeArgs(opts))
	tail := newTail(8)
	cmd.Stderr = tail
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("cannot open encoder: %w", err)
	}
	return &processWriter{cmd: cmd, stdin: stdin, in: opts.In, tail: tail, cancel: cancel}, nil
}

func (w *processWriter) WriteFrame(f *Frame) error {
	if len(f.Data) != w.in.FrameSize() {
		return fmt.Errorf("frame of %d bytes does not match encoder input %s", len(f.Data), w.in)
	}
	if _, err := w.stdin.Write(f.Data); err != nil {
		if cerr := w.Close(); cerr != nil {
			return cerr
		}
		return fmt.Errorf("write to encoder: %w", err)
	}
	return nil
}

// Close flushes the encoder and waits for the container to be finalized.
func (w *processWriter) Close() error {
	w.closeOnce.Do(func() {
		_ = w.stdin.Close()
		w.closeErr = exitErr("encoder", w.cmd.Wait(), w.tail)
		w.cancel()
	})
	return w.closeErr
}
