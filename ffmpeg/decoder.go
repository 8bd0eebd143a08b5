package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

func decodeArgs(opts DecodeOptions, listPath string) []string {
	args := []string{"-hide_banner", "-nostats", "-loglevel", "error"}
	if opts.Source.HWAccel != "" {
		args = append(args, "-hwaccel", opts.Source.HWAccel)
	}
	if listPath != "" {
		args = append(args, "-f", "concat", "-safe", "0")
	}
	if opts.Start > 0 {
		args = append(args, "-ss", seconds(opts.Start))
	}
	input := opts.Source.URL
	if listPath != "" {
		input = listPath
	}
	args = append(args, "-i", input)
	if opts.Length > 0 {
		args = append(args, "-t", seconds(opts.Length))
	}
	args = append(args, "-map", "0:v:0", "-an", "-sn")
	if listPath != "" && !opts.FrameRate.IsZero() {
		args = append(args, "-r", opts.FrameRate.String())
	}
	return append(args, "-f", "rawvideo", "-pix_fmt", opts.Output.PixFmt, "pipe:1")
}

type processReader struct {
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	tail    *tailBuffer
	format  Format
	cancel  context.CancelFunc
	cleanup func()

	waitOnce sync.Once
	waitErr  error
}

// OpenDecoder starts a decode process that emits raw frames of opts.Output.
func (t *Toolkit) OpenDecoder(ctx context.Context, opts DecodeOptions) (FrameReader, error) {
	if opts.Output.FrameSize() == 0 {
		return nil, fmt.Errorf("unsupported decode format %s", opts.Output)
	}

	var listPath string
	cleanup := func() {}
	if opts.Source.ImageSeq != nil {
		files := opts.Files
		if len(files) == 0 {
			var err error
			files, err = ListImageSequence(opts.Source.URL, *opts.Source.ImageSeq)
			if err != nil {
				return nil, err
			}
		}
		if len(files) == 0 {
			return nil, errors.New("image sequence is empty")
		}
		dir := opts.ScratchDir
		if dir == "" {
			dir = os.TempDir()
		}
		p, err := writeConcatList(dir, files, opts.FrameRate)
		if err != nil {
			return nil, err
		}
		listPath = p
		cleanup = func() { os.Remove(p) }
	}

	pctx, cancel := context.WithCancel(ctx)
	cmd := t.command(pctx, t.FFmpegBin, decodeArgs(opts, listPath))
	tail := newTail(8)
	cmd.Stderr = tail
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		cleanup()
		return nil, fmt.Errorf("decoder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		cleanup()
		return nil, fmt.Errorf("start decoder: %w", err)
	}
	return &processReader{
		cmd:     cmd,
		stdout:  stdout,
		tail:    tail,
		format:  opts.Output,
		cancel:  cancel,
		cleanup: cleanup,
	}, nil
}

func (r *processReader) wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = exitErr("decoder", r.cmd.Wait(), r.tail)
	})
	return r.waitErr
}

func (r *processReader) ReadFrame() (*Frame, error) {
	buf := make([]byte, r.format.FrameSize())
	_, err := io.ReadFull(r.stdout, buf)
	switch {
	case err == nil:
		return &Frame{Format: r.format, Data: buf}, nil
	case errors.Is(err, io.EOF):
		if werr := r.wait(); werr != nil {
			return nil, werr
		}
		return nil, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		if werr := r.wait(); werr != nil {
			return nil, werr
		}
		return nil, fmt.Errorf("decoder produced a truncated frame")
	}
	return nil, fmt.Errorf("read decoded frame: %w", err)
}

func (r *processReader) Close() error {
	r.cancel()
	_ = r.wait()
	r.cleanup()
	return nil
}
