package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrAgain is returned by Graph.Pull when no output frame is ready yet.
// It is an expected outcome, not a failure.
var ErrAgain = errors.New("ffmpeg: output not ready")

// ExitError reports a media process that exited unsuccessfully.
type ExitError struct {
	Tool   string
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s exited with code %d", e.Tool, e.Code)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// ImageSequence describes a directory of still images treated as video.
type ImageSequence struct {
	FrameRate     Rational
	Pattern       string
	CaseSensitive bool
	Recurse       bool
}

// SourceSpec identifies a media source.
type SourceSpec struct {
	URL      string
	ImageSeq *ImageSequence
	HWAccel  string
}

// StreamInfo is what probing a source's first video stream yields.
type StreamInfo struct {
	Format
	FrameRate Rational
	Duration  time.Duration
	NumFrames int64
	// Files is the ordered image list for image sequences.
	Files []string
}

type DecodeOptions struct {
	Source SourceSpec
	// Files overrides directory listing for image sequences.
	Files      []string
	Start      time.Duration
	Length     time.Duration
	Output     Format
	FrameRate  Rational
	ScratchDir string
}

type GraphOptions struct {
	Description string
	In          Format
	Out         Format
	FrameRate   Rational
	// MetadataKey names a per-frame metadata entry that must be attached
	// to an output frame before it is handed out.
	MetadataKey string
}

type EncodeOptions struct {
	Path      string
	In        Format
	FrameRate Rational
	Codec     string
	PixFmt    string
	Bitrate   int64
	ExtraArgs []string
}

// FrameReader yields raw frames in presentation order until io.EOF.
type FrameReader interface {
	ReadFrame() (*Frame, error)
	Close() error
}

// Graph is a linear filter chain with one input and one output pad.
type Graph interface {
	// Push feeds a frame; a nil frame signals end of input.
	Push(f *Frame) error
	// Pull returns the next output frame, ErrAgain, or io.EOF once
	// input has ended and everything has been drained.
	Pull() (*Frame, error)
	Close() error
}

// FrameWriter encodes frames to a file; Close finalizes the container.
type FrameWriter interface {
	WriteFrame(f *Frame) error
	Close() error
}

// Backend is the media-library capability the task engine depends on.
type Backend interface {
	Probe(ctx context.Context, src SourceSpec) (StreamInfo, error)
	OpenDecoder(ctx context.Context, opts DecodeOptions) (FrameReader, error)
	OpenGraph(ctx context.Context, opts GraphOptions) (Graph, error)
	OpenEncoder(ctx context.Context, opts EncodeOptions) (FrameWriter, error)
}
