package filter

import (
	"fmt"

	"mediatask/ffmpeg"
)

// NativeFormat is the raw layout a source is decoded into before entering
// a pipeline: its own pixel format when that can travel over a raw pipe,
// yuv420p otherwise.
func NativeFormat(info ffmpeg.StreamInfo) ffmpeg.Format {
	f := info.Format
	if !ffmpeg.Supported(f.PixFmt) {
		f.PixFmt = ffmpeg.PixFmtYUV420P
	}
	return f
}

// Source wraps a decoder and tags every frame with its clip-relative index
// and presentation timestamp.
type Source struct {
	reader ffmpeg.FrameReader
	format ffmpeg.Format
	rate   ffmpeg.Rational
	next   int64
	read   int64
}

// NewSource adapts r, whose first frame is clip frame start.
func NewSource(r ffmpeg.FrameReader, format ffmpeg.Format, rate ffmpeg.Rational, start int64) *Source {
	return &Source{reader: r, format: format, rate: rate, next: start}
}

// Next returns the next frame or io.EOF.
func (s *Source) Next() (*ffmpeg.Frame, error) {
	f, err := s.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	if f.Width == 0 {
		f.Format = s.format
	}
	if want := f.FrameSize(); want == 0 || len(f.Data) != want {
		return nil, fmt.Errorf("decoded frame %d has %d bytes, want %d for %s", s.next, len(f.Data), want, f.Format)
	}
	f.Index = s.next
	f.PTS = s.rate.FrameTime(s.next)
	s.next++
	s.read++
	return f, nil
}

// NextIndex is the index the next frame will carry.
func (s *Source) NextIndex() int64 {
	return s.next
}

// Read is the number of frames delivered so far.
func (s *Source) Read() int64 {
	return s.read
}

func (s *Source) Close() error {
	return s.reader.Close()
}
