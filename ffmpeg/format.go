package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Pixel formats the raw frame pipes understand.
const (
	PixFmtGray     = "gray"
	PixFmtYUV420P  = "yuv420p"
	PixFmtYUVJ420P = "yuvj420p"
	PixFmtNV12     = "nv12"
	PixFmtYUV422P  = "yuv422p"
	PixFmtYUV444P  = "yuv444p"
	PixFmtRGB24    = "rgb24"
	PixFmtBGR24    = "bgr24"
	PixFmtRGBA     = "rgba"
	PixFmtBGRA     = "bgra"
)

// Format describes the geometry and memory layout of a raw frame.
type Format struct {
	Width  int    `json:"width"`
	Height int    `json:"height"`
	PixFmt string `json:"pix_fmt"`
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d %s", f.Width, f.Height, f.PixFmt)
}

// Pixels returns the luma sample count.
func (f Format) Pixels() int {
	return f.Width * f.Height
}

// FrameSize returns the packed byte size of one frame, or 0 when the pixel
// format is not supported on a raw pipe.
func (f Format) FrameSize() int {
	if f.Width <= 0 || f.Height <= 0 {
		return 0
	}
	luma := f.Width * f.Height
	cw, ch := (f.Width+1)/2, (f.Height+1)/2
	switch f.PixFmt {
	case PixFmtGray:
		return luma
	case PixFmtYUV420P, PixFmtYUVJ420P, PixFmtNV12:
		return luma + 2*cw*ch
	case PixFmtYUV422P:
		return luma + 2*cw*f.Height
	case PixFmtYUV444P, PixFmtRGB24, PixFmtBGR24:
		return luma * 3
	case PixFmtRGBA, PixFmtBGRA:
		return luma * 4
	}
	return 0
}

// Supported reports whether the pixel format can travel over a raw pipe.
func Supported(pixFmt string) bool {
	return Format{Width: 1, Height: 1, PixFmt: pixFmt}.FrameSize() > 0
}

// Frame is one decoded picture in presentation order.
type Frame struct {
	Format
	Data     []byte
	Index    int64
	PTS      time.Duration
	Metadata map[string]string
}

// Rational is a frame rate such as 30000/1001.
type Rational struct {
	Num int `json:"num"`
	Den int `json:"den"`
}

func (r Rational) IsZero() bool {
	return r.Num <= 0 || r.Den <= 0
}

func (r Rational) Float() float64 {
	if r.IsZero() {
		return 0
	}
	return float64(r.Num) / float64(r.Den)
}

// FrameTime returns the timestamp of frame index i at this rate.
func (r Rational) FrameTime(i int64) time.Duration {
	if r.IsZero() {
		return 0
	}
	return time.Duration(float64(i) * float64(time.Second) * float64(r.Den) / float64(r.Num))
}

// FramesIn returns the number of whole frames that fit in d.
func (r Rational) FramesIn(d time.Duration) int64 {
	if r.IsZero() || d <= 0 {
		return 0
	}
	return int64(d) * int64(r.Num) / (int64(r.Den) * int64(time.Second))
}

func (r Rational) String() string {
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

func (r Rational) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Rational) UnmarshalText(b []byte) error {
	parsed, err := ParseRational(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// ParseRational accepts "num/den" or a plain integer. "0/0" is the
// unknown rate.
func ParseRational(s string) (Rational, error) {
	s = strings.TrimSpace(s)
	num, den, found := strings.Cut(s, "/")
	if !found {
		den = "1"
	}
	n, err := strconv.Atoi(strings.TrimSpace(num))
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
	}
	d, err := strconv.Atoi(strings.TrimSpace(den))
	if err != nil {
		return Rational{}, fmt.Errorf("invalid rational %q: %w", s, err)
	}
	if n < 0 || d < 0 || (d == 0 && n != 0) {
		return Rational{}, fmt.Errorf("invalid rational %q", s)
	}
	return Rational{Num: n, Den: d}, nil
}
