// Package filter builds the linear filter chains each task pass runs its
// frames through, and adapts decoded frames for them.
package filter

import (
	"strconv"
	"strings"

	"mediatask/ffmpeg"
)

// Step is one named filter with its option string.
type Step struct {
	Name string
	Args string
}

func (s Step) String() string {
	if s.Args == "" {
		return s.Name
	}
	return s.Name + "=" + s.Args
}

// Chain is a linear filter description.
type Chain []Step

func (c Chain) String() string {
	parts := make([]string, len(c))
	for i, s := range c {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}

// Has reports whether the chain contains a filter with the given name.
func (c Chain) Has(name string) bool {
	for _, s := range c {
		if s.Name == name {
			return true
		}
	}
	return false
}

// Target is the output geometry a pass should produce. Zero keeps the
// input geometry.
type Target struct {
	Width  int
	Height int
}

// Stage is the variant-specific tail of a chain.
type Stage struct {
	Filters []Step
	// PixFmt is the format the stage filters require; empty accepts any.
	PixFmt string
	// MetadataKey is a per-frame metadata entry the stage produces.
	MetadataKey string
}

// ScaleFlags picks the interpolation for a resize: upscale quality when
// the output has at least as many pixels as the input, area otherwise.
func ScaleFlags(in, out ffmpeg.Format) string {
	if out.Pixels() >= in.Pixels() {
		return "bicubic"
	}
	return "area"
}

// Plan lays out scale, format conversion and the stage filters for a
// given input and returns the chain with the format it produces.
func Plan(in ffmpeg.Format, target Target, stage Stage) (Chain, ffmpeg.Format) {
	out := in
	var chain Chain

	if target.Width > 0 && target.Height > 0 && (target.Width != in.Width || target.Height != in.Height) {
		out.Width, out.Height = target.Width, target.Height
		chain = append(chain, Step{
			Name: "scale",
			Args: NewArgs().
				Set("w", target.Width).
				Set("h", target.Height).
				Set("flags", ScaleFlags(in, out)).
				String(),
		})
	}

	if stage.PixFmt != "" && stage.PixFmt != in.PixFmt {
		out.PixFmt = stage.PixFmt
		chain = append(chain, Step{Name: "format", Args: "pix_fmts=" + stage.PixFmt})
	}

	chain = append(chain, stage.Filters...)
	return chain, out
}

// Args assembles a key=value option string in insertion order.
type Args struct {
	parts []string
}

func NewArgs() *Args {
	return &Args{}
}

func (a *Args) Set(key string, value any) *Args {
	var v string
	switch x := value.(type) {
	case string:
		v = Escape(x)
	case bool:
		v = "0"
		if x {
			v = "1"
		}
	case int:
		v = strconv.Itoa(x)
	case int64:
		v = strconv.FormatInt(x, 10)
	case float64:
		v = strconv.FormatFloat(x, 'g', -1, 64)
	default:
		v = Escape(toString(x))
	}
	a.parts = append(a.parts, key+"="+v)
	return a
}

func (a *Args) String() string {
	return strings.Join(a.parts, ":")
}

func toString(v any) string {
	if s, ok := v.(interface{ String() string }); ok {
		return s.String()
	}
	return ""
}

// Escape backslash-escapes characters that would otherwise end an option
// value or a filter inside a chain description.
func Escape(v string) string {
	var b strings.Builder
	for _, r := range v {
		switch r {
		case '\\', '\'', ':', ',', ';', '[', ']', '=':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
