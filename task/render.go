package task

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Viewport is the area a host hands to Render. Content receives the
// drawn text.
type Viewport struct {
	Width   int
	Height  int
	Content string
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	stateColors = map[State]lipgloss.Color{
		StateWaiting:    "244",
		StateProcessing: "33",
		StateDone:       "42",
		StateFailed:     "196",
		StateCancelled:  "214",
	}
)

func (b *Base) stateLabel() string {
	label := b.State().String()
	if b.IsPaused() {
		label = "paused"
	}
	return lipgloss.NewStyle().Foreground(stateColors[b.State()]).Render(label)
}

func progressBar(p float64, width int) string {
	if width < 1 {
		width = 1
	}
	filled := int(p * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// Summary is a single line describing the task.
func (b *Base) Summary() string {
	return fmt.Sprintf("%s %s %s %3.0f%%", titleStyle.Render(b.Name()), mutedStyle.Render(string(b.kind)), b.stateLabel(), b.Progress()*100)
}

// render draws the common panel with the variant's detail lines and
// reports whether the host should discard the task.
func (b *Base) render(vp *Viewport, details []string) bool {
	if vp == nil {
		return b.discard.Load()
	}
	inner := vp.Width - 4
	if inner < 10 {
		inner = 10
	}

	lines := []string{
		titleStyle.Render(b.Name()) + " " + mutedStyle.Render(string(b.kind)),
		b.stateLabel(),
		fmt.Sprintf("%s %3.0f%%", progressBar(b.Progress(), inner-6), b.Progress()*100),
	}
	lines = append(lines, details...)
	if msg := b.Err(); msg != "" {
		lines = append(lines, errorStyle.Width(inner).Render(msg))
	}
	if vp.Height > 2 && len(lines) > vp.Height-2 {
		lines = lines[:vp.Height-2]
	}

	vp.Content = boxStyle.Width(inner + 2).Render(strings.Join(lines, "\n"))
	return b.discard.Load()
}

func (v *Vidstab) Render(vp *Viewport) bool {
	stage := "detect"
	if v.Progress() >= detectShare {
		stage = "transform"
	}
	return v.render(vp, []string{
		mutedStyle.Render("pass: " + stage),
		mutedStyle.Render("output: " + v.OutputPath()),
	})
}

func (s *SceneDetect) Render(vp *Viewport) bool {
	details := []string{mutedStyle.Render(fmt.Sprintf("threshold: %.2f", s.rec.DetectionThreshold))}
	if cuts, err := s.CutPoints(); err == nil {
		details = append(details, mutedStyle.Render(fmt.Sprintf("cuts: %d", len(cuts))))
	}
	return s.render(vp, details)
}
