package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"mediatask/config"

	"github.com/rs/zerolog/log"
)

// Toolkit implements Backend by driving the ffmpeg and ffprobe binaries
// over raw-video pipes.
type Toolkit struct {
	FFmpegBin  string
	FFprobeBin string
}

var _ Backend = (*Toolkit)(nil)

func NewToolkit(cfg *config.Config) (*Toolkit, error) {
	if _, err := exec.LookPath(cfg.FFBin); err != nil {
		return nil, fmt.Errorf("ffmpeg binary not found or not in PATH: %s", cfg.FFBin)
	}
	if _, err := exec.LookPath(cfg.FFProbeBin); err != nil {
		return nil, fmt.Errorf("ffprobe binary not found or not in PATH: %s", cfg.FFProbeBin)
	}
	return &Toolkit{FFmpegBin: cfg.FFBin, FFprobeBin: cfg.FFProbeBin}, nil
}

func (t *Toolkit) command(ctx context.Context, bin string, args []string) *exec.Cmd {
	log.Debug().Str("bin", bin).Str("args", strings.Join(args, " ")).Msg("starting media process")
	return exec.CommandContext(ctx, bin, args...)
}

// exitErr converts a process wait error into an *ExitError carrying the
// native exit code.
func exitErr(tool string, err error, tail *tailBuffer) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return &ExitError{Tool: tool, Code: ee.ExitCode(), Stderr: tail.String()}
	}
	return fmt.Errorf("%s: %w", tool, err)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

// tailBuffer keeps the last few stderr lines of a process.
type tailBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial string
}

func newTail(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunk := b.partial + string(p)
	parts := strings.Split(chunk, "\n")
	b.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.addLocked(line)
	}
	return len(p), nil
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	b.addLocked(line)
	b.mu.Unlock()
}

func (b *tailBuffer) addLocked(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

func (b *tailBuffer) String() string {
	if b == nil {
		return ""
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines
	if p := strings.TrimSpace(b.partial); p != "" {
		lines = append(append([]string(nil), lines...), p)
	}
	return strings.Join(lines, "; ")
}
