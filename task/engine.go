package task

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"mediatask/config"
	"mediatask/ffmpeg"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how long a paused frame loop, or a drain waiting
// on a busy filter graph, sleeps between checks.
const DefaultPollInterval = 50 * time.Millisecond

// Settings is the output geometry and rate a task renders at.
type Settings struct {
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	FrameRate ffmpeg.Rational `json:"frame_rate"`
	HWAccel   string          `json:"hwaccel,omitempty"`
}

// Valid reports whether s carries a usable geometry.
func (s *Settings) Valid() bool {
	return s != nil && s.Width > 0 && s.Height > 0
}

// Engine is the context every task is constructed against. It replaces
// process-wide state so independent engines can coexist.
type Engine struct {
	CacheDir string
	// Shared settings inherited by tasks that neither embed their own nor
	// take them from the source. Read-only once tasks exist.
	Shared       *Settings
	Backend      ffmpeg.Backend
	PollInterval time.Duration
	Limits       ffmpeg.ResourceLimits
	Logger       zerolog.Logger

	closed atomic.Bool
}

func NewEngine(cfg *config.Config, backend ffmpeg.Backend) (*Engine, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0o750); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	e := &Engine{
		CacheDir:     cfg.CacheDir,
		Backend:      backend,
		PollInterval: cfg.PollInterval,
		Limits: ffmpeg.ResourceLimits{
			MinIdleCPU:  cfg.ThrottleCPU,
			MinFreeMem:  cfg.ThrottleFreeMem,
			MinFreeDisk: cfg.ThrottleFreeDisk,
		},
		Logger: log.Logger,
	}

	if cfg.OutputWidth > 0 && cfg.OutputHeight > 0 {
		shared := &Settings{Width: cfg.OutputWidth, Height: cfg.OutputHeight, HWAccel: cfg.HWAccel}
		if cfg.OutputFrameRate != "" {
			rate, err := ffmpeg.ParseRational(cfg.OutputFrameRate)
			if err != nil {
				return nil, fmt.Errorf("output frame rate: %w", err)
			}
			shared.FrameRate = rate
		}
		e.Shared = shared
	}
	return e, nil
}

// Close tears the engine down. Tasks can no longer be created against it.
func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

func (e *Engine) poll() time.Duration {
	if e.PollInterval <= 0 {
		return DefaultPollInterval
	}
	return e.PollInterval
}
