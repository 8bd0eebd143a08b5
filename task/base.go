package task

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"sync/atomic"
	"time"

	"mediatask/ffmpeg"
	"mediatask/filter"

	"github.com/rs/zerolog"
)

// runner is what a variant supplies to the shared run loop.
type runner interface {
	// finished reports a record whose every pass already completed.
	finished() bool
	process(ctx context.Context) error
	// cleanup runs after process regardless of outcome.
	cleanup()
}

// Base carries the lifecycle every variant shares. Its flags are written
// by the worker running the task and read from any goroutine.
type Base struct {
	engine *Engine
	kind   Kind
	common *Record
	// doc is the full variant record that is serialized.
	doc any

	state          atomic.Int32
	pauseRequested atomic.Bool
	pauseHit       atomic.Bool
	cancelled      atomic.Bool
	discard        atomic.Bool
	ran            atomic.Bool
	progress       atomic.Uint64
	errMsg         atomic.Pointer[string]
	logger         atomic.Pointer[zerolog.Logger]

	info     ffmpeg.StreamInfo
	settings Settings
	pipe     *filter.Pipeline
}

func (b *Base) init(engine *Engine, kind Kind, rec *Record, doc any) {
	b.engine = engine
	b.kind = kind
	b.common = rec
	b.doc = doc
	l := engine.Logger.With().Str("type", string(kind)).Logger()
	b.logger.Store(&l)
}

func (b *Base) core() *Base { return b }

// initialize validates the common record fields, probes the source and
// prepares the task directory. The variant has already decoded data into
// b.doc.
func (b *Base) initialize(ctx context.Context) error {
	if b.ran.Load() {
		return ErrAlreadyRan
	}
	if b.engine.closed.Load() {
		return ErrEngineClosed
	}
	rec := b.common
	if rec.Type == "" {
		rec.Type = b.kind
	}
	if rec.Type != b.kind {
		return fmt.Errorf("record type %q does not match %q", rec.Type, b.kind)
	}
	if err := rec.validateSource(); err != nil {
		return err
	}
	if rec.Name == "" {
		rec.Name = filepath.Base(rec.SourceURL)
	}

	var hwaccel string
	if rec.Settings != nil {
		hwaccel = rec.Settings.HWAccel
	} else if !rec.UseSourceAttributes && b.engine.Shared != nil {
		hwaccel = b.engine.Shared.HWAccel
	}
	info, err := b.engine.Backend.Probe(ctx, rec.sourceSpec(hwaccel))
	if err != nil {
		return fmt.Errorf("probe source: %w", err)
	}
	if info.FrameRate.IsZero() {
		return errors.New("source has no usable frame rate")
	}
	b.info = info

	if err := rec.validateWindow(info.Duration.Milliseconds()); err != nil {
		return err
	}
	if err := b.resolveSettings(); err != nil {
		return err
	}

	if rec.Dir == "" {
		if rec.Hash == 0 {
			rec.Hash = newHash()
		}
		rec.Dir = filepath.Join(b.engine.CacheDir, dirName(rec.Name, rec.Hash))
	}
	if err := ensureDir(rec.Dir); err != nil {
		return err
	}

	switch {
	case rec.Failed:
		b.state.Store(int32(StateFailed))
	case rec.Done:
		b.state.Store(int32(StateDone))
		b.progress.Store(math.Float64bits(1))
	default:
		b.state.Store(int32(StateWaiting))
	}
	if rec.ErrorMessage != "" {
		b.setErr(rec.ErrorMessage)
	}

	l := b.engine.Logger.With().
		Str("task", rec.Name).
		Str("type", string(b.kind)).
		Str("dir", rec.Dir).
		Logger()
	b.logger.Store(&l)
	return nil
}

// resolveSettings picks an embedded snapshot first, then the source's own
// attributes, then the engine's shared settings.
func (b *Base) resolveSettings() error {
	rec := b.common
	switch {
	case rec.Settings != nil:
		if !rec.Settings.Valid() {
			return fmt.Errorf("embedded settings have invalid geometry %dx%d", rec.Settings.Width, rec.Settings.Height)
		}
		b.settings = *rec.Settings
	case rec.UseSourceAttributes:
		b.settings = Settings{Width: b.info.Width, Height: b.info.Height, FrameRate: b.info.FrameRate}
	case b.engine.Shared.Valid():
		b.settings = *b.engine.Shared
	default:
		return errors.New("no settings available: embed settings, set use_source_attributes or configure shared settings")
	}
	if b.settings.FrameRate.IsZero() {
		b.settings.FrameRate = b.info.FrameRate
	}
	return nil
}

func (b *Base) Kind() Kind { return b.kind }

func (b *Base) Name() string { return b.common.Name }

func (b *Base) TaskDir() string { return b.common.Dir }

func (b *Base) State() State { return State(b.state.Load()) }

func (b *Base) Progress() float64 {
	return math.Float64frombits(b.progress.Load())
}

// Err returns the message of the last failure, or "".
func (b *Base) Err() string {
	if p := b.errMsg.Load(); p != nil {
		return *p
	}
	return ""
}

func (b *Base) setErr(msg string) {
	b.errMsg.Store(&msg)
}

func (b *Base) log() *zerolog.Logger {
	return b.logger.Load()
}

// SetLogLevel changes this task's verbosity, also while it runs.
func (b *Base) SetLogLevel(level zerolog.Level) {
	l := b.log().Level(level)
	b.logger.Store(&l)
}

// Pause asks the frame loop to stop at its next checkpoint.
func (b *Base) Pause() error {
	switch s := b.State(); {
	case s.Terminal():
		return ErrTerminal
	case s != StateProcessing:
		return ErrNotProcessing
	}
	if !b.pauseRequested.Swap(true) {
		b.log().Info().Msg("pause requested")
	}
	return nil
}

func (b *Base) Resume() error {
	switch s := b.State(); {
	case s.Terminal():
		return ErrTerminal
	case s != StateProcessing:
		return ErrNotProcessing
	}
	if b.pauseRequested.Swap(false) {
		b.log().Info().Msg("resumed")
	}
	b.pauseHit.Store(false)
	return nil
}

// IsPaused is true only once the frame loop has observed a pause request.
func (b *Base) IsPaused() bool {
	return b.pauseRequested.Load() && b.pauseHit.Load()
}

func (b *Base) CanPause() bool {
	return b.State() == StateProcessing && !b.cancelled.Load()
}

// Cancel stops a waiting task outright and asks a processing one to stop
// at its next checkpoint.
func (b *Base) Cancel() error {
	if b.state.CompareAndSwap(int32(StateWaiting), int32(StateCancelled)) {
		b.log().Info().Msg("cancelled before start")
		return nil
	}
	if b.State().Terminal() {
		return ErrTerminal
	}
	if !b.cancelled.Swap(true) {
		b.log().Info().Msg("cancellation requested")
	}
	return nil
}

// RequestDiscard marks the task for removal by the host.
func (b *Base) RequestDiscard() {
	b.discard.Store(true)
}

// recordReadable reports whether the worker currently leaves the record
// alone.
func (b *Base) recordReadable() bool {
	return b.State() != StateProcessing || b.IsPaused()
}

// SaveAsJSON writes the full record to w.
func (b *Base) SaveAsJSON(w io.Writer) error {
	if !b.recordReadable() {
		return ErrBusy
	}
	return encodeRecord(w, b.doc)
}

// Save writes the record to path, or to the task directory when path is
// empty, and returns the written path.
func (b *Base) Save(path string) (string, error) {
	if !b.recordReadable() {
		return "", ErrBusy
	}
	if path == "" {
		if b.common.Dir == "" {
			return "", errors.New("task has no directory")
		}
		path = filepath.Join(b.common.Dir, RecordFile)
	}
	if err := writeRecordAtomic(path, b.doc); err != nil {
		b.log().Warn().Err(err).Str("path", path).Msg("failed to save task record")
		return "", err
	}
	b.log().Debug().Str("path", path).Msg("task record saved")
	return path, nil
}

// setProgress raises progress to p; it never moves backwards.
func (b *Base) setProgress(p float64) {
	if p > 1 {
		p = 1
	}
	for {
		old := b.progress.Load()
		if math.Float64frombits(old) >= p {
			return
		}
		if b.progress.CompareAndSwap(old, math.Float64bits(p)) {
			return
		}
	}
}

// checkpoint is visited once per frame. It returns errCancelled after
// Cancel and blocks while a pause is requested.
func (b *Base) checkpoint(ctx context.Context) error {
	observed := false
	for {
		if b.cancelled.Load() {
			return errCancelled
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !b.pauseRequested.Load() {
			b.pauseHit.Store(false)
			return nil
		}
		b.pauseHit.Store(true)
		if !observed {
			observed = true
			b.log().Info().Float64("progress", b.Progress()).Msg("paused")
		}
		select {
		case <-ctx.Done():
		case <-time.After(b.engine.poll()):
		}
	}
}

// run drives one task lifetime: WAITING to PROCESSING to a terminal
// state. r.cleanup always runs.
func (b *Base) run(ctx context.Context, r runner) error {
	if !b.ran.CompareAndSwap(false, true) {
		return ErrAlreadyRan
	}
	defer func() {
		r.cleanup()
		if b.pipe != nil {
			_ = b.pipe.Close()
			b.pipe = nil
		}
	}()

	// A record whose passes all completed goes straight to DONE.
	if r.finished() {
		if b.state.CompareAndSwap(int32(StateWaiting), int32(StateDone)) {
			b.finish()
			b.log().Info().Msg("all passes already complete")
			return nil
		}
		b.log().Debug().Stringer("state", b.State()).Msg("task not waiting, nothing to run")
		return nil
	}

	if !b.state.CompareAndSwap(int32(StateWaiting), int32(StateProcessing)) {
		b.log().Debug().Stringer("state", b.State()).Msg("task not waiting, nothing to run")
		return nil
	}

	if err := ffmpeg.CheckResources(b.engine.Limits, b.common.Dir); err != nil {
		b.fail(err)
		return err
	}

	b.log().Info().Msg("task started")
	start := time.Now()
	err := r.process(ctx)
	switch {
	case err == nil:
		b.finish()
		b.log().Info().Dur("elapsed", time.Since(start)).Msg("task done")
		return nil
	case errors.Is(err, errCancelled) || ctx.Err() != nil:
		b.pauseRequested.Store(false)
		b.pauseHit.Store(false)
		b.state.Store(int32(StateCancelled))
		b.log().Info().Float64("progress", b.Progress()).Msg("task cancelled")
		return nil
	default:
		b.fail(err)
		return err
	}
}

func (b *Base) finish() {
	b.common.Done = true
	b.progress.Store(math.Float64bits(1))
	b.state.Store(int32(StateDone))
}

func (b *Base) fail(err error) {
	msg := err.Error()
	b.common.Failed = true
	b.common.ErrorMessage = msg
	b.setErr(msg)
	b.state.Store(int32(StateFailed))
	b.log().Error().Err(err).Msg("task failed")
}

// clipFrames is the number of frames in the configured clip.
func (b *Base) clipFrames() int64 {
	return b.info.FrameRate.FramesIn(time.Duration(b.common.LengthMs) * time.Millisecond)
}

// clipTime converts a clip-relative frame index to a source timestamp.
func (b *Base) clipTime(index int64) time.Duration {
	return time.Duration(b.common.StartOffsetMs)*time.Millisecond + b.info.FrameRate.FrameTime(index)
}

func (b *Base) target() filter.Target {
	return filter.Target{Width: b.settings.Width, Height: b.settings.Height}
}

// openSource starts decoding the clip at clip frame start.
func (b *Base) openSource(ctx context.Context, start int64) (*filter.Source, error) {
	format := filter.NativeFormat(b.info)
	rate := b.info.FrameRate
	length := time.Duration(b.common.LengthMs)*time.Millisecond - rate.FrameTime(start)
	r, err := b.engine.Backend.OpenDecoder(ctx, ffmpeg.DecodeOptions{
		Source:     b.common.sourceSpec(b.settings.HWAccel),
		Files:      b.info.Files,
		Start:      b.clipTime(start),
		Length:     length,
		Output:     format,
		FrameRate:  rate,
		ScratchDir: b.common.Dir,
	})
	if err != nil {
		return nil, fmt.Errorf("open decoder: %w", err)
	}
	return filter.NewSource(r, format, rate, start), nil
}

// pass is one decode and filter sweep over the clip.
type pass struct {
	name  string
	stage filter.Stage
	// rate is the rate of the stage's output; zero means the source rate.
	rate  ffmpeg.Rational
	start int64
	// offset and share place this pass inside the task's progress.
	offset float64
	share  float64
	// pushed runs after each frame entered the pipeline.
	pushed func(f *ffmpeg.Frame)
	sink   func(f *ffmpeg.Frame) error
}

func (b *Base) runPass(ctx context.Context, p pass) error {
	log := b.log().With().Str("pass", p.name).Logger()
	log.Info().Int64("start", p.start).Msg("pass started")

	src, err := b.openSource(ctx, p.start)
	if err != nil {
		return err
	}
	defer src.Close()

	rate := p.rate
	if rate.IsZero() {
		rate = b.info.FrameRate
	}
	if b.pipe != nil {
		_ = b.pipe.Close()
	}
	b.pipe = filter.NewPipeline(b.engine.Backend, p.stage, b.target(), rate)

	total := b.clipFrames()
	for {
		if err := b.checkpoint(ctx); err != nil {
			return err
		}
		f, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("decode frame %d: %w", src.NextIndex(), err)
		}
		if err := b.pipe.Push(ctx, f); err != nil {
			return err
		}
		if p.pushed != nil {
			p.pushed(f)
		}
		if err := b.pipe.DrainReady(p.sink); err != nil {
			return err
		}
		if total > 0 {
			b.setProgress(p.offset + p.share*float64(f.Index+1)/float64(total))
		}
	}

	if err := b.pipe.Drain(ctx, b.engine.poll(), p.sink); err != nil {
		return err
	}
	log.Info().Int64("frames", src.Read()).Str("graph", b.pipe.Description()).Msg("pass finished")
	b.setProgress(p.offset + p.share)
	return nil
}
