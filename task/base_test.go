package task

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"mediatask/ffmpeg"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPauseTakesEffectAtCheckpoint(t *testing.T) {
	b := cutAt125()
	reached := make(chan struct{})
	release := make(chan struct{})
	b.OnRead = func(i int64) {
		if i == 50 {
			close(reached)
			<-release
		}
	}
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	done := make(chan error, 1)
	go func() { done <- sd.Run(context.Background()) }()
	<-reached

	assert.True(t, sd.CanPause())
	require.NoError(t, sd.Pause())
	assert.False(t, sd.IsPaused(), "pause is only observed at the next checkpoint")
	_, err := sd.DiffScores()
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	waitFor(t, sd.IsPaused, "pause to take effect")
	held := sd.Progress()
	time.Sleep(20 * time.Millisecond)
	assert.True(t, sd.IsPaused())
	assert.Equal(t, held, sd.Progress())
	assert.Equal(t, StateProcessing, sd.State())

	var buf bytes.Buffer
	assert.NoError(t, sd.SaveAsJSON(&buf), "record is readable while paused")

	require.NoError(t, sd.Resume())
	assert.False(t, sd.IsPaused())
	require.NoError(t, <-done)
	assert.Equal(t, StateDone, sd.State())
	assert.Equal(t, 1.0, sd.Progress())
}

func TestCancelWhileWaiting(t *testing.T) {
	b := cutAt125()
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Cancel())
	assert.Equal(t, StateCancelled, sd.State())
	assert.NoError(t, sd.Run(context.Background()))
	assert.Equal(t, StateCancelled, sd.State())
	assert.Empty(t, b.Decodes())
	assert.ErrorIs(t, sd.Cancel(), ErrTerminal)
}

func TestCancelWhileProcessing(t *testing.T) {
	b := cutAt125()
	var sd *SceneDetect
	b.OnRead = func(i int64) {
		if i == 30 {
			assert.NoError(t, sd.Cancel())
		}
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Run(context.Background()))
	assert.Equal(t, StateCancelled, sd.State())
	assert.False(t, sd.CanPause())
	assert.Less(t, sd.Progress(), 1.0)
	assert.Empty(t, sd.Err())
	assert.False(t, sd.rec.Done)
	assert.False(t, sd.rec.Failed)
}

func TestCancelWhilePaused(t *testing.T) {
	b := cutAt125()
	var sd *SceneDetect
	b.OnRead = func(i int64) {
		if i == 10 {
			assert.NoError(t, sd.Pause())
		}
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	done := make(chan error, 1)
	go func() { done <- sd.Run(context.Background()) }()
	waitFor(t, sd.IsPaused, "pause to take effect")

	require.NoError(t, sd.Cancel())
	require.NoError(t, <-done)
	assert.Equal(t, StateCancelled, sd.State())
	assert.False(t, sd.IsPaused())
}

func TestContextCancellationCancelsTask(t *testing.T) {
	b := cutAt125()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	b.OnRead = func(i int64) {
		if i == 20 {
			cancel()
		}
	}
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Run(ctx))
	assert.Equal(t, StateCancelled, sd.State())
}

func TestRunOnlyOnce(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Run(context.Background()))
	assert.ErrorIs(t, sd.Run(context.Background()), ErrAlreadyRan)
	assert.ErrorIs(t, sd.Initialize(context.Background(), taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil)), ErrAlreadyRan)
}

func TestPauseResumeOutsideProcessing(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	assert.False(t, sd.CanPause())
	assert.ErrorIs(t, sd.Pause(), ErrNotProcessing)
	assert.ErrorIs(t, sd.Resume(), ErrNotProcessing)

	require.NoError(t, sd.Run(context.Background()))
	assert.ErrorIs(t, sd.Pause(), ErrTerminal)
	assert.ErrorIs(t, sd.Resume(), ErrTerminal)
	assert.ErrorIs(t, sd.Cancel(), ErrTerminal)
}

func TestDecodeFailureFailsTask(t *testing.T) {
	b := cutAt125()
	b.FailAfter = 40
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	err := sd.Run(context.Background())
	require.Error(t, err)
	var exit *ffmpeg.ExitError
	assert.True(t, errors.As(err, &exit))
	assert.Equal(t, StateFailed, sd.State())
	assert.Contains(t, sd.Err(), "decoder exited with code 183")
	assert.True(t, sd.rec.Failed)
	assert.Equal(t, sd.Err(), sd.rec.ErrorMessage)

	// A failed record comes back failed.
	var buf bytes.Buffer
	require.NoError(t, sd.SaveAsJSON(&buf))
	again := newSceneTask(t, newTestEngine(t, cutAt125()), buf.Bytes())
	assert.Equal(t, StateFailed, again.State())
	assert.Equal(t, sd.Err(), again.Err())
}

func TestGraphFailureFailsTask(t *testing.T) {
	b := cutAt125()
	b.GraphErr = &ffmpeg.ExitError{Tool: "filter", Code: 234, Stderr: "No such filter"}
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.Error(t, sd.Run(context.Background()))
	assert.Equal(t, StateFailed, sd.State())
	assert.Contains(t, sd.Err(), "scene detection")
	assert.Contains(t, sd.Err(), "code 234")
}

func TestResourceCheckFailsTask(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	e.Limits.MinFreeDisk = 1 << 62
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.Error(t, sd.Run(context.Background()))
	assert.Equal(t, StateFailed, sd.State())
	assert.Contains(t, sd.Err(), "not enough free disk space")
}

func TestProgressNeverMovesBackwards(t *testing.T) {
	var base Base
	base.setProgress(0.5)
	base.setProgress(0.25)
	assert.Equal(t, 0.5, base.Progress())
	base.setProgress(2)
	assert.Equal(t, 1.0, base.Progress())
}

func TestSetLogLevel(t *testing.T) {
	var buf bytes.Buffer
	e := newTestEngine(t, cutAt125())
	e.Logger = zerolog.New(&buf)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))
	assert.Contains(t, buf.String(), "task created")

	buf.Reset()
	sd.SetLogLevel(zerolog.ErrorLevel)
	require.NoError(t, sd.Run(context.Background()))
	assert.Empty(t, buf.String())
}

func TestSaveWhileRunningIsBusy(t *testing.T) {
	b := cutAt125()
	var sd *SceneDetect
	var (
		saveErr error
		jsonErr error
	)
	b.OnRead = func(i int64) {
		if i == 5 {
			_, saveErr = sd.Save("")
			jsonErr = sd.SaveAsJSON(&bytes.Buffer{})
		}
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Run(context.Background()))
	assert.ErrorIs(t, saveErr, ErrBusy)
	assert.ErrorIs(t, jsonErr, ErrBusy)

	path, err := sd.Save("")
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestRequestDiscard(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	assert.False(t, sd.Render(nil))
	sd.RequestDiscard()
	assert.True(t, sd.Render(nil))
	assert.True(t, sd.Render(&Viewport{Width: 40, Height: 10}))
}
