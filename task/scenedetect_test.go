package task

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mediatask/ffmpeg/ffmpegtest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cutAt125 is a 10 s, 25 fps source with one hard cut at 5 s.
func cutAt125() *ffmpegtest.Backend {
	b := ffmpegtest.New(64, 36, rate25, 250)
	b.Score = func(i int64) float64 {
		if i == 125 {
			return 0.9
		}
		return 0.05
	}
	return b
}

func newSceneTask(t *testing.T, e *Engine, data []byte) *SceneDetect {
	t.Helper()
	created, err := CreateTask(context.Background(), e, data)
	require.NoError(t, err)
	sd, ok := created.(*SceneDetect)
	require.True(t, ok)
	return sd
}

func TestSceneDetectFindsSingleCut(t *testing.T) {
	b := cutAt125()
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, map[string]any{
		"detection_threshold": 0.4,
	}))
	assert.Equal(t, StateWaiting, sd.State())

	require.NoError(t, sd.Run(context.Background()))

	assert.Equal(t, StateDone, sd.State())
	assert.Equal(t, 1.0, sd.Progress())
	assert.Empty(t, sd.Err())

	cuts, err := sd.CutPoints()
	require.NoError(t, err)
	require.Len(t, cuts, 1)
	assert.InDelta(t, 125, cuts[0].FrameIndex, 1)
	assert.Equal(t, 0.9, cuts[0].Score)
	assert.Equal(t, 5*time.Second, cuts[0].Timestamp)

	scores, err := sd.DiffScores()
	require.NoError(t, err)
	assert.Len(t, scores, 250)
	above := 0
	for _, s := range scores {
		if s >= 0.4 {
			above++
		}
	}
	assert.Equal(t, 1, above)

	graphs := b.Graphs()
	require.Len(t, graphs, 1)
	assert.Equal(t, `select=expr=gte(scene\,0),metadata=mode=print:key=lavfi.scene_score`, graphs[0].Description)
	assert.Equal(t, SceneScoreKey, graphs[0].MetadataKey)
}

func TestSceneDetectProgressIsMonotonic(t *testing.T) {
	b := cutAt125()
	var (
		mu      sync.Mutex
		samples []float64
	)
	var sd *SceneDetect
	b.OnRead = func(int64) {
		mu.Lock()
		samples = append(samples, sd.Progress())
		mu.Unlock()
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	require.NoError(t, sd.Run(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, samples, 250)
	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1], "sample %d", i)
	}
	assert.Equal(t, 1.0, sd.Progress())
}

func TestSceneDetectResumeFromCheckpoint(t *testing.T) {
	b := cutAt125()
	var sd *SceneDetect
	b.OnRead = func(i int64) {
		if i == 100 {
			assert.NoError(t, sd.Pause())
		}
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	done := make(chan error, 1)
	go func() { done <- sd.Run(context.Background()) }()
	waitFor(t, sd.IsPaused, "pause to take effect")

	checkpoint, err := sd.CheckpointFrame()
	require.NoError(t, err)
	assert.Equal(t, int64(101), checkpoint)

	var buf bytes.Buffer
	require.NoError(t, sd.SaveAsJSON(&buf))
	require.NoError(t, sd.Cancel())
	require.NoError(t, <-done)
	assert.Equal(t, StateCancelled, sd.State())

	fresh := cutAt125()
	resumed := newSceneTask(t, newTestEngine(t, fresh), buf.Bytes())
	assert.Equal(t, sd.TaskDir(), resumed.TaskDir())
	assert.Equal(t, checkpoint-1, resumed.StartFrame())
	assert.InDelta(t, 0.4, resumed.Progress(), 0.01)

	require.NoError(t, resumed.Run(context.Background()))
	assert.Equal(t, StateDone, resumed.State())

	decodes := fresh.Decodes()
	require.Len(t, decodes, 1)
	assert.Equal(t, rate25.FrameTime(checkpoint-1), decodes[0].Start)

	scores, err := resumed.DiffScores()
	require.NoError(t, err)
	assert.Len(t, scores, 250)
	cuts, err := resumed.CutPoints()
	require.NoError(t, err)
	require.Len(t, cuts, 1)
	assert.Equal(t, int64(125), cuts[0].FrameIndex)
}

func TestSceneDetectResumeDropsResultsPastStart(t *testing.T) {
	b := cutAt125()
	e := newTestEngine(t, b)
	sd := NewSceneDetect(e)
	require.NoError(t, sd.Initialize(context.Background(), taskConfig(t, KindSceneDetect, sourceFile(t), 10000, map[string]any{
		"parsed_frame_idx": 4,
		"diff_scores":      []float64{0, 0.1, 0.5, 0.2, 0.3},
		"scene_cut_points": []map[string]any{{"frame_index": 2, "score": 0.5}, {"frame_index": 3, "score": 0.45}},
	})))
	assert.Equal(t, int64(3), sd.StartFrame())

	// Loading leaves the stored results alone.
	scores, err := sd.DiffScores()
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0.1, 0.5, 0.2, 0.3}, scores)
	cuts, err := sd.CutPoints()
	require.NoError(t, err)
	assert.Len(t, cuts, 2)

	require.NoError(t, sd.Run(context.Background()))
	require.Len(t, b.Decodes(), 1)
	assert.Equal(t, rate25.FrameTime(3), b.Decodes()[0].Start)

	scores, err = sd.DiffScores()
	require.NoError(t, err)
	require.Len(t, scores, 250)
	assert.Equal(t, []float64{0, 0.1, 0.5, 0.05}, scores[:4])
	cuts, err = sd.CutPoints()
	require.NoError(t, err)
	require.Len(t, cuts, 2)
	assert.Equal(t, int64(2), cuts[0].FrameIndex)
	assert.Equal(t, int64(125), cuts[1].FrameIndex)
}

func TestSceneDetectPausedRecordRoundTrip(t *testing.T) {
	b := cutAt125()
	b.Latency = 0
	var sd *SceneDetect
	b.OnRead = func(i int64) {
		if i == 100 {
			assert.NoError(t, sd.Pause())
		}
	}
	e := newTestEngine(t, b)
	sd = newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	done := make(chan error, 1)
	go func() { done <- sd.Run(context.Background()) }()
	waitFor(t, sd.IsPaused, "pause to take effect")

	var first bytes.Buffer
	require.NoError(t, sd.SaveAsJSON(&first))
	scores, err := sd.DiffScores()
	require.NoError(t, err)
	assert.Len(t, scores, 101)
	require.NoError(t, sd.Cancel())
	require.NoError(t, <-done)

	resumed := newSceneTask(t, newTestEngine(t, cutAt125()), first.Bytes())
	assert.Equal(t, int64(100), resumed.StartFrame())

	var second bytes.Buffer
	require.NoError(t, resumed.SaveAsJSON(&second))
	assert.JSONEq(t, first.String(), second.String())

	// Creating the task rewrote task.json; it must still match.
	onDisk, err := os.ReadFile(filepath.Join(resumed.TaskDir(), RecordFile))
	require.NoError(t, err)
	assert.JSONEq(t, first.String(), string(onDisk))

	require.NoError(t, resumed.Run(context.Background()))
	scores, err = resumed.DiffScores()
	require.NoError(t, err)
	assert.Len(t, scores, 250)
	cuts, err := resumed.CutPoints()
	require.NoError(t, err)
	require.Len(t, cuts, 1)
	assert.Equal(t, int64(125), cuts[0].FrameIndex)
}

func TestSceneDetectResumeNeverSkipsUnscoredFrames(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := NewSceneDetect(e)
	require.NoError(t, sd.Initialize(context.Background(), taskConfig(t, KindSceneDetect, sourceFile(t), 10000, map[string]any{
		"parsed_frame_idx": 10,
		"diff_scores":      []float64{0, 0, 0, 0, 0, 0},
	})))
	assert.Equal(t, int64(6), sd.StartFrame())
}

func TestSceneDetectThresholdValidation(t *testing.T) {
	for _, threshold := range []float64{-0.1, 1.5} {
		e := newTestEngine(t, cutAt125())
		sd := NewSceneDetect(e)
		err := sd.Initialize(context.Background(), taskConfig(t, KindSceneDetect, sourceFile(t), 10000, map[string]any{
			"detection_threshold": threshold,
		}))
		require.Error(t, err, "threshold %g", threshold)
		assert.Contains(t, sd.Err(), "detection_threshold")
	}
}

func TestSceneDetectPreviewFrames(t *testing.T) {
	b := cutAt125()
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))
	require.NoError(t, sd.Run(context.Background()))

	before, after, err := sd.PreviewFrames(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, before)
	require.NotNil(t, after)
	assert.Equal(t, int64(124), before.Index)
	assert.Equal(t, int64(125), after.Index)
	assert.Equal(t, byte(125), after.Data[0])

	_, _, err = sd.PreviewFrames(context.Background(), 1)
	assert.Error(t, err)
}

func TestSceneDetectClipOffset(t *testing.T) {
	b := cutAt125()
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 4000, map[string]any{
		"start_offset_ms": 2000,
	}))
	require.NoError(t, sd.Run(context.Background()))

	scores, err := sd.DiffScores()
	require.NoError(t, err)
	assert.Len(t, scores, 100)
	require.Len(t, b.Decodes(), 1)
	assert.Equal(t, 2*time.Second, b.Decodes()[0].Start)
	assert.Equal(t, 4*time.Second, b.Decodes()[0].Length)
}

func TestSceneDetectSavesRecordFile(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))

	data, err := os.ReadFile(filepath.Join(sd.TaskDir(), RecordFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"type": "SceneDetect"`)
	assert.Contains(t, string(data), `"detection_threshold": 0.4`)
	assert.Contains(t, string(data), `"parsed_frame_idx": 0`)
}
