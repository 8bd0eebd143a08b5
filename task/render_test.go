package task

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressBar(t *testing.T) {
	assert.Equal(t, "[..........]", progressBar(0, 10))
	assert.Equal(t, "[#####.....]", progressBar(0.5, 10))
	assert.Equal(t, "[##########]", progressBar(1.5, 10))
	assert.Equal(t, "[.]", progressBar(0, 0))
}

func TestSummary(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 1000, nil))

	s := sd.Summary()
	assert.Contains(t, s, "clip")
	assert.Contains(t, s, "SceneDetect")
	assert.Contains(t, s, "waiting")
	assert.Contains(t, s, "0%")

	require.NoError(t, sd.Run(context.Background()))
	assert.Contains(t, sd.Summary(), "done")
	assert.Contains(t, sd.Summary(), "100%")
}

func TestRenderSceneDetect(t *testing.T) {
	e := newTestEngine(t, cutAt125())
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 10000, nil))
	require.NoError(t, sd.Run(context.Background()))

	vp := &Viewport{Width: 60, Height: 12}
	assert.False(t, sd.Render(vp))
	assert.Contains(t, vp.Content, "threshold: 0.40")
	assert.Contains(t, vp.Content, "cuts: 1")
	assert.Contains(t, vp.Content, "100%")
}

func TestRenderVidstab(t *testing.T) {
	e := newTestEngine(t, staticClip())
	v := newVidstabTask(t, e, taskConfig(t, KindVidstab, sourceFile(t), 2000, nil))

	vp := &Viewport{Width: 200, Height: 12}
	v.Render(vp)
	assert.Contains(t, vp.Content, "pass: detect")

	require.NoError(t, v.Run(context.Background()))
	v.Render(vp)
	assert.Contains(t, vp.Content, "pass: transform")
	assert.Contains(t, vp.Content, OutputFile)
}

func TestRenderShowsErrorAndFitsHeight(t *testing.T) {
	b := cutAt125()
	b.FailAfter = 1
	e := newTestEngine(t, b)
	sd := newSceneTask(t, e, taskConfig(t, KindSceneDetect, sourceFile(t), 1000, nil))
	require.Error(t, sd.Run(context.Background()))

	vp := &Viewport{Width: 200, Height: 20}
	sd.Render(vp)
	assert.Contains(t, vp.Content, "synthetic decode failure")

	small := &Viewport{Width: 40, Height: 4}
	sd.Render(small)
	// Two content lines plus the top and bottom border.
	assert.Len(t, strings.Split(small.Content, "\n"), 4)
}
