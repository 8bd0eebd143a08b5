package filter

import (
	"testing"

	"mediatask/ffmpeg"

	"github.com/stretchr/testify/assert"
)

func TestScaleFlags(t *testing.T) {
	in := ffmpeg.Format{Width: 640, Height: 360}
	assert.Equal(t, "bicubic", ScaleFlags(in, ffmpeg.Format{Width: 1280, Height: 720}))
	assert.Equal(t, "bicubic", ScaleFlags(in, ffmpeg.Format{Width: 360, Height: 640}), "equal pixel count counts as upscale")
	assert.Equal(t, "area", ScaleFlags(in, ffmpeg.Format{Width: 320, Height: 180}))
}

func TestPlan(t *testing.T) {
	detect := Stage{
		Filters: []Step{{Name: "vidstabdetect", Args: "shakiness=7"}},
		PixFmt:  ffmpeg.PixFmtYUV420P,
	}

	t.Run("no scale and no format when input already matches", func(t *testing.T) {
		in := ffmpeg.Format{Width: 640, Height: 360, PixFmt: ffmpeg.PixFmtYUV420P}
		chain, out := Plan(in, Target{Width: 640, Height: 360}, detect)
		assert.Equal(t, "vidstabdetect=shakiness=7", chain.String())
		assert.Equal(t, in, out)
	})

	t.Run("zero target keeps geometry", func(t *testing.T) {
		in := ffmpeg.Format{Width: 640, Height: 360, PixFmt: ffmpeg.PixFmtYUV420P}
		chain, _ := Plan(in, Target{}, detect)
		assert.False(t, chain.Has("scale"))
	})

	t.Run("downscale and convert", func(t *testing.T) {
		in := ffmpeg.Format{Width: 1920, Height: 1080, PixFmt: ffmpeg.PixFmtRGB24}
		chain, out := Plan(in, Target{Width: 1280, Height: 720}, detect)
		assert.Equal(t, "scale=w=1280:h=720:flags=area,format=pix_fmts=yuv420p,vidstabdetect=shakiness=7", chain.String())
		assert.Equal(t, ffmpeg.Format{Width: 1280, Height: 720, PixFmt: ffmpeg.PixFmtYUV420P}, out)
	})

	t.Run("upscale uses bicubic", func(t *testing.T) {
		in := ffmpeg.Format{Width: 320, Height: 180, PixFmt: ffmpeg.PixFmtYUV420P}
		chain, _ := Plan(in, Target{Width: 640, Height: 360}, detect)
		assert.Equal(t, "scale=w=640:h=360:flags=bicubic", chain[0].String())
	})

	t.Run("stage without format requirement keeps input format", func(t *testing.T) {
		in := ffmpeg.Format{Width: 320, Height: 180, PixFmt: ffmpeg.PixFmtRGB24}
		chain, out := Plan(in, Target{}, Stage{Filters: []Step{{Name: "null"}}})
		assert.Equal(t, "null", chain.String())
		assert.Equal(t, ffmpeg.PixFmtRGB24, out.PixFmt)
	})
}

func TestArgs(t *testing.T) {
	got := NewArgs().
		Set("result", "/tmp/a:b/transforms.trf").
		Set("shakiness", 7).
		Set("mincontrast", 0.1).
		Set("relative", true).
		Set("invert", false).
		Set("rate", ffmpeg.Rational{Num: 25, Den: 1}).
		String()
	assert.Equal(t, `result=/tmp/a\:b/transforms.trf:shakiness=7:mincontrast=0.1:relative=1:invert=0:rate=25/1`, got)
}

func TestEscape(t *testing.T) {
	assert.Equal(t, `gte(scene\,0)`, Escape("gte(scene,0)"))
	assert.Equal(t, `it\'s\:here`, Escape("it's:here"))
	assert.Equal(t, "/plain/path.trf", Escape("/plain/path.trf"))
}
