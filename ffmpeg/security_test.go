package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitOptions(t *testing.T) {
	opts := `-preset veryfast -x264-params "keyint=60:min-keyint=60" -movflags +faststart`
	expected := []string{"-preset", "veryfast", "-x264-params", "keyint=60:min-keyint=60", "-movflags", "+faststart"}

	args, err := SplitOptions(opts)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)

	args, err = SplitOptions("")
	assert.NoError(t, err)
	assert.Empty(t, args)
}

func TestValidateOptions(t *testing.T) {
	t.Run("Valid options", func(t *testing.T) {
		args, _ := SplitOptions(`-preset slow -crf 18`)
		assert.NoError(t, ValidateOptions(args))
	})

	t.Run("Reserved input option", func(t *testing.T) {
		args, _ := SplitOptions(`-i other.mp4`)
		err := ValidateOptions(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "encoder option -i is not allowed")
	})

	t.Run("Reserved filter option", func(t *testing.T) {
		args, _ := SplitOptions(`-vf "scale=10:10"`)
		err := ValidateOptions(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "-vf")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitOptions(`-preset fast; ls`)
		err := ValidateOptions(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: fast;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitOptions(`-metadata "title=$(whoami)"`)
		err := ValidateOptions(args)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: title=$(whoami)")
	})
}
