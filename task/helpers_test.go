package task

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"mediatask/ffmpeg"
	"mediatask/ffmpeg/ffmpegtest"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var rate25 = ffmpeg.Rational{Num: 25, Den: 1}

func newTestEngine(t *testing.T, b *ffmpegtest.Backend) *Engine {
	t.Helper()
	return &Engine{
		CacheDir:     t.TempDir(),
		Backend:      b,
		PollInterval: time.Millisecond,
		Logger:       zerolog.Nop(),
	}
}

// sourceFile creates a placeholder media file; the synthetic backend never
// reads it.
func sourceFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("not really video"), 0o644))
	return path
}

// taskConfig builds a record for kind over src covering lengthMs, with
// extra keys layered on top.
func taskConfig(t *testing.T, kind Kind, src string, lengthMs int64, extra map[string]any) []byte {
	t.Helper()
	cfg := map[string]any{
		"type":                  string(kind),
		"name":                  "clip",
		"source_url":            src,
		"is_image_seq":          false,
		"start_offset_ms":       0,
		"length_ms":             lengthMs,
		"use_source_attributes": true,
	}
	for k, v := range extra {
		if v == nil {
			delete(cfg, k)
			continue
		}
		cfg[k] = v
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	return data
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
