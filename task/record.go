package task

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"mediatask/ffmpeg"

	"github.com/google/uuid"
)

// RecordFile is the name of a task's own record inside its directory.
const RecordFile = "task.json"

// Record holds the fields every task variant persists. Variant records
// embed it so all keys stay flat.
type Record struct {
	Type      Kind   `json:"type"`
	Name      string `json:"name"`
	Hash      uint64 `json:"task_hash"`
	Dir       string `json:"task_dir"`
	SourceURL string `json:"source_url"`

	IsImageSeq    bool             `json:"is_image_seq"`
	FrameRate     *ffmpeg.Rational `json:"frame_rate,omitempty"`
	FilePattern   string           `json:"file_filter_pattern,omitempty"`
	CaseSensitive bool             `json:"case_sensitive"`
	Recurse       bool             `json:"recurse_subdirs"`

	UseSourceAttributes bool      `json:"use_source_attributes"`
	Settings            *Settings `json:"settings,omitempty"`

	StartOffsetMs int64 `json:"start_offset_ms"`
	LengthMs      int64 `json:"length_ms"`

	Done         bool   `json:"is_task_done"`
	Failed       bool   `json:"is_task_failed"`
	ErrorMessage string `json:"error_message"`
}

var requiredKeys = []string{"source_url", "is_image_seq", "start_offset_ms", "length_ms"}

// decodeRecord unmarshals data into v, which must already hold defaults
// for optional keys. Missing required keys are an error.
func decodeRecord(data []byte, v any) error {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(data, &keys); err != nil {
		return fmt.Errorf("parse task record: %w", err)
	}
	for _, k := range requiredKeys {
		if _, ok := keys[k]; !ok {
			return fmt.Errorf("missing required key %q", k)
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse task record: %w", err)
	}
	return nil
}

func (r *Record) validateSource() error {
	if r.SourceURL == "" {
		return errors.New("source_url must not be empty")
	}
	if r.IsImageSeq {
		if r.FrameRate == nil || r.FrameRate.IsZero() {
			return errors.New("frame_rate is required for an image sequence")
		}
		if r.FilePattern == "" {
			r.FilePattern = "*"
		}
		if _, err := filepath.Match(r.FilePattern, ""); err != nil {
			return fmt.Errorf("invalid file_filter_pattern %q: %w", r.FilePattern, err)
		}
		st, err := os.Stat(r.SourceURL)
		if err != nil {
			return fmt.Errorf("image sequence directory: %w", err)
		}
		if !st.IsDir() {
			return fmt.Errorf("image sequence source %s is not a directory", r.SourceURL)
		}
		return nil
	}
	if strings.Contains(r.SourceURL, "://") {
		return nil
	}
	st, err := os.Stat(r.SourceURL)
	if err != nil {
		return fmt.Errorf("source file: %w", err)
	}
	if !st.Mode().IsRegular() {
		return fmt.Errorf("source %s is not a regular file", r.SourceURL)
	}
	return nil
}

// validateWindow checks the clip against the probed source duration.
func (r *Record) validateWindow(durationMs int64) error {
	if r.StartOffsetMs < 0 {
		return fmt.Errorf("start_offset_ms %d is negative", r.StartOffsetMs)
	}
	if r.LengthMs <= 0 {
		return fmt.Errorf("length_ms %d must be positive", r.LengthMs)
	}
	if end := durationMs - r.StartOffsetMs - r.LengthMs; end < 0 {
		return fmt.Errorf("clip [%d ms, +%d ms] exceeds source duration of %d ms",
			r.StartOffsetMs, r.LengthMs, durationMs)
	}
	return nil
}

func (r *Record) sourceSpec(hwaccel string) ffmpeg.SourceSpec {
	spec := ffmpeg.SourceSpec{URL: r.SourceURL, HWAccel: hwaccel}
	if r.IsImageSeq {
		spec.ImageSeq = &ffmpeg.ImageSequence{
			FrameRate:     *r.FrameRate,
			Pattern:       r.FilePattern,
			CaseSensitive: r.CaseSensitive,
			Recurse:       r.Recurse,
		}
	}
	return spec
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// dirName is the deterministic work directory name for a fresh task.
func dirName(name string, hash uint64) string {
	clean := strings.Trim(unsafeName.ReplaceAllString(name, "_"), "._")
	if clean == "" {
		clean = "task"
	}
	return fmt.Sprintf("%s_%016x", clean, hash)
}

func newHash() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

const dirPerm os.FileMode = 0o750

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("ensure dir: %w", err)
	}
	return nil
}

func encodeRecord(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode task record: %w", err)
	}
	return nil
}

// writeRecordAtomic writes v to filename through a temporary file in the
// same directory followed by a rename.
func writeRecordAtomic(filename string, v any) error {
	dir := filepath.Dir(filename)
	if err := ensureDir(dir); err != nil {
		return err
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tempFile.Name()

	if err := encodeRecord(tempFile, v); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename temp: %w", err)
	}
	return nil
}
