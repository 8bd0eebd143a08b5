package ffmpeg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ListImageSequence returns the sorted files under dir whose base name
// matches seq.Pattern.
func ListImageSequence(dir string, seq ImageSequence) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("image sequence directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("image sequence source %s is not a directory", dir)
	}

	pattern := seq.Pattern
	if pattern == "" {
		pattern = "*"
	}
	if !seq.CaseSensitive {
		pattern = strings.ToLower(pattern)
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad file filter %q: %w", seq.Pattern, err)
	}

	var files []string
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && !seq.Recurse {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !seq.CaseSensitive {
			name = strings.ToLower(name)
		}
		ok, err := filepath.Match(pattern, name)
		if err != nil {
			return err
		}
		if ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// writeConcatList writes an ffconcat playlist showing each image for one
// frame interval.
func writeConcatList(dir string, files []string, rate Rational) (string, error) {
	f, err := os.CreateTemp(dir, "imgseq-*.txt")
	if err != nil {
		return "", fmt.Errorf("create concat list: %w", err)
	}
	var b strings.Builder
	b.WriteString("ffconcat version 1.0\n")
	step := rate.FrameTime(1).Seconds()
	for _, p := range files {
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		fmt.Fprintf(&b, "file '%s'\nduration %.6f\n", strings.ReplaceAll(abs, "'", `'\''`), step)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("write concat list: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
