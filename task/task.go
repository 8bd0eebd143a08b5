// Package task implements the background media jobs: a shared lifecycle
// with cooperative pause and cancel, persisted resumable records, the
// stabilization and scene detection variants, and the host-side manager
// that schedules them.
package task

import (
	"context"
	"io"

	"github.com/rs/zerolog"
)

// Kind is the type tag stored in a task record.
type Kind string

const (
	KindVidstab     Kind = "Vidstab"
	KindSceneDetect Kind = "SceneDetect"
)

// Task is implemented by *Vidstab and *SceneDetect only.
type Task interface {
	Kind() Kind
	Name() string

	// Initialize loads a fresh or persisted record. It does not start
	// processing.
	Initialize(ctx context.Context, data []byte) error
	// Run executes the task on the calling goroutine. It may be called
	// once per task.
	Run(ctx context.Context) error

	State() State
	Progress() float64
	Pause() error
	Resume() error
	IsPaused() bool
	CanPause() bool
	Cancel() error

	TaskDir() string
	Err() string
	SetLogLevel(level zerolog.Level)

	SaveAsJSON(w io.Writer) error
	Save(path string) (string, error)

	Render(vp *Viewport) bool
	Summary() string
	RequestDiscard()

	core() *Base
}

var (
	_ Task = (*Vidstab)(nil)
	_ Task = (*SceneDetect)(nil)
)
