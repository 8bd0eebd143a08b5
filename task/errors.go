package task

import "errors"

var (
	ErrNotProcessing = errors.New("task is not processing")
	ErrTerminal      = errors.New("task already finished")
	ErrAlreadyRan    = errors.New("task has already been run")
	ErrUnknownType   = errors.New("unknown task type")
	ErrBusy          = errors.New("task record is in use by the running task")
	ErrNotFound      = errors.New("task not found")
	ErrEngineClosed  = errors.New("engine is closed")

	// errCancelled unwinds the frame loop after Cancel.
	errCancelled = errors.New("task cancelled")
)
