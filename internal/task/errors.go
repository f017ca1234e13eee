package task

import "errors"

var (
	ErrAlreadyRunning = errors.New("task already running")
	ErrNotRunning     = errors.New("no running task")
	ErrNoSettings     = errors.New("invalid settings")

	// errStopped unwinds the loop when stop is observed.
	errStopped = errors.New("task stopped")
)
