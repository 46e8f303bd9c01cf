package scheduler

import "errors"

var (
	// ErrAlreadyRunning is returned when starting a running scheduler
	ErrAlreadyRunning = errors.New("scheduler already running")

	// ErrNotRunning is returned when stopping a scheduler that was never started
	ErrNotRunning = errors.New("scheduler not running")
)
