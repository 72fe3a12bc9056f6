package scheduler

import "errors"

var (
	ErrNotRunning  = errors.New("scheduler not running")
	ErrTaskBusy    = errors.New("task is already running")
	ErrAtCapacity  = errors.New("scheduler at capacity")
	ErrUnknownJob  = errors.New("unknown one-time job function")
	ErrJobExists   = errors.New("one-time job already scheduled")
	ErrInvalidSpec = errors.New("invalid schedule spec")
)
