package task

import (
	"context"
	"time"
)

// Executor is implemented once per task type.
//
// Execute must report expected (business) failures through the Result; it
// should not panic. ctx is canceled when the scheduler stops or the
// execution times out.
type Executor interface {
	Execute(ctx context.Context, t *Task) Result
	NextExecution(t *Task, f Frequency, last time.Time) time.Time
}

// BaseExecutor provides the calendar-based NextExecution. Embed it in
// executors that don't need custom trigger math.
type BaseExecutor struct{}

// NextExecution falls back to daily when the frequency is invalid so a bad
// row can never make a task due in a tight loop.
func (BaseExecutor) NextExecution(_ *Task, f Frequency, last time.Time) time.Time {
	next, err := NextFromFrequency(f, last)
	if err != nil {
		return last.AddDate(0, 0, 1)
	}
	return next
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, t *Task) Result

func (f ExecutorFunc) Execute(ctx context.Context, t *Task) Result { return f(ctx, t) }

func (ExecutorFunc) NextExecution(t *Task, f Frequency, last time.Time) time.Time {
	return BaseExecutor{}.NextExecution(t, f, last)
}
