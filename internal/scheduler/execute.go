package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/fault"
	"cadence/internal/store"
	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

const maxReasonLen = 500

// Outcome summarizes one execution attempt.
type Outcome struct {
	TaskType      string       `json:"task_type"`
	TaskID        string       `json:"task_id"`
	Trigger       task.Trigger `json:"trigger"`
	Status        string       `json:"status"`
	Result        task.Result  `json:"result"`
	NextExecution *time.Time   `json:"next_execution,omitempty"`
	RetryAt       *time.Time   `json:"retry_at,omitempty"`
	CooledOff     bool         `json:"cooled_off,omitempty"`
	Err           error        `json:"-"`
}

// execute runs one leased task in its own session. The caller holds the
// lease and the concurrency slot and releases both afterwards.
func (s *Service) execute(ctx context.Context, detached *task.Task, trigger task.Trigger) Outcome {
	out := Outcome{TaskType: detached.Type, TaskID: detached.ID, Trigger: trigger, Status: store.LogSkipped}
	log := s.log.With(
		logx.String("task_type", detached.Type),
		logx.String("task_id", detached.ID),
		logx.String("trigger", string(trigger)),
	)
	dbFault := func(op string, err error) Outcome {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, op, err).WithTask(detached.Type, detached.ID), nil)
		out.Err = err
		return out
	}

	sess, err := s.store.OpenSession(ctx)
	if err != nil {
		return dbFault("open session", err)
	}
	defer sess.Close()

	t, err := sess.Merge(detached)
	if err != nil {
		return dbFault("merge task", err)
	}
	tenant := t.TenantID

	// The persisted row wins over the loaded copy: a cycle that raced another
	// one to this task finds it already rescheduled and leaves it alone.
	if !trigger.Manual() && !t.Due(s.now()) {
		log.Debug("execution skipped", logx.String("status", string(t.Status)))
		return out
	}

	entry, err := s.reg.Lookup(t.Type)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindSchedulerConfig, "lookup executor", err).WithTask(t.Type, t.ID), nil)
		out.Err = err
		return out
	}

	cfg := s.config()
	started := s.now()
	t.Status = task.StatusRunning
	t.LastExecuted = task.TimePtr(started)
	if err := sess.Commit(); err != nil {
		return dbFault("mark running", err)
	}

	res := s.invoke(ctx, entry.Executor, t.Clone(), cfg.ExecutionTimeout, log)
	finished := s.now()
	if res.ExecutionTime <= 0 {
		res.ExecutionTime = finished.Sub(started)
	}
	out.Result = res

	row := store.ExecutionLog{
		TaskType:   t.Type,
		TaskID:     t.ID,
		TenantID:   tenant,
		Trigger:    string(trigger),
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   res.ExecutionTime,
	}
	if b, err := json.Marshal(res); err == nil {
		row.Result = b
	}

	if res.Success {
		row.Status = store.LogSuccess
		t.Status = task.StatusActive
		t.LastSuccess = task.TimePtr(finished)
		t.ConsecutiveFailures = 0
		t.FailureReason = ""
		t.FailurePattern = nil
		next := s.nextExecution(entry.Executor, t, started, log)
		t.NextExecution = &next
	} else {
		row.Status = store.LogFailed
		row.Error = res.ErrorMessage
	}
	if err := sess.AppendLog(row); err != nil {
		return dbFault("buffer execution log", err)
	}
	if err := sess.RecordOutcome(tenant, res.Success, finished); err != nil {
		return dbFault("buffer outcome", err)
	}
	var retryAt *time.Time
	if !res.Success {
		retryAt = s.applyFailure(ctx, sess, t, entry.Executor, res, started, finished, cfg, &out, log)
	}

	if err := sess.Commit(); err != nil {
		sess.Rollback()
		return dbFault("commit execution", err)
	}
	if retryAt != nil {
		s.scheduleRetry(ctx, t, *retryAt, &out, log)
	}

	out.Status = row.Status
	if t.NextExecution != nil {
		out.NextExecution = task.TimePtr(*t.NextExecution)
	}
	if res.Success {
		lvl := logx.LevelDebug
		if res.ExecutionTime >= 750*time.Millisecond || trigger.Manual() {
			lvl = logx.LevelInfo
		}
		log.Log(lvl, "task completed", logx.Duration("took", res.ExecutionTime), logx.Time("next", *t.NextExecution))
	}
	return out
}

// applyFailure updates the failure bookkeeping, then either cools the task
// off or reschedules it. It returns the retry time when a bounded retry is
// due; the caller arms it once the session is committed.
func (s *Service) applyFailure(ctx context.Context, sess *store.Session, t *task.Task, ex task.Executor, res task.Result, started, finished time.Time, cfg Config, out *Outcome, log logx.Logger) *time.Time {
	reason := res.ErrorMessage
	if reason == "" {
		reason = "execution failed"
	}
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	t.LastFailure = task.TimePtr(finished)
	t.FailureReason = reason
	t.ConsecutiveFailures++

	recent, sigs, err := sess.RecentFailures(t.Type, t.ID, finished.Add(-cfg.CoolOff.Window))
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, "load failure history", err).WithTask(t.Type, t.ID), nil)
		recent = t.ConsecutiveFailures
	}
	pattern := &task.FailurePattern{
		ConsecutiveFailures: t.ConsecutiveFailures,
		RecentFailures:      recent,
		Reason:              string(fault.Classify(errors.New(reason)).Kind),
		Signatures:          sigs,
		DetectedAt:          finished,
	}
	t.FailurePattern = pattern

	log.Warn("task failed",
		logx.String("reason", reason),
		logx.Int("consecutive_failures", t.ConsecutiveFailures),
		logx.Int("recent_failures", recent),
		logx.Bool("retryable", res.Retryable),
	)
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTaskFailed, Time: finished, Payload: map[string]any{
		"task_type":            t.Type,
		"task_id":              t.ID,
		"tenant_id":            t.TenantID,
		"reason":               reason,
		"consecutive_failures": t.ConsecutiveFailures,
	}})

	if shouldCoolOff(cfg.CoolOff, t.ConsecutiveFailures, recent) {
		pattern.CoolOffUntil = finished.Add(cfg.CoolOff.Duration)
		t.Status = task.StatusNeedsIntervention
		t.NextExecution = nil
		out.CooledOff = true

		fe := fault.New(fault.KindTaskExecution, "cool off", errors.New(reason)).
			WithSeverity(fault.SeverityHigh).
			WithTask(t.Type, t.ID).
			WithDetail("consecutive_failures", t.ConsecutiveFailures).
			WithDetail("recent_failures", recent).
			WithDetail("cool_off_until", pattern.CoolOffUntil.Format(time.RFC3339))
		s.faults.Handle(ctx, fe, nil)
		s.emit(ctx, eventbus.Event{Type: eventbus.TypeTaskCooledOff, Time: finished, Payload: map[string]any{
			"task_type":            t.Type,
			"task_id":              t.ID,
			"tenant_id":            t.TenantID,
			"consecutive_failures": t.ConsecutiveFailures,
			"recent_failures":      recent,
			"signatures":           sigs,
			"cool_off_until":       pattern.CoolOffUntil.Format(time.RFC3339),
		}})
		return nil
	}

	t.Status = task.StatusFailed
	if cfg.Retry.Enabled && res.Retryable && t.ConsecutiveFailures <= cfg.Retry.MaxAttempts {
		at := finished.Add(cfg.Retry.clamp(res.RetryDelay))
		t.NextExecution = &at
		return &at
	}
	next := s.nextExecution(ex, t, started, log)
	t.NextExecution = &next
	return nil
}

// scheduleRetry arms the one-time retry job for a committed failure. If that
// fails the task still carries next_execution = at, so the check cycle picks
// it up instead.
func (s *Service) scheduleRetry(ctx context.Context, t *task.Task, at time.Time, out *Outcome, log logx.Logger) {
	_, err := s.ScheduleOnce(ctx, RetryJob, at, retryJobID(t.Type, t.ID), map[string]any{
		"task_type": t.Type,
		"task_id":   t.ID,
		"attempt":   t.ConsecutiveFailures,
	}, true)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindRetry, "schedule retry", err).WithTask(t.Type, t.ID), nil)
		return
	}
	out.RetryAt = task.TimePtr(at)
	log.Info("retry scheduled", logx.Time("at", at), logx.Int("attempt", t.ConsecutiveFailures))
}

// shouldCoolOff is the failure-pattern detector.
func shouldCoolOff(p CoolOffPolicy, consecutive, recent int) bool {
	return consecutive >= p.ConsecutiveFailures || recent >= p.RecentFailures
}

// invoke calls the executor with panic recovery and the optional timeout.
// A panic or an expired timeout becomes a failed Result.
func (s *Service) invoke(ctx context.Context, ex task.Executor, t *task.Task, timeout time.Duration, log logx.Logger) (res task.Result) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Error("executor panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			s.faults.Handle(ctx, fault.New(fault.KindTaskExecution, "execute", fmt.Errorf("panic: %v", r)).WithTask(t.Type, t.ID), nil)
			res = task.Failed(fmt.Sprintf("panic: %v", r))
		}
	}()
	res = ex.Execute(runCtx, t)
	if !res.Success && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.faults.Handle(ctx, fault.New(fault.KindTimeout, "execute", runCtx.Err()).WithTask(t.Type, t.ID),
			map[string]any{"timeout": timeout.String()})
		if res.ErrorMessage == "" {
			res.ErrorMessage = "execution timed out after " + timeout.String()
		}
		res.Retryable = true
	}
	return res
}

// nextExecution asks the executor for the next due time. A panic, a zero
// time or a time not after last falls back to the calendar frequency.
func (s *Service) nextExecution(ex task.Executor, t *task.Task, last time.Time, log logx.Logger) (next time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("next execution panicked", logx.Any("panic", r))
			next = task.BaseExecutor{}.NextExecution(t, t.Frequency, last)
		}
	}()
	next = ex.NextExecution(t, t.Frequency, last)
	if next.IsZero() || !next.After(last) {
		next = task.BaseExecutor{}.NextExecution(t, t.Frequency, last)
	}
	return next
}

func retryJobID(taskType, id string) string { return "retry:" + task.Key(taskType, id) }
