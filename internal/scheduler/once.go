package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"

	"cadence/internal/eventbus"
	"cadence/internal/fault"
	"cadence/internal/store"
	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

// RetryJob is the built-in one-time job that re-runs a failed task.
const RetryJob = "task.retry"

// JobFunc is a one-time job body. Jobs are referenced by registered name so
// persisted jobs can be restored after a restart.
type JobFunc func(ctx context.Context, args map[string]any) error

type onceTimer struct {
	timer *time.Timer
	ver   uint64
	job   store.OnceJob
}

// RegisterJob makes fn schedulable under name. Registering twice replaces.
func (s *Service) RegisterJob(name string, fn JobFunc) {
	name = strings.TrimSpace(name)
	if name == "" || fn == nil {
		return
	}
	s.jobsMu.Lock()
	s.jobs[name] = fn
	s.jobsMu.Unlock()
}

func (s *Service) job(name string) JobFunc {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	return s.jobs[name]
}

// ScheduleOnce persists a one-time job and arms it on the leader. An empty
// jobID gets a generated one. Without replaceExisting, scheduling an id that
// is armed here or still pending in the event log fails with ErrJobExists.
func (s *Service) ScheduleOnce(ctx context.Context, fn string, runAt time.Time, jobID string, args map[string]any, replaceExisting bool) (string, error) {
	if s.job(fn) == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownJob, fn)
	}
	if runAt.IsZero() {
		return "", errors.New("run time required")
	}
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if !replaceExisting {
		s.tmu.Lock()
		_, exists := s.timers[jobID]
		s.tmu.Unlock()
		if exists {
			return "", fmt.Errorf("%w: %s", ErrJobExists, jobID)
		}
		pending, err := s.store.PendingOnceJobs(ctx)
		if err != nil {
			return "", fault.New(fault.KindDatabase, "load one-time jobs", err)
		}
		for _, j := range pending {
			if j.JobID == jobID {
				return "", fmt.Errorf("%w: %s", ErrJobExists, jobID)
			}
		}
	}

	j := store.OnceJob{JobID: jobID, Func: fn, RunAt: runAt.UTC(), Args: args, ScheduledAt: s.now()}
	ev := eventbus.Event{Type: eventbus.TypeOnceScheduled, Time: j.ScheduledAt, Payload: map[string]any{
		eventbus.KeyJobID: jobID,
		eventbus.KeyFunc:  fn,
		eventbus.KeyRunAt: j.RunAt.Format(time.RFC3339Nano),
	}}
	if len(args) > 0 {
		ev.Payload[eventbus.KeyArgs] = args
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), ev); err != nil {
		return "", fault.New(fault.KindDatabase, "persist one-time job", err)
	}
	s.bus.Publish(ev)

	if s.isLeader.Load() && s.State() == StateRunning {
		delay := j.RunAt.Sub(s.now())
		s.armOnce(j, delay)
	}
	s.log.Debug("one-time job scheduled", logx.String("job_id", jobID), logx.String("func", fn), logx.Time("run_at", j.RunAt))
	return jobID, nil
}

// CancelOnce stops a pending job and records it as skipped.
func (s *Service) CancelOnce(ctx context.Context, jobID string) bool {
	s.tmu.Lock()
	ot, ok := s.timers[jobID]
	if ok {
		ot.timer.Stop()
		delete(s.timers, jobID)
	}
	s.tmu.Unlock()
	if ok {
		s.recordOnce(ctx, eventbus.TypeOnceSkipped, ot.job, map[string]any{"reason": "canceled"})
	}
	return ok
}

// armOnce (re)arms the timer for j. Each arm bumps a version so a replaced
// timer that already fired is ignored.
func (s *Service) armOnce(j store.OnceJob, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.timers[j.JobID]; ok {
		old.timer.Stop()
	}
	s.onceSeq++
	ver := s.onceSeq
	id := j.JobID
	ot := &onceTimer{ver: ver, job: j}
	ot.timer = time.AfterFunc(delay, func() { s.fireOnce(id, ver) })
	s.timers[id] = ot
}

func (s *Service) fireOnce(id string, ver uint64) {
	s.tmu.Lock()
	ot, ok := s.timers[id]
	if !ok || ot.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	s.tmu.Unlock()

	if !s.isLeader.Load() {
		// Left pending; the next leader restores it.
		s.log.Debug("one-time job not run: not leader", logx.String("job_id", id))
		return
	}
	s.runOnce(ot.job)
}

// runOnce executes a job and records its completion or failure.
func (s *Service) runOnce(j store.OnceJob) {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	ctx := s.execCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	fn := s.job(j.Func)
	if fn == nil {
		s.recordOnce(ctx, eventbus.TypeOnceFailed, j, map[string]any{"error": ErrUnknownJob.Error()})
		s.log.Warn("one-time job has no registered function", logx.String("job_id", j.JobID), logx.String("func", j.Func))
		return
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("one-time job panicked", logx.String("job_id", j.JobID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, j.Args)
	}()
	if err != nil {
		s.faults.Handle(ctx, err, map[string]any{"job_id": j.JobID, "func": j.Func})
		s.recordOnce(ctx, eventbus.TypeOnceFailed, j, map[string]any{"error": err.Error()})
		return
	}
	s.recordOnce(ctx, eventbus.TypeOnceCompleted, j, nil)
}

func (s *Service) recordOnce(ctx context.Context, typ string, j store.OnceJob, extra map[string]any) {
	payload := map[string]any{
		eventbus.KeyJobID: j.JobID,
		eventbus.KeyFunc:  j.Func,
		eventbus.KeyRunAt: j.RunAt.Format(time.RFC3339Nano),
	}
	for k, v := range extra {
		payload[k] = v
	}
	s.emit(ctx, eventbus.Event{Type: typ, Payload: payload})
}

type onceAction int

const (
	onceRunNow onceAction = iota
	onceAtTime
	onceStale
)

// planOnce decides what to do with a restored job. The original fire time is
// kept: future jobs fire exactly then, missed jobs within grace fire now and
// older ones are skipped.
func planOnce(runAt, now time.Time, grace time.Duration) (onceAction, time.Duration) {
	if runAt.After(now) {
		return onceAtTime, runAt.Sub(now)
	}
	if now.Sub(runAt) <= grace {
		return onceRunNow, 0
	}
	return onceStale, 0
}

// restoreOnce re-arms every persisted job whose outcome was never recorded.
func (s *Service) restoreOnce(ctx context.Context) {
	jobs, err := s.store.PendingOnceJobs(ctx)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, "load one-time jobs", err), nil)
		return
	}
	grace := s.config().GracePeriod
	now := s.now()
	var future, missed, stale int
	for _, j := range jobs {
		action, delay := planOnce(j.RunAt, now, grace)
		switch action {
		case onceAtTime:
			future++
			s.armOnce(j, delay)
		case onceRunNow:
			missed++
			s.armOnce(j, 0)
		case onceStale:
			stale++
			s.log.Warn("one-time job too stale; skipped",
				logx.String("job_id", j.JobID),
				logx.String("func", j.Func),
				logx.Time("run_at", j.RunAt),
				logx.Duration("late", now.Sub(j.RunAt)),
			)
			s.recordOnce(ctx, eventbus.TypeOnceSkipped, j, map[string]any{"reason": "stale"})
		}
	}
	if len(jobs) > 0 {
		s.log.Info("one-time jobs restored", logx.Int("future", future), logx.Int("missed", missed), logx.Int("stale", stale))
	}
}

func (s *Service) stopOnceTimers() {
	s.tmu.Lock()
	for id, ot := range s.timers {
		ot.timer.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()
}

// runRetry is the body of RetryJob. A task that is no longer due (it ran in
// a check cycle meanwhile, or was reset or cooled off) is left alone; one that
// cannot start now stays due and the next cycle picks it up.
func (s *Service) runRetry(ctx context.Context, args map[string]any) error {
	typ, _ := args["task_type"].(string)
	id, _ := args["task_id"].(string)
	if typ == "" || id == "" {
		return fault.New(fault.KindRetry, "retry", errors.New("retry job without task identity"))
	}
	t, err := s.store.GetTask(ctx, typ, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fault.New(fault.KindDatabase, "load retry task", err).WithTask(typ, id)
	}
	if !t.Due(s.now()) {
		s.log.Debug("retry not needed", logx.String("task_type", typ), logx.String("task_id", id), logx.String("status", string(t.Status)))
		return nil
	}
	switch s.dispatch(t, task.TriggerRetry) {
	case dispatchLeased, dispatchDeferred:
		s.log.Debug("retry deferred to next check cycle", logx.String("task_type", typ), logx.String("task_id", id))
	}
	return nil
}

// PendingOnce lists armed one-time jobs.
func (s *Service) PendingOnce() []store.OnceJob {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	out := make([]store.OnceJob, 0, len(s.timers))
	for _, ot := range s.timers {
		out = append(out, ot.job)
	}
	return out
}
