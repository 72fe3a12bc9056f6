package scheduler

import (
	"context"
	"fmt"
	"time"

	"cadence/internal/eventbus"
	"cadence/internal/fault"
	"cadence/internal/task"
	logx "cadence/pkg/logx"
)

// TypeSummary is one task type's share of a check cycle.
type TypeSummary struct {
	Type       string `json:"type"`
	Found      int    `json:"found"`
	Dispatched int    `json:"dispatched"`
	Leased     int    `json:"leased"`
	Deferred   int    `json:"deferred"`
	Errors     int    `json:"errors"`
}

// CycleSummary is logged and persisted after every check cycle.
type CycleSummary struct {
	Seq          uint64        `json:"seq"`
	Tenant       string        `json:"tenant,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Interval     time.Duration `json:"interval"`
	Workload     int           `json:"workload"`
	Found        int           `json:"found"`
	Dispatched   int           `json:"dispatched"`
	Skipped      int           `json:"skipped"`
	Errors       int           `json:"errors"`
	ActiveLeases int           `json:"active_leases"`
	InFlight     int           `json:"in_flight"`
	Types        []TypeSummary `json:"types"`
}

type dispatchResult int

const (
	dispatched dispatchResult = iota
	dispatchLeased
	dispatchDeferred
	dispatchStopped
)

// RunCheck runs one check cycle. An empty tenant checks every tenant and
// also drives the interval manager; a tenant-scoped cycle only dispatches.
// RunCheck never waits for the executions it dispatches.
func (s *Service) RunCheck(ctx context.Context, tenant string) CycleSummary {
	start := s.now()
	sum := CycleSummary{Seq: s.totalChecks.Add(1), Tenant: tenant, StartedAt: start}

	if tenant == "" {
		dec, err := s.interval.Evaluate(ctx)
		if err != nil {
			s.faults.Handle(ctx, fault.New(fault.KindDatabase, "sample workload", err), nil)
		}
		if dec.Changed && dec.Previous != 0 {
			s.rearm(ctx, dec)
		}
		sum.Interval = dec.Current
		sum.Workload = dec.Signal
	}

	for _, typ := range s.reg.Types() {
		ts := s.processType(ctx, typ, tenant)
		sum.Types = append(sum.Types, ts)
		sum.Found += ts.Found
		sum.Dispatched += ts.Dispatched
		sum.Skipped += ts.Leased + ts.Deferred
		sum.Errors += ts.Errors
	}
	sum.Duration = s.now().Sub(start)
	sum.ActiveLeases = s.leases.Active()
	sum.InFlight = s.limiter.InFlight()

	fields := []logx.Field{
		logx.Uint64("seq", sum.Seq),
		logx.Duration("took", sum.Duration),
		logx.Int("found", sum.Found),
		logx.Int("dispatched", sum.Dispatched),
		logx.Int("skipped", sum.Skipped),
		logx.Int("errors", sum.Errors),
		logx.Int("active_leases", sum.ActiveLeases),
		logx.Int("in_flight", sum.InFlight),
		logx.Any("types", sum.Types),
	}
	if tenant != "" {
		fields = append(fields, logx.String("tenant", tenant))
	} else {
		fields = append(fields, logx.Duration("interval", sum.Interval), logx.Int("workload", sum.Workload))
	}
	if sum.Found > 0 || sum.Errors > 0 {
		s.log.Info("check cycle", fields...)
	} else {
		s.log.Debug("check cycle", fields...)
	}

	ev := eventbus.Event{
		Type: eventbus.TypeCheckCycle,
		Time: start,
		Counts: map[string]int{
			eventbus.CountFound:      sum.Found,
			eventbus.CountDispatched: sum.Dispatched,
			eventbus.CountSkipped:    sum.Skipped,
			eventbus.CountErrors:     sum.Errors,
			eventbus.CountWorkload:   sum.Workload,
			eventbus.CountLeases:     sum.ActiveLeases,
		},
		Payload: map[string]any{
			"seq":         sum.Seq,
			"tenant":      tenant,
			"duration_ms": sum.Duration.Milliseconds(),
			"interval_s":  int64(sum.Interval / time.Second),
			"types":       sum.Types,
		},
	}
	if err := s.store.RecordCycle(context.WithoutCancel(ctx), ev); err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, "record check cycle", err), nil)
	}
	s.bus.Publish(ev)
	s.lastCycle.Store(&sum)
	return sum
}

// processType loads and dispatches one type. Failures are classified and
// contained here so they never abort sibling types.
func (s *Service) processType(ctx context.Context, typ, tenant string) (ts TypeSummary) {
	ts.Type = typ
	defer func() {
		if r := recover(); r != nil {
			ts.Errors++
			s.faults.Handle(ctx, fault.New(fault.KindTaskLoader, "process type", fmt.Errorf("panic: %v", r)).WithTask(typ, ""), nil)
		}
	}()

	entry, err := s.reg.Lookup(typ)
	if err != nil {
		ts.Errors++
		return ts
	}
	items, err := entry.Loader(ctx, tenant)
	if err != nil {
		ts.Errors++
		s.faults.Handle(ctx, fault.New(fault.KindTaskLoader, "load due tasks", err).WithTask(typ, ""), map[string]any{"tenant": tenant})
		return ts
	}
	ts.Found = len(items)
	for _, t := range items {
		switch s.dispatch(t, task.TriggerScheduler) {
		case dispatched:
			ts.Dispatched++
		case dispatchLeased:
			ts.Leased++
		case dispatchDeferred:
			ts.Deferred++
		case dispatchStopped:
			return ts
		}
	}
	if ts.Deferred > 0 {
		s.warnThrottled("capacity:"+typ, "dispatch deferred: concurrency cap reached",
			logx.String("type", typ), logx.Int("deferred", ts.Deferred), logx.Int("limit", s.limiter.Limit()))
	}
	return ts
}

// dispatch leases t and starts its execution in a new goroutine when a
// concurrency slot is free. Items that cannot start are left for a later
// cycle; nothing is queued.
func (s *Service) dispatch(t *task.Task, trigger task.Trigger) dispatchResult {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return dispatchStopped
	}
	ctx := s.execCtx
	s.wg.Add(1)
	s.mu.Unlock()

	key := t.Key()
	if !s.leases.Acquire(key) {
		s.wg.Done()
		return dispatchLeased
	}
	if !s.limiter.TryAcquire() {
		s.leases.Release(key)
		s.wg.Done()
		return dispatchDeferred
	}
	go func() {
		defer s.wg.Done()
		defer s.leases.Release(key)
		defer s.limiter.Release()
		s.execute(ctx, t, trigger)
	}()
	return dispatched
}

// rearm moves the recurring check entry to the new interval.
func (s *Service) rearm(ctx context.Context, dec IntervalDecision) {
	if !s.isLeader.Load() {
		return
	}
	s.armCheck(dec.Current)
	s.log.Info("check interval adjusted",
		logx.Duration("previous", dec.Previous),
		logx.Duration("current", dec.Current),
		logx.Int("workload", dec.Signal),
	)
	s.emit(ctx, eventbus.Event{
		Type:   eventbus.TypeIntervalAdjusted,
		Counts: map[string]int{eventbus.CountWorkload: dec.Signal},
		Payload: map[string]any{
			"previous_s": int64(dec.Previous / time.Second),
			"current_s":  int64(dec.Current / time.Second),
		},
	})
}
