package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/eventbus"
	"cadence/internal/leader"
	"cadence/internal/store"
	"cadence/internal/task"
	"cadence/internal/task/registry"
	logx "cadence/pkg/logx"
)

var epoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	svc   *Service
	store *store.Store
	reg   *registry.Registry
	clock *fakeClock
	bus   eventbus.Bus
}

// newHarness builds a service on a fresh sqlite store. Recurring jobs are
// pushed far enough out that tests drive cycles explicitly.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := newClock(epoch)
	st, err := store.Open(store.Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "cadence.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	st.SetClock(clk.Now)
	t.Cleanup(func() { _ = st.Close() })

	if cfg.LeaderTick == 0 {
		cfg.LeaderTick = time.Hour
	}
	if cfg.MinInterval == 0 {
		cfg.MinInterval = 2 * time.Hour
		cfg.MaxInterval = 4 * time.Hour
	}
	bus := eventbus.New()
	reg := registry.New(logx.Nop())
	svc := New(Options{
		Config:   cfg,
		Registry: reg,
		Store:    st,
		Elector:  leader.NewLocal("test"),
		Bus:      bus,
		Log:      logx.Nop(),
		Now:      clk.Now,
	})
	return &harness{svc: svc, store: st, reg: reg, clock: clk, bus: bus}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.svc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { _ = h.svc.Stop(context.Background()) })
}

func (h *harness) register(t *testing.T, typ string, ex task.Executor) {
	t.Helper()
	if err := h.reg.Register(typ, ex, h.store.DueLoader(typ)); err != nil {
		t.Fatalf("register %s: %v", typ, err)
	}
}

func (h *harness) create(t *testing.T, tk *task.Task) {
	t.Helper()
	if err := h.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create %s: %v", tk.Key(), err)
	}
}

func (h *harness) get(t *testing.T, typ, id string) *task.Task {
	t.Helper()
	tk, err := h.store.GetTask(context.Background(), typ, id)
	if err != nil {
		t.Fatalf("get %s:%s: %v", typ, id, err)
	}
	return tk
}

func succeed() task.Executor {
	return task.ExecutorFunc(func(context.Context, *task.Task) task.Result { return task.Succeeded(nil) })
}

func TestCheckCycleRunsDueWeeklyTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "site-1", TenantID: "acme", Frequency: task.Weekly})
	h.start(t)

	sum := h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()
	if sum.Found != 1 || sum.Dispatched != 1 || sum.Errors != 0 {
		t.Fatalf("summary=%+v", sum)
	}

	got := h.get(t, "audit", "site-1")
	if got.Status != task.StatusActive || got.ConsecutiveFailures != 0 {
		t.Fatalf("status=%s failures=%d", got.Status, got.ConsecutiveFailures)
	}
	if got.NextExecution == nil || !got.NextExecution.Equal(epoch.AddDate(0, 0, 7)) {
		t.Fatalf("next=%v", got.NextExecution)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(epoch) {
		t.Fatalf("last success=%v", got.LastSuccess)
	}

	logs, err := h.store.ExecutionLogs(context.Background(), "audit", "site-1", 10)
	if err != nil || len(logs) != 1 || logs[0].Status != store.LogSuccess || logs[0].Trigger != string(task.TriggerScheduler) {
		t.Fatalf("logs=%+v err=%v", logs, err)
	}

	// Not due again until next week.
	if sum := h.svc.RunCheck(context.Background(), ""); sum.Found != 0 {
		t.Fatalf("second cycle found %d", sum.Found)
	}
	stats, err := h.store.Cumulative(context.Background())
	if err != nil || stats.TotalChecks != 2 || stats.TasksDispatched != 1 || stats.TasksSucceeded != 1 {
		t.Fatalf("stats=%+v err=%v", stats, err)
	}
}

func TestNextExecutionCountsFromStartOfRun(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		h.clock.Advance(10 * time.Minute)
		return task.Succeeded(nil)
	}))
	h.create(t, &task.Task{Type: "audit", ID: "slow", Frequency: task.Weekly})
	h.start(t)

	h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()

	got := h.get(t, "audit", "slow")
	if got.LastExecuted == nil || !got.LastExecuted.Equal(epoch) {
		t.Fatalf("last executed=%v", got.LastExecuted)
	}
	if want := epoch.AddDate(0, 0, 7); got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next=%v want %v", got.NextExecution, want)
	}
	if got.LastSuccess == nil || !got.LastSuccess.Equal(epoch.Add(10*time.Minute)) {
		t.Fatalf("last success=%v", got.LastSuccess)
	}
}

func TestStaleCopyIsNotExecutedTwice(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	h.register(t, "audit", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		calls.Add(1)
		return task.Succeeded(nil)
	}))
	h.create(t, &task.Task{Type: "audit", ID: "a1", Frequency: task.Weekly})
	h.start(t)
	ctx := context.Background()

	loaded, err := h.store.DueLoader("audit")(ctx, "")
	if err != nil || len(loaded) != 1 {
		t.Fatalf("loaded=%v err=%v", loaded, err)
	}
	h.svc.RunCheck(ctx, "")
	h.svc.wg.Wait()

	// A concurrent tenant cycle still holding the copy loaded above.
	h.svc.dispatch(loaded[0], task.TriggerScheduler)
	h.svc.wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("executions=%d", n)
	}
	got := h.get(t, "audit", "a1")
	if want := epoch.AddDate(0, 0, 7); got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next=%v want %v", got.NextExecution, want)
	}
	logs, err := h.store.ExecutionLogs(ctx, "audit", "a1", 10)
	if err != nil || len(logs) != 1 {
		t.Fatalf("logs=%+v err=%v", logs, err)
	}
}

func TestUnchangedWorkloadKeepsCheckEntry(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	ctx := context.Background()

	entry := func() cron.EntryID {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		return h.svc.checkEntry
	}
	adjustments := func() int {
		events, err := h.store.Events(ctx, store.EventFilter{Types: []string{eventbus.TypeIntervalAdjusted}})
		if err != nil {
			t.Fatalf("events: %v", err)
		}
		return len(events)
	}

	armed := entry()
	if armed == 0 {
		t.Fatalf("check job not armed")
	}
	h.svc.RunCheck(ctx, "")
	h.svc.RunCheck(ctx, "")
	if got := entry(); got != armed {
		t.Fatalf("check entry re-armed with unchanged workload: %d -> %d", armed, got)
	}
	if n := adjustments(); n != 0 {
		t.Fatalf("interval_adjusted events=%d", n)
	}

	// An unregistered type only feeds the workload signal.
	h.create(t, &task.Task{Type: "vip", ID: "v1", TenantID: "acme", Priority: task.PriorityHigh})
	sum := h.svc.RunCheck(ctx, "")
	if sum.Interval != 2*time.Hour || sum.Workload != 1 {
		t.Fatalf("summary=%+v", sum)
	}
	rearmed := entry()
	if rearmed == armed || adjustments() != 1 {
		t.Fatalf("workload change not applied: entry=%d events=%d", rearmed, adjustments())
	}
	h.svc.RunCheck(ctx, "")
	if got := entry(); got != rearmed || adjustments() != 1 {
		t.Fatalf("second cycle re-armed: entry=%d events=%d", got, adjustments())
	}
}

func TestRetryableFailureSchedulesRetry(t *testing.T) {
	h := newHarness(t, Config{Retry: RetryPolicy{Enabled: true}})
	h.register(t, "crawl", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		return task.RetryAfter("upstream 503", 300*time.Second)
	}))
	h.create(t, &task.Task{Type: "crawl", ID: "c1", Frequency: task.Daily})
	h.start(t)

	h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()

	got := h.get(t, "crawl", "c1")
	if got.Status != task.StatusFailed || got.ConsecutiveFailures != 1 {
		t.Fatalf("status=%s failures=%d", got.Status, got.ConsecutiveFailures)
	}
	if want := epoch.Add(300 * time.Second); got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next=%v want %v", got.NextExecution, want)
	}
	if got.FailureReason != "upstream 503" || got.FailurePattern == nil || got.FailurePattern.RecentFailures != 1 {
		t.Fatalf("reason=%q pattern=%+v", got.FailureReason, got.FailurePattern)
	}

	pending := h.svc.PendingOnce()
	if len(pending) != 1 || pending[0].JobID != retryJobID("crawl", "c1") || pending[0].Func != RetryJob {
		t.Fatalf("pending=%+v", pending)
	}
	persisted, err := h.store.PendingOnceJobs(context.Background())
	if err != nil || len(persisted) != 1 {
		t.Fatalf("persisted=%+v err=%v", persisted, err)
	}
}

func TestRetryDisabledFallsBackToFrequency(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "crawl", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		return task.RetryAfter("upstream 503", time.Minute)
	}))
	h.create(t, &task.Task{Type: "crawl", ID: "c1", Frequency: task.CustomHours(6)})
	h.start(t)

	h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()

	got := h.get(t, "crawl", "c1")
	if want := epoch.Add(6 * time.Hour); got.NextExecution == nil || !got.NextExecution.Equal(want) {
		t.Fatalf("next=%v want %v", got.NextExecution, want)
	}
	if n := len(h.svc.PendingOnce()); n != 0 {
		t.Fatalf("pending retries=%d", n)
	}
}

func TestCoolOffManualTriggerAndReset(t *testing.T) {
	h := newHarness(t, Config{})
	var calls atomic.Int32
	h.register(t, "audit", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		calls.Add(1)
		return task.Failed("certificate expired")
	}))
	h.create(t, &task.Task{Type: "audit", ID: "a1", ConsecutiveFailures: 4, Status: task.StatusFailed})
	h.start(t)
	ctx := context.Background()

	h.svc.RunCheck(ctx, "")
	h.svc.wg.Wait()

	got := h.get(t, "audit", "a1")
	if got.Status != task.StatusNeedsIntervention || got.NextExecution != nil || got.ConsecutiveFailures != 5 {
		t.Fatalf("after cool off: status=%s next=%v failures=%d", got.Status, got.NextExecution, got.ConsecutiveFailures)
	}
	if got.FailurePattern == nil || !got.FailurePattern.CoolOffUntil.Equal(epoch.Add(24*time.Hour)) {
		t.Fatalf("pattern=%+v", got.FailurePattern)
	}
	alerts, err := h.store.Alerts(ctx, 10)
	if err != nil || len(alerts) == 0 {
		t.Fatalf("alerts=%v err=%v", alerts, err)
	}

	// Cooled-off tasks are invisible to check cycles.
	if sum := h.svc.RunCheck(ctx, ""); sum.Found != 0 {
		t.Fatalf("cooled-off task found by cycle: %+v", sum)
	}

	out, err := h.svc.Trigger(ctx, "audit", "a1")
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Status != store.LogFailed || out.Trigger != task.TriggerManual || calls.Load() != 2 {
		t.Fatalf("outcome=%+v calls=%d", out, calls.Load())
	}

	reset, err := h.svc.Reset(ctx, "audit", "a1")
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if reset.Status != task.StatusActive || reset.ConsecutiveFailures != 0 || reset.FailurePattern != nil {
		t.Fatalf("reset=%+v", reset)
	}
	if got := h.get(t, "audit", "a1"); got.Status != task.StatusActive || got.NextExecution != nil {
		t.Fatalf("persisted reset=%+v", got)
	}
}

func TestConcurrencyCapDefersWithoutQueueing(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 2})
	release := make(chan struct{})
	var started, calls atomic.Int32
	h.register(t, "crawl", task.ExecutorFunc(func(ctx context.Context, _ *task.Task) task.Result {
		calls.Add(1)
		started.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return task.Succeeded(nil)
	}))
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		h.create(t, &task.Task{Type: "crawl", ID: id})
	}
	h.start(t)
	ctx := context.Background()

	first := h.svc.RunCheck(ctx, "")
	if first.Found != 5 || first.Dispatched != 2 || first.Skipped != 3 {
		t.Fatalf("first=%+v", first)
	}
	second := h.svc.RunCheck(ctx, "")
	if second.Dispatched != 0 {
		t.Fatalf("second cycle dispatched while at cap: %+v", second)
	}
	if n := h.svc.limiter.InFlight(); n != 2 {
		t.Fatalf("in flight=%d", n)
	}

	close(release)
	h.svc.wg.Wait()
	if n := calls.Load(); n != 2 {
		t.Fatalf("executions=%d", n)
	}
	deferred := 0
	for _, id := range []string{"c1", "c2", "c3", "c4", "c5"} {
		got := h.get(t, "crawl", id)
		if got.LastExecuted != nil {
			continue
		}
		deferred++
		if got.Status != task.StatusActive || got.NextExecution != nil {
			t.Fatalf("deferred %s changed: status=%s next=%v", id, got.Status, got.NextExecution)
		}
	}
	if deferred != 3 {
		t.Fatalf("deferred rows=%d", deferred)
	}

	third := h.svc.RunCheck(ctx, "")
	h.svc.wg.Wait()
	if third.Found != 3 || third.Dispatched != 2 {
		t.Fatalf("third=%+v", third)
	}
}

func TestLeaseBlocksSecondDispatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "a1"})
	h.start(t)

	tk := h.get(t, "audit", "a1")
	if !h.svc.leases.Acquire(tk.Key()) {
		t.Fatalf("lease acquire")
	}
	if got := h.svc.dispatch(tk, task.TriggerScheduler); got != dispatchLeased {
		t.Fatalf("dispatch=%v", got)
	}
	if _, err := h.svc.Trigger(context.Background(), "audit", "a1"); !errors.Is(err, ErrTaskBusy) {
		t.Fatalf("trigger err=%v", err)
	}
	h.svc.leases.Release(tk.Key())
	if got := h.svc.dispatch(tk, task.TriggerScheduler); got != dispatched {
		t.Fatalf("dispatch after release=%v", got)
	}
	h.svc.wg.Wait()
}

func TestLoaderFailureIsolatedPerType(t *testing.T) {
	h := newHarness(t, Config{})
	if err := h.reg.Register("broken", succeed(), func(context.Context, string) ([]*task.Task, error) {
		return nil, errors.New("database is locked")
	}); err != nil {
		t.Fatal(err)
	}
	if err := h.reg.Register("panicky", succeed(), func(context.Context, string) ([]*task.Task, error) {
		panic("loader bug")
	}); err != nil {
		t.Fatal(err)
	}
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "a1"})
	h.start(t)

	sum := h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()
	if sum.Errors != 2 || sum.Dispatched != 1 || len(sum.Types) != 3 {
		t.Fatalf("summary=%+v", sum)
	}
	if got := h.get(t, "audit", "a1"); got.LastSuccess == nil {
		t.Fatalf("healthy type not executed")
	}
}

func TestExecutorPanicBecomesFailure(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", task.ExecutorFunc(func(context.Context, *task.Task) task.Result {
		panic("boom")
	}))
	h.create(t, &task.Task{Type: "audit", ID: "a1"})
	h.start(t)

	h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()
	got := h.get(t, "audit", "a1")
	if got.Status != task.StatusFailed || got.ConsecutiveFailures != 1 || got.FailureReason != "panic: boom" {
		t.Fatalf("got=%+v", got)
	}
}

func TestTenantScopedCycle(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "a1", TenantID: "acme"})
	h.create(t, &task.Task{Type: "audit", ID: "b1", TenantID: "globex"})
	h.start(t)

	sum := h.svc.RunCheck(context.Background(), "acme")
	h.svc.wg.Wait()
	if sum.Found != 1 || sum.Tenant != "acme" {
		t.Fatalf("summary=%+v", sum)
	}
	if got := h.get(t, "audit", "b1"); got.LastExecuted != nil {
		t.Fatalf("other tenant executed")
	}
}

func TestTriggerErrors(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "a1"})
	ctx := context.Background()

	if _, err := h.svc.Trigger(ctx, "audit", "a1"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("stopped trigger err=%v", err)
	}
	h.start(t)
	if _, err := h.svc.Trigger(ctx, "audit", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing err=%v", err)
	}
	out, err := h.svc.Trigger(ctx, "audit", "a1")
	if err != nil || out.Status != store.LogSuccess {
		t.Fatalf("out=%+v err=%v", out, err)
	}
}

func TestOnceJobsRestoredOnStart(t *testing.T) {
	h := newHarness(t, Config{GracePeriod: time.Hour})
	ctx := context.Background()
	var mu sync.Mutex
	ran := map[string]bool{}
	h.svc.RegisterJob("report", func(_ context.Context, args map[string]any) error {
		mu.Lock()
		ran[args["name"].(string)] = true
		mu.Unlock()
		return nil
	})

	// Scheduled while stopped: persisted only.
	if _, err := h.svc.ScheduleOnce(ctx, "report", epoch.Add(-10*time.Minute), "missed", map[string]any{"name": "missed"}, false); err != nil {
		t.Fatalf("schedule missed: %v", err)
	}
	if _, err := h.svc.ScheduleOnce(ctx, "report", epoch.Add(-3*time.Hour), "stale", map[string]any{"name": "stale"}, false); err != nil {
		t.Fatalf("schedule stale: %v", err)
	}
	if _, err := h.svc.ScheduleOnce(ctx, "report", epoch.Add(48*time.Hour), "future", map[string]any{"name": "future"}, false); err != nil {
		t.Fatalf("schedule future: %v", err)
	}
	if _, err := h.svc.ScheduleOnce(ctx, "nope", epoch, "", nil, false); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("unknown job err=%v", err)
	}
	// Not armed while stopped, but still pending in the event log.
	if _, err := h.svc.ScheduleOnce(ctx, "report", epoch.Add(time.Hour), "future", nil, false); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate of persisted job err=%v", err)
	}

	h.start(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		jobs, err := h.store.PendingOnceJobs(ctx)
		if err != nil {
			t.Fatalf("pending: %v", err)
		}
		if len(jobs) == 1 && jobs[0].JobID == "future" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending never settled: %+v", jobs)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if !ran["missed"] || ran["stale"] || ran["future"] {
		t.Fatalf("ran=%v", ran)
	}
	if _, err := h.svc.ScheduleOnce(ctx, "report", epoch.Add(time.Hour), "future", nil, false); !errors.Is(err, ErrJobExists) {
		t.Fatalf("duplicate err=%v", err)
	}
	if !h.svc.CancelOnce(ctx, "future") {
		t.Fatalf("cancel future")
	}
}

func TestMonitorJobs(t *testing.T) {
	h := newHarness(t, Config{})
	h.start(t)
	ctx := context.Background()

	if err := h.svc.ScheduleMonitor(ctx, "acme", "not a spec"); !errors.Is(err, ErrInvalidSpec) {
		t.Fatalf("invalid spec err=%v", err)
	}
	if err := h.svc.ScheduleMonitor(ctx, "acme", "@every 30m"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if err := h.svc.ScheduleMonitor(ctx, "globex", "0 */5 * * * *"); err != nil {
		t.Fatalf("schedule cron: %v", err)
	}
	snap := h.svc.Snapshot(ctx)
	if len(snap.Monitors) != 2 || snap.Monitors[0].Tenant != "acme" || snap.Monitors[0].Next.IsZero() {
		t.Fatalf("monitors=%+v", snap.Monitors)
	}

	if err := h.svc.RemoveMonitor(ctx, "acme"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	jobs, err := h.store.MonitorJobs(ctx)
	if err != nil || len(jobs) != 1 || jobs[0].TenantID != "globex" {
		t.Fatalf("persisted=%+v err=%v", jobs, err)
	}
	if n := len(h.svc.Snapshot(ctx).Monitors); n != 1 {
		t.Fatalf("armed monitors=%d", n)
	}
}

func TestSnapshotAndLifecycle(t *testing.T) {
	h := newHarness(t, Config{MaxConcurrent: 4})
	h.register(t, "audit", succeed())
	ctx := context.Background()

	if s := h.svc.Snapshot(ctx); s.State != StateStopped || s.Leader {
		t.Fatalf("before start=%+v", s)
	}
	h.start(t)
	if err := h.svc.Start(ctx); err != nil {
		t.Fatalf("second start: %v", err)
	}
	s := h.svc.Snapshot(ctx)
	if s.State != StateRunning || !s.Leader || s.Instance != "test" || s.Limit != 4 {
		t.Fatalf("running=%+v", s)
	}
	if s.Interval != 4*time.Hour || s.NextCheck.IsZero() || len(s.Types) != 1 {
		t.Fatalf("interval=%v next=%v types=%v", s.Interval, s.NextCheck, s.Types)
	}

	h.svc.Apply(Config{MaxConcurrent: 7, MinInterval: 2 * time.Hour, MaxInterval: 4 * time.Hour, LeaderTick: time.Hour})
	if got := h.svc.Snapshot(ctx).Limit; got != 7 {
		t.Fatalf("applied limit=%d", got)
	}

	if err := h.svc.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.svc.State() != StateStopped || h.svc.IsLeader() {
		t.Fatalf("after stop state=%s leader=%v", h.svc.State(), h.svc.IsLeader())
	}
	events, err := h.store.Events(ctx, store.EventFilter{Types: []string{eventbus.TypeSchedulerStarted, eventbus.TypeSchedulerStopped}})
	if err != nil || len(events) != 2 {
		t.Fatalf("events=%+v err=%v", events, err)
	}
}

func TestStartRecoversRunningTasks(t *testing.T) {
	h := newHarness(t, Config{})
	h.register(t, "audit", succeed())
	h.create(t, &task.Task{Type: "audit", ID: "stuck", Status: task.StatusRunning})
	h.start(t)

	if got := h.get(t, "audit", "stuck"); got.Status == task.StatusRunning {
		t.Fatalf("status still running")
	}
	sum := h.svc.RunCheck(context.Background(), "")
	h.svc.wg.Wait()
	if sum.Dispatched != 1 {
		t.Fatalf("recovered task not dispatched: %+v", sum)
	}
}
