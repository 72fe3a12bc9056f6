package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/eventbus"
	"cadence/internal/fault"
	"cadence/internal/leader"
	"cadence/internal/store"
	"cadence/internal/task"
	"cadence/internal/task/registry"
	logx "cadence/pkg/logx"
)

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type Options struct {
	Config   Config
	Registry *registry.Registry
	Store    *store.Store
	Elector  leader.Elector
	Faults   *fault.Handler
	Bus      eventbus.Bus
	Log      logx.Logger

	// Workload defaults to Store.CountPriorityTenants.
	Workload WorkloadFunc
	Now      func() time.Time
}

type Service struct {
	mu    sync.Mutex
	cfg   Config
	state State
	loc   *time.Location

	reg     *registry.Registry
	store   *store.Store
	elector leader.Elector
	faults  *fault.Handler
	bus     eventbus.Bus
	log     logx.Logger
	now     func() time.Time

	leases   *LeaseTable
	limiter  *capLimiter
	interval *IntervalManager

	parser     cron.Parser
	cronLog    cron.Logger
	c          *cron.Cron
	checkJob   cron.Job
	checkEntry cron.EntryID
	tickEntry  cron.EntryID
	monitors   map[string]monitorEntry

	execCtx    context.Context
	execCancel context.CancelFunc
	wg         sync.WaitGroup

	isLeader atomic.Bool
	tickMu   sync.Mutex

	jobsMu  sync.RWMutex
	jobs    map[string]JobFunc
	tmu     sync.Mutex
	timers  map[string]*onceTimer
	onceSeq uint64

	totalChecks atomic.Uint64
	lastCycle   atomic.Pointer[CycleSummary]
	startedAt   time.Time

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

func New(opt Options) *Service {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "scheduler"))
	bus := opt.Bus
	if bus == nil {
		bus = eventbus.Nop{}
	}
	now := opt.Now
	if now == nil {
		now = time.Now
	}
	el := opt.Elector
	if el == nil {
		el = leader.NewLocal("")
	}
	faults := opt.Faults
	if faults == nil {
		var sink fault.AlertSink
		if opt.Store != nil {
			sink = opt.Store
		}
		faults = fault.NewHandler(log, sink, bus, fault.HandlerOptions{})
	}
	reg := opt.Registry
	if reg == nil {
		reg = registry.New(log)
	}
	workload := opt.Workload
	if workload == nil && opt.Store != nil {
		workload = opt.Store.CountPriorityTenants
	}
	cfg := opt.Config.normalized()

	s := &Service{
		cfg:      cfg,
		state:    StateStopped,
		reg:      reg,
		store:    opt.Store,
		elector:  el,
		faults:   faults,
		bus:      bus,
		log:      log,
		now:      now,
		leases:   NewLeaseTable(cfg.LeaseTTL, now),
		limiter:  newCapLimiter(cfg.MaxConcurrent),
		interval: NewIntervalManager(cfg.MinInterval, cfg.MaxInterval, workload),
		// SecondOptional allows both 5-field and 6-field (with seconds) specs.
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		cronLog:  cronLogger{log: log},
		monitors: map[string]monitorEntry{},
		jobs:     map[string]JobFunc{},
		timers:   map[string]*onceTimer{},
		lastWarn: map[string]time.Time{},
	}
	// One wrapped job instance for the lifetime of the service, so re-arming
	// the check entry keeps cycles from overlapping.
	s.checkJob = cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() {
		s.RunCheck(s.context(), "")
	}))
	s.RegisterJob(RetryJob, s.runRetry)
	return s
}

func (s *Service) Registry() *registry.Registry { return s.reg }

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) IsLeader() bool { return s.isLeader.Load() }

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// context is the execution context; it is canceled by Stop.
func (s *Service) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execCtx == nil {
		return context.Background()
	}
	return s.execCtx
}

// Start recovers stale running tasks, computes the initial interval, starts
// the trigger engine and the leadership tick. When this instance is leader
// the check job is armed and persisted one-time and monitor jobs are
// restored before Start returns.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStarting
	cfg := s.cfg
	s.mu.Unlock()

	fail := func(err error) error {
		s.mu.Lock()
		s.state = StateStopped
		s.mu.Unlock()
		return err
	}
	if s.store == nil {
		return fail(fault.New(fault.KindSchedulerConfig, "start", errors.New("store is required")))
	}

	if n, err := s.store.RecoverRunning(ctx); err != nil {
		return fail(fault.New(fault.KindDatabase, "recover running tasks", err))
	} else if n > 0 {
		s.log.Warn("recovered tasks left running by a previous process", logx.Int64("count", n))
	}

	dec, err := s.interval.Evaluate(ctx)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, "sample workload", err), nil)
	}

	loc := loadLocation(cfg.Timezone, s.log)
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLocation(loc),
		cron.WithLogger(s.cronLog),
		cron.WithChain(cron.Recover(s.cronLog)),
	)
	tickID := c.Schedule(cron.Every(cfg.LeaderTick), cron.FuncJob(s.leadershipTick))

	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.c = c
	s.loc = loc
	s.tickEntry = tickID
	s.execCtx = execCtx
	s.execCancel = cancel
	s.startedAt = s.now()
	s.state = StateRunning
	s.mu.Unlock()

	c.Start()
	s.leadershipTick()

	s.emit(ctx, eventbus.Event{Type: eventbus.TypeSchedulerStarted, Payload: map[string]any{
		"instance":       s.elector.ID(),
		"leader":         s.isLeader.Load(),
		"interval":       dec.Current.String(),
		"workload":       dec.Signal,
		"types":          s.reg.Types(),
		"max_concurrent": cfg.MaxConcurrent,
	}})
	s.log.Info("scheduler started",
		logx.String("tz", loc.String()),
		logx.Duration("interval", dec.Current),
		logx.Int("types", s.reg.Len()),
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Bool("leader", s.isLeader.Load()),
	)
	return nil
}

// Stop cancels in-flight executions, waits up to the stop timeout for them,
// releases leadership and shuts the trigger engine down. Persisted one-time
// jobs stay pending and are restored by the next leader.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	c := s.c
	cancel := s.execCancel
	cfg := s.cfg
	s.mu.Unlock()

	start := time.Now()
	s.log.Info("stop requested", logx.Int("in_flight", s.limiter.InFlight()))

	cronDone := c.Stop()
	s.stopOnceTimers()
	cancel()

	waitCtx, waitCancel := context.WithTimeout(ctx, cfg.StopTimeout)
	defer waitCancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	abandoned := false
	select {
	case <-done:
	case <-waitCtx.Done():
		abandoned = true
		s.log.Warn("stop timeout; abandoning in-flight executions", logx.Int("in_flight", s.limiter.InFlight()))
	}
	select {
	case <-cronDone.Done():
	case <-waitCtx.Done():
	}

	relCtx, relCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	if err := s.elector.Release(relCtx); err != nil {
		s.log.Warn("leadership release failed", logx.Err(err))
	}
	relCancel()
	s.isLeader.Store(false)

	totals, err := s.store.Cumulative(context.WithoutCancel(ctx))
	if err != nil {
		s.log.Warn("cumulative stats unavailable", logx.Err(err))
	}
	s.log.Info("scheduler stopped",
		logx.Duration("took", time.Since(start)),
		logx.Bool("abandoned", abandoned),
		logx.Uint64("checks_this_run", s.totalChecks.Load()),
		logx.Int64("total_checks", totals.TotalChecks),
		logx.Int64("total_dispatched", totals.TasksDispatched),
		logx.Int64("total_succeeded", totals.TasksSucceeded),
		logx.Int64("total_failed", totals.TasksFailed),
	)
	s.emit(context.WithoutCancel(ctx), eventbus.Event{Type: eventbus.TypeSchedulerStopped, Payload: map[string]any{
		"instance":  s.elector.ID(),
		"abandoned": abandoned,
		"checks":    s.totalChecks.Load(),
	}})

	s.mu.Lock()
	s.c = nil
	s.checkEntry = 0
	s.tickEntry = 0
	s.monitors = map[string]monitorEntry{}
	s.state = StateStopped
	s.mu.Unlock()
	return nil
}

// Apply updates runtime policies. Timezone and leadership tick changes take
// effect on the next Start.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.normalized()
	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	s.limiter.SetLimit(cfg.MaxConcurrent)
	s.leases.SetTTL(cfg.LeaseTTL)
	s.interval.SetBounds(cfg.MinInterval, cfg.MaxInterval)

	if strings.TrimSpace(old.Timezone) != strings.TrimSpace(cfg.Timezone) || old.LeaderTick != cfg.LeaderTick {
		s.log.Warn("timezone or leader tick changed; takes effect after restart")
	}
	s.log.Info("scheduler config applied",
		logx.Int("max_concurrent", cfg.MaxConcurrent),
		logx.Duration("min_interval", cfg.MinInterval),
		logx.Duration("max_interval", cfg.MaxInterval),
		logx.Bool("retry", cfg.Retry.Enabled),
	)
}

// leadershipTick acquires or renews leadership and adds or removes the
// leader-only jobs on transitions.
func (s *Service) leadershipTick() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if s.State() != StateRunning {
		return
	}
	cfg := s.config()
	ctx, cancel := context.WithTimeout(s.context(), cfg.LeaderTick)
	defer cancel()

	ok, err := s.elector.Acquire(ctx)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindConcurrency, "leader acquire", err), map[string]any{"instance": s.elector.ID()})
	}
	was := s.isLeader.Load()
	if ok == was {
		return
	}
	s.isLeader.Store(ok)
	if ok {
		s.log.Info("leadership acquired", logx.String("instance", s.elector.ID()))
		s.armCheck(s.interval.Current())
		s.restoreMonitors(ctx)
		s.restoreOnce(ctx)
	} else {
		s.log.Warn("leadership lost", logx.String("instance", s.elector.ID()))
		s.disarmLeaderJobs()
	}
	s.emit(ctx, eventbus.Event{Type: eventbus.TypeLeadership, Payload: map[string]any{
		"instance": s.elector.ID(),
		"leader":   ok,
	}})
}

// armCheck (re)schedules the recurring check job with period every.
func (s *Service) armCheck(every time.Duration) {
	if every <= 0 {
		every = s.config().MaxInterval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	if s.checkEntry != 0 {
		s.c.Remove(s.checkEntry)
	}
	s.checkEntry = s.c.Schedule(cron.Every(every), s.checkJob)
	s.log.Debug("check job armed", logx.Duration("every", every), logx.Time("next", s.c.Entry(s.checkEntry).Next))
}

func (s *Service) disarmLeaderJobs() {
	s.mu.Lock()
	if s.c != nil {
		if s.checkEntry != 0 {
			s.c.Remove(s.checkEntry)
		}
		for _, m := range s.monitors {
			s.c.Remove(m.entry)
		}
	}
	s.checkEntry = 0
	s.monitors = map[string]monitorEntry{}
	s.mu.Unlock()
	s.stopOnceTimers()
}

// Trigger runs one task now, bypassing the needs_intervention skip. It
// respects the lease and the concurrency cap and waits for the outcome.
func (s *Service) Trigger(ctx context.Context, taskType, id string) (Outcome, error) {
	t, err := s.store.GetTask(ctx, taskType, id)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := s.reg.Lookup(taskType); err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return Outcome{}, ErrNotRunning
	}
	execCtx := s.execCtx
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	key := t.Key()
	if !s.leases.Acquire(key) {
		return Outcome{}, ErrTaskBusy
	}
	defer s.leases.Release(key)
	if !s.limiter.TryAcquire() {
		return Outcome{}, ErrAtCapacity
	}
	defer s.limiter.Release()

	runCtx, cancel := context.WithCancel(execCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	s.log.Info("manual trigger", logx.String("task_type", taskType), logx.String("task_id", id))
	return s.execute(runCtx, t, task.TriggerManual), nil
}

// Reset returns a task to active with a clean failure history so the next
// check cycle picks it up. It is the way out of needs_intervention.
func (s *Service) Reset(ctx context.Context, taskType, id string) (*task.Task, error) {
	key := task.Key(taskType, id)
	if !s.leases.Acquire(key) {
		return nil, ErrTaskBusy
	}
	defer s.leases.Release(key)

	sess, err := s.store.OpenSession(ctx)
	if err != nil {
		return nil, fault.New(fault.KindDatabase, "open session", err).WithTask(taskType, id)
	}
	defer sess.Close()

	t, err := sess.Get(taskType, id)
	if err != nil {
		return nil, err
	}
	prev := t.Status
	t.Status = task.StatusActive
	t.ConsecutiveFailures = 0
	t.FailureReason = ""
	t.FailurePattern = nil
	t.NextExecution = nil
	if err := sess.Commit(); err != nil {
		return nil, fault.New(fault.KindDatabase, "commit reset", err).WithTask(taskType, id)
	}
	s.log.Info("task reset", logx.String("task_type", taskType), logx.String("task_id", id), logx.String("previous_status", string(prev)))
	return t.Clone(), nil
}

// emit publishes e and persists it in the scheduler event log.
func (s *Service) emit(ctx context.Context, e eventbus.Event) {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	s.bus.Publish(e)
	if s.store == nil {
		return
	}
	if err := s.store.AppendEvent(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("event persist failed", logx.String("event_type", e.Type), logx.Err(err))
	}
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
