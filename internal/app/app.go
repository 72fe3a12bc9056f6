// Package app wires configuration, storage, leadership, fault handling, the
// scheduler and the admin surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/admin"
	"cadence/internal/config"
	"cadence/internal/eventbus"
	"cadence/internal/executors/httpcheck"
	"cadence/internal/fault"
	"cadence/internal/leader"
	"cadence/internal/runtime/supervisor"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	"cadence/internal/task/registry"
	logx "cadence/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store   *store.Store
	elector leader.Elector
	faults  *fault.Handler
	reg     *registry.Registry
	sched   *scheduler.Service
	admin   *admin.Server

	adminEnabled bool
}

// New loads the config and builds every component. Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	appLog := log.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorage(cfg)
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closeOnErr := func(err error) (*App, error) {
		_ = st.Close()
		_ = logSvc.Close()
		return nil, err
	}

	lc, _ := mapLeader(cfg)
	el, err := leader.New(lc, log.With(logx.String("comp", "leader")))
	if err != nil {
		return closeOnErr(fmt.Errorf("leader: %w", err))
	}

	fo, _ := mapFaults(cfg)
	faults := fault.NewHandler(log, st, bus, fo)

	reg := registry.New(log.With(logx.String("comp", "registry")))
	schedCfg, _ := mapScheduler(cfg)
	sched := scheduler.New(scheduler.Options{
		Config:   schedCfg,
		Registry: reg,
		Store:    st,
		Elector:  el,
		Faults:   faults,
		Bus:      bus,
		Log:      log,
	})

	if cfg.Executors.HTTPCheck.Enabled {
		hc, _ := mapHTTPCheck(cfg)
		if err := reg.Register(httpcheck.TaskType, httpcheck.New(hc, log), st.DueLoader(httpcheck.TaskType)); err != nil {
			_ = el.Close()
			return closeOnErr(err)
		}
	}

	appLog.Info("app configured",
		logx.String("config", cfgPath),
		logx.String("store", sc.Path),
		logx.String("instance", el.ID()),
		logx.String("leader_driver", lc.Driver),
		logx.Bool("scheduler", schedCfg.Enabled),
		logx.Bool("admin", cfg.Admin.Enabled),
	)
	return &App{
		cfgm:         cfgm,
		log:          appLog,
		logs:         logSvc,
		bus:          bus,
		store:        st,
		elector:      el,
		faults:       faults,
		reg:          reg,
		sched:        sched,
		admin:        admin.New(mapAdmin(cfg), sched, st, log),
		adminEnabled: cfg.Admin.Enabled,
	}, nil
}

// Registry lets embedding programs register task types before Start.
func (a *App) Registry() *registry.Registry { return a.reg }

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Store() *store.Store { return a.store }

func (a *App) Logger() logx.Logger { return a.log }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	cfg := a.cfgm.Get()
	if cfg.Scheduler.Enabled {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			a.sup.Cancel()
			return err
		}
	} else {
		a.log.Warn("scheduler disabled by config")
	}

	if a.adminEnabled {
		// Bind failures are retried with backoff; they never take the app down.
		a.sup.GoRestart("admin.http", a.admin.Run)
	}

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("counts", e.Counts))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig applies the live-reloadable sections of newCfg.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if config.RestartRequired(s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(newCfg))

	schedCfg, err := mapScheduler(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(schedCfg)
		running := a.sched.State() == scheduler.StateRunning
		switch {
		case running && !schedCfg.Enabled:
			a.log.Info("scheduler disabled via config")
			stopCtx, cancel := context.WithTimeout(ctx, schedCfg.StopTimeout+2*time.Second)
			_ = a.sched.Stop(stopCtx)
			cancel()
		case !running && schedCfg.Enabled:
			a.log.Info("scheduler enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Error("scheduler start failed", logx.Err(err))
			}
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts components down in dependency order. Each step is bounded so
// one component cannot stall the whole stop.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	stopTimeout := scheduler.DefaultStopTimeout
	if sc, err := mapScheduler(a.cfgm.Get()); err == nil && sc.StopTimeout > 0 {
		stopTimeout = sc.StopTimeout
	}
	step("scheduler", stopTimeout+5*time.Second, a.sched.Stop)
	step("supervisor", 3*time.Second, a.sup.Stop)
	step("leader", 2*time.Second, func(context.Context) error { return a.elector.Close() })
	step("store", 2*time.Second, func(context.Context) error { return a.store.Close() })

	h, alerts, suppressed := a.faults.Stats()
	gc := a.sup.Counters()
	a.log.Info("stopped",
		logx.Uint64("faults", h),
		logx.Uint64("alerts", alerts),
		logx.Uint64("alerts_suppressed", suppressed),
		logx.Int64("goroutines_active", gc.Active),
		logx.Uint64("goroutines_started", gc.Started),
	)
	_ = a.logs.Close()
	return errors.Join(errs...)
}

// OpenStore opens only the store of the given config, for offline
// maintenance commands.
func OpenStore(cfgPath string) (*store.Store, logx.Logger, error) {
	cfg, err := config.NewManager(cfgPath).Load()
	if err != nil {
		return nil, logx.Logger{}, err
	}
	log := logx.NewConsole(cfg.Logging.Level)
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, log, err
	}
	st, err := store.Open(sc, log.With(logx.String("comp", "store")))
	return st, log, err
}
