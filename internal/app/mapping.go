package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cadence/internal/admin"
	"cadence/internal/config"
	"cadence/internal/executors/httpcheck"
	"cadence/internal/fault"
	"cadence/internal/leader"
	"cadence/internal/scheduler"
	"cadence/internal/store"
	logx "cadence/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorage(cfg *config.Config) (store.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		path = "./data/cadence.db"
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, 5*time.Second)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
}

func mapScheduler(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	if sc.MaxConcurrent < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_concurrent must be >= 0")
	}
	if sc.Retry.MaxAttempts < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.retry.max_attempts must be >= 0")
	}
	if sc.CoolOff.ConsecutiveFailures < 0 || sc.CoolOff.RecentFailures < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.cool_off thresholds must be >= 0")
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}

	out := scheduler.Config{
		Enabled:       sc.Enabled,
		Timezone:      sc.Timezone,
		MaxConcurrent: sc.MaxConcurrent,
		Retry: scheduler.RetryPolicy{
			Enabled:     sc.Retry.Enabled,
			MaxAttempts: sc.Retry.MaxAttempts,
		},
		CoolOff: scheduler.CoolOffPolicy{
			ConsecutiveFailures: sc.CoolOff.ConsecutiveFailures,
			RecentFailures:      sc.CoolOff.RecentFailures,
		},
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"scheduler.min_interval", sc.MinInterval, &out.MinInterval},
		{"scheduler.max_interval", sc.MaxInterval, &out.MaxInterval},
		{"scheduler.lease_ttl", sc.LeaseTTL, &out.LeaseTTL},
		{"scheduler.grace_period", sc.GracePeriod, &out.GracePeriod},
		{"scheduler.stop_timeout", sc.StopTimeout, &out.StopTimeout},
		{"scheduler.execution_timeout", sc.ExecutionTimeout, &out.ExecutionTimeout},
		{"scheduler.retry.min_delay", sc.Retry.MinDelay, &out.Retry.MinDelay},
		{"scheduler.retry.max_delay", sc.Retry.MaxDelay, &out.Retry.MaxDelay},
		{"scheduler.cool_off.window", sc.CoolOff.Window, &out.CoolOff.Window},
		{"scheduler.cool_off.duration", sc.CoolOff.Duration, &out.CoolOff.Duration},
		{"leader.tick", cfg.Leader.Tick, &out.LeaderTick},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		*d.dst = v
	}
	if out.MinInterval > 0 && out.MaxInterval > 0 && out.MaxInterval < out.MinInterval {
		return scheduler.Config{}, fmt.Errorf("scheduler.max_interval must be >= scheduler.min_interval")
	}
	return out, nil
}

func mapLeader(cfg *config.Config) (leader.Config, error) {
	lc := cfg.Leader
	ttl, err := config.ParseDurationField("leader.ttl", lc.TTL)
	if err != nil {
		return leader.Config{}, err
	}
	out := leader.Config{
		Driver:        strings.ToLower(strings.TrimSpace(lc.Driver)),
		Key:           lc.Key,
		TTL:           ttl,
		RedisAddr:     lc.Redis.Addr,
		RedisPassword: lc.Redis.Password,
		RedisDB:       lc.Redis.DB,
		PostgresDSN:   lc.Postgres.DSN,
		LockID:        lc.Postgres.LockID,
	}
	switch out.Driver {
	case "", "local":
	case "redis":
		if strings.TrimSpace(out.RedisAddr) == "" {
			return leader.Config{}, fmt.Errorf("leader.redis.addr is required when leader.driver=redis")
		}
	case "postgres":
		if strings.TrimSpace(out.PostgresDSN) == "" {
			return leader.Config{}, fmt.Errorf("leader.postgres.dsn is required when leader.driver=postgres")
		}
	default:
		return leader.Config{}, fmt.Errorf("unknown leader.driver: %s", lc.Driver)
	}
	return out, nil
}

func mapAdmin(cfg *config.Config) admin.Config {
	return admin.Config{
		Addr:      cfg.Admin.Addr,
		Token:     cfg.Admin.Token,
		Profiling: cfg.Admin.Profiling,
	}
}

func mapFaults(cfg *config.Config) (fault.HandlerOptions, error) {
	if cfg.Faults.AlertRate < 0 || cfg.Faults.AlertBurst < 0 {
		return fault.HandlerOptions{}, fmt.Errorf("faults.alert_rate and faults.alert_burst must be >= 0")
	}
	return fault.HandlerOptions{AlertRate: cfg.Faults.AlertRate, AlertBurst: cfg.Faults.AlertBurst}, nil
}

func mapHTTPCheck(cfg *config.Config) (httpcheck.Config, error) {
	hc := cfg.Executors.HTTPCheck
	timeout, err := config.ParseDurationField("executors.http_check.timeout", hc.Timeout)
	if err != nil {
		return httpcheck.Config{}, err
	}
	return httpcheck.Config{Timeout: timeout, UserAgent: hc.UserAgent}, nil
}

// validate rejects a config before it is committed on hot reload.
func validate(_ context.Context, cfg *config.Config) error {
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapScheduler(cfg); err != nil {
		return err
	}
	if _, err := mapLeader(cfg); err != nil {
		return err
	}
	if _, err := mapFaults(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPCheck(cfg); err != nil {
		return err
	}
	return nil
}
