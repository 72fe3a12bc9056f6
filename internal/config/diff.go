package config

import (
	"reflect"
	"strings"

	logx "cadence/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets (redis password, DSN, admin token)
// are never included; only whether they are set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	fields := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		fields = append(fields,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		fields = append(fields,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", strings.TrimSpace(newCfg.Storage.Path)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		s := newCfg.Scheduler
		fields = append(fields,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.min_interval", s.MinInterval),
			logx.String("scheduler.max_interval", s.MaxInterval),
			logx.Int("scheduler.max_concurrent", s.MaxConcurrent),
			logx.Bool("scheduler.retry_enabled", s.Retry.Enabled),
			logx.Int("scheduler.cool_off_consecutive", s.CoolOff.ConsecutiveFailures),
		)
	}

	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		fields = append(fields,
			logx.String("leader.driver", newCfg.Leader.Driver),
			logx.String("leader.tick", newCfg.Leader.Tick),
			logx.Bool("leader.redis_password_set", newCfg.Leader.Redis.Password != ""),
			logx.Bool("leader.postgres_dsn_set", newCfg.Leader.Postgres.DSN != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Admin, newCfg.Admin) {
		changed = append(changed, "admin")
		fields = append(fields,
			logx.Bool("admin.enabled", newCfg.Admin.Enabled),
			logx.String("admin.addr", newCfg.Admin.Addr),
			logx.Bool("admin.token_set", newCfg.Admin.Token != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Faults, newCfg.Faults) {
		changed = append(changed, "faults")
		fields = append(fields,
			logx.Float64("faults.alert_rate", newCfg.Faults.AlertRate),
			logx.Int("faults.alert_burst", newCfg.Faults.AlertBurst),
		)
	}

	if !reflect.DeepEqual(oldCfg.Executors, newCfg.Executors) {
		changed = append(changed, "executors")
	}

	return changed, fields
}

// RestartRequired reports sections whose changes only take effect after a restart.
func RestartRequired(section string) bool {
	switch section {
	case "storage", "leader", "admin", "faults", "executors":
		return true
	}
	return false
}
