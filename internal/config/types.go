package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "15m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Leader    LeaderConfig    `json:"leader"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Faults    FaultsConfig    `json:"faults,omitempty"`
	Executors ExecutorsConfig `json:"executors,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/cadence.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// SchedulerConfig controls the check cycle, dispatch and failure policies.
//
// Defaults (when fields are omitted/zero):
//   - min_interval: "15m", max_interval: "60m"
//   - max_concurrent: 10
//   - lease_ttl: "15m"
//   - grace_period: "1h"
//   - stop_timeout: "30s"
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	MinInterval   string `json:"min_interval,omitempty"`
	MaxInterval   string `json:"max_interval,omitempty"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
	LeaseTTL      string `json:"lease_ttl,omitempty"`
	GracePeriod   string `json:"grace_period,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`

	// ExecutionTimeout bounds a single Execute call. "0s" disables it.
	ExecutionTimeout string `json:"execution_timeout,omitempty"`

	Retry   RetryConfig   `json:"retry"`
	CoolOff CoolOffConfig `json:"cool_off"`
}

type RetryConfig struct {
	Enabled     bool   `json:"enabled"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	MinDelay    string `json:"min_delay,omitempty"`
	MaxDelay    string `json:"max_delay,omitempty"`
}

// CoolOffConfig tunes the failure-pattern detector.
type CoolOffConfig struct {
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	RecentFailures      int    `json:"recent_failures,omitempty"`
	Window              string `json:"window,omitempty"`
	Duration            string `json:"duration,omitempty"`
}

// LeaderConfig selects the leadership backend.
//
// Driver values:
//   - "local" (default): single instance, always leader
//   - "redis": SET NX PX lock renewed every tick
//   - "postgres": session-level advisory lock
type LeaderConfig struct {
	Driver   string         `json:"driver,omitempty"`
	Tick     string         `json:"tick,omitempty"`
	TTL      string         `json:"ttl,omitempty"`
	Key      string         `json:"key,omitempty"`
	Redis    RedisConfig    `json:"redis,omitempty"`
	Postgres PostgresConfig `json:"postgres,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}

type PostgresConfig struct {
	DSN    string `json:"dsn,omitempty"`
	LockID int64  `json:"lock_id,omitempty"`
}

// AdminConfig controls the optional operator HTTP surface.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8089"); set a token otherwise.
type AdminConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"`
	Token     string `json:"token,omitempty"`
	Profiling bool   `json:"profiling,omitempty"`
}

// FaultsConfig throttles persisted alerts. Zero alert_rate means unlimited.
type FaultsConfig struct {
	AlertRate  float64 `json:"alert_rate,omitempty"`
	AlertBurst int     `json:"alert_burst,omitempty"`
}

type ExecutorsConfig struct {
	HTTPCheck HTTPCheckConfig `json:"http_check,omitempty"`
}

type HTTPCheckConfig struct {
	Enabled   bool   `json:"enabled"`
	Timeout   string `json:"timeout,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}
