package scheduler

import "time"

const (
	DefaultMinInterval   = 15 * time.Minute
	DefaultMaxInterval   = 60 * time.Minute
	DefaultMaxConcurrent = 10
	DefaultLeaseTTL      = 900 * time.Second
	DefaultGracePeriod   = time.Hour
	DefaultStopTimeout   = 30 * time.Second
	DefaultLeaderTick    = 15 * time.Second
)

// Config controls the scheduler. Zero fields take the defaults above.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local

	MinInterval   time.Duration
	MaxInterval   time.Duration
	MaxConcurrent int
	LeaseTTL      time.Duration
	GracePeriod   time.Duration
	StopTimeout   time.Duration
	LeaderTick    time.Duration

	// ExecutionTimeout bounds one Execute call; 0 disables it.
	ExecutionTimeout time.Duration

	Retry   RetryPolicy
	CoolOff CoolOffPolicy
}

// RetryPolicy bounds automatic retries of retryable failures. A retry is
// scheduled while the task's consecutive failures do not exceed MaxAttempts.
type RetryPolicy struct {
	Enabled     bool
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

// CoolOffPolicy decides when a failing task needs a human.
type CoolOffPolicy struct {
	ConsecutiveFailures int
	RecentFailures      int
	Window              time.Duration
	Duration            time.Duration
}

func (c Config) normalized() Config {
	if c.MinInterval <= 0 {
		c.MinInterval = DefaultMinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = c.MinInterval
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = DefaultGracePeriod
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.LeaderTick <= 0 {
		c.LeaderTick = DefaultLeaderTick
	}
	if c.ExecutionTimeout < 0 {
		c.ExecutionTimeout = 0
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.MinDelay <= 0 {
		c.Retry.MinDelay = 30 * time.Second
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = time.Hour
	}
	if c.Retry.MaxDelay < c.Retry.MinDelay {
		c.Retry.MaxDelay = c.Retry.MinDelay
	}
	if c.CoolOff.ConsecutiveFailures <= 0 {
		c.CoolOff.ConsecutiveFailures = 5
	}
	if c.CoolOff.RecentFailures <= 0 {
		c.CoolOff.RecentFailures = 8
	}
	if c.CoolOff.Window <= 0 {
		c.CoolOff.Window = 24 * time.Hour
	}
	if c.CoolOff.Duration <= 0 {
		c.CoolOff.Duration = 24 * time.Hour
	}
	return c
}

// clamp bounds a retry delay to the policy.
func (p RetryPolicy) clamp(d time.Duration) time.Duration {
	if d < p.MinDelay {
		return p.MinDelay
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
