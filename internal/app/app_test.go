package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cadence/internal/config"
	"cadence/internal/executors/httpcheck"
	"cadence/internal/scheduler"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	body = strings.ReplaceAll(body, "$DIR", dir)
	path := filepath.Join(dir, "cadence.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const baseConfig = `
logging:
  level: error
  console: true
storage:
  driver: sqlite
  path: $DIR/cadence.db
scheduler:
  enabled: true
  min_interval: 1h
  max_interval: 2h
  max_concurrent: 3
  retry:
    enabled: true
    max_attempts: 2
leader:
  tick: 1h
executors:
  http_check:
    enabled: true
    timeout: 5s
`

func TestAppLifecycle(t *testing.T) {
	a, err := New(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if types := a.Registry().Types(); len(types) != 1 || types[0] != httpcheck.TaskType {
		t.Fatalf("types=%v", types)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	snap := a.Scheduler().Snapshot(ctx)
	if snap.State != scheduler.StateRunning || !snap.Leader || snap.Limit != 3 || snap.Interval != 2*time.Hour {
		t.Fatalf("snapshot=%+v", snap)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, "test"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if a.Scheduler().State() != scheduler.StateStopped {
		t.Fatalf("state=%s", a.Scheduler().State())
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown field", "storage:\n  path: $DIR/x.db\nbogus: 1\n", "bogus"},
		{"bad duration", "storage:\n  path: $DIR/x.db\nscheduler:\n  min_interval: soon\n", "scheduler.min_interval"},
		{"bad timezone", "storage:\n  path: $DIR/x.db\nscheduler:\n  timezone: Mars/Olympus\n", "scheduler.timezone"},
		{"redis without addr", "storage:\n  path: $DIR/x.db\nleader:\n  driver: redis\n", "leader.redis.addr"},
		{"inverted bounds", "storage:\n  path: $DIR/x.db\nscheduler:\n  min_interval: 2h\n  max_interval: 1h\n", "max_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err=%v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestMapScheduler(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			Enabled:          true,
			MinInterval:      "10m",
			MaxInterval:      "45m",
			ExecutionTimeout: "2m",
			Retry:            config.RetryConfig{Enabled: true, MinDelay: "1m", MaxDelay: "30m"},
			CoolOff:          config.CoolOffConfig{ConsecutiveFailures: 3, Window: "12h"},
		},
		Leader: config.LeaderConfig{Tick: "5s"},
	}
	got, err := mapScheduler(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.MinInterval != 10*time.Minute || got.MaxInterval != 45*time.Minute || got.ExecutionTimeout != 2*time.Minute {
		t.Fatalf("intervals=%+v", got)
	}
	if got.Retry.MinDelay != time.Minute || got.Retry.MaxDelay != 30*time.Minute || got.CoolOff.Window != 12*time.Hour {
		t.Fatalf("policies=%+v %+v", got.Retry, got.CoolOff)
	}
	if got.LeaderTick != 5*time.Second || got.CoolOff.ConsecutiveFailures != 3 {
		t.Fatalf("tick=%v cooloff=%+v", got.LeaderTick, got.CoolOff)
	}
}
