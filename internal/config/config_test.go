package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func write(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestParseJSONAndYAMLAgree(t *testing.T) {
	jsonPath := write(t, "c.json", `{"scheduler":{"enabled":true,"max_concurrent":4,"cool_off":{"consecutive_failures":6}},"leader":{"driver":"redis","redis":{"addr":"127.0.0.1:6379"}}}`)
	yamlPath := write(t, "c.yaml", "scheduler:\n  enabled: true\n  max_concurrent: 4\n  cool_off:\n    consecutive_failures: 6\nleader:\n  driver: redis\n  redis:\n    addr: 127.0.0.1:6379\n")

	a, err := NewManager(jsonPath).Parse()
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	b, err := NewManager(yamlPath).Parse()
	if err != nil {
		t.Fatalf("yaml: %v", err)
	}
	if sections, _ := SummarizeConfigChange(a, b); len(sections) != 0 {
		t.Fatalf("json and yaml differ in %v", sections)
	}
	if b.Scheduler.MaxConcurrent != 4 || b.Scheduler.CoolOff.ConsecutiveFailures != 6 || b.Leader.Redis.Addr != "127.0.0.1:6379" {
		t.Fatalf("parsed=%+v", b)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	p := write(t, "c.json", `{"scheduler":{"workers":2}}`)
	if _, err := NewManager(p).Parse(); err == nil || !strings.Contains(err.Error(), "workers") {
		t.Fatalf("err=%v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CADENCE_MAX_CONCURRENT", "12")
	t.Setenv("CADENCE_ADMIN_TOKEN", "tok")
	t.Setenv("CADENCE_LEADER_DRIVER", "postgres")
	p := write(t, "c.yaml", "scheduler:\n  max_concurrent: 2\nadmin:\n  enabled: true\n")

	cfg, err := NewManager(p).Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Scheduler.MaxConcurrent != 12 || cfg.Admin.Token != "tok" || cfg.Leader.Driver != "postgres" || !cfg.Admin.Enabled {
		t.Fatalf("cfg=%+v", cfg)
	}
}

func TestSummarizeHidesSecrets(t *testing.T) {
	t.Parallel()
	old := &Config{}
	cur := &Config{Admin: AdminConfig{Token: "super-secret"}, Leader: LeaderConfig{Redis: RedisConfig{Password: "hunter2"}}}
	sections, _ := SummarizeConfigChange(old, cur)
	if strings.Join(sections, ",") != "leader,admin" {
		t.Fatalf("sections=%v", sections)
	}
	for _, s := range sections {
		if !RestartRequired(s) {
			t.Fatalf("%s should require restart", s)
		}
	}
	if RestartRequired("scheduler") || RestartRequired("logging") {
		t.Fatalf("live sections marked restart-only")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{" 15m ", 15 * time.Minute, false},
		{"-1s", 0, true},
		{"later", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("x", tt.raw)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseDurationField(%q)=(%v,%v)", tt.raw, got, err)
		}
	}
	if d, _ := ParseDurationOrDefault("x", "", time.Second); d != time.Second {
		t.Fatalf("default=%v", d)
	}
}
