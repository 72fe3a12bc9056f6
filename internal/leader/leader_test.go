package leader

import (
	"context"
	"testing"
	"time"

	logx "cadence/pkg/logx"
)

func TestLocalAlwaysLeads(t *testing.T) {
	t.Parallel()
	l := NewLocal("")
	if l.IsLeader() {
		t.Fatalf("leader before first acquire")
	}
	ok, err := l.Acquire(context.Background())
	if err != nil || !ok || !l.IsLeader() {
		t.Fatalf("acquire ok=%v err=%v", ok, err)
	}
	if err := l.Release(context.Background()); err != nil || l.IsLeader() {
		t.Fatalf("release err=%v leader=%v", err, l.IsLeader())
	}
	if l.ID() == "" {
		t.Fatalf("expected generated id")
	}
}

func TestNewDriverSelection(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default local", Config{}, false},
		{"explicit local", Config{Driver: "LOCAL"}, false},
		{"redis without addr", Config{Driver: "redis"}, true},
		{"postgres without dsn", Config{Driver: "postgres"}, true},
		{"unknown", Config{Driver: "zookeeper"}, true},
		{"redis lazy connect", Config{Driver: "redis", RedisAddr: "127.0.0.1:1", TTL: time.Second}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			el, err := New(tc.cfg, logx.Nop())
			if (err != nil) != tc.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tc.wantErr)
			}
			if el != nil {
				_ = el.Close()
			}
		})
	}
}

func TestRedisStepsDownWhenUnreachable(t *testing.T) {
	t.Parallel()
	el, err := New(Config{Driver: "redis", RedisAddr: "127.0.0.1:1", InstanceID: "a"}, logx.Nop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer el.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ok, err := el.Acquire(ctx)
	if ok || err == nil {
		t.Fatalf("acquire against closed port ok=%v err=%v", ok, err)
	}
	if el.IsLeader() {
		t.Fatalf("must not be leader")
	}
	if el.ID() != "a" {
		t.Fatalf("id=%s", el.ID())
	}
}
