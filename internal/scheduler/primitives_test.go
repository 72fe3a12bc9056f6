package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLeaseTableExclusiveUntilExpiry(t *testing.T) {
	t.Parallel()
	clk := newClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	l := NewLeaseTable(time.Minute, clk.Now)

	if !l.Acquire("audit:1") {
		t.Fatalf("first acquire failed")
	}
	if l.Acquire("audit:1") {
		t.Fatalf("second acquire succeeded while held")
	}
	if !l.Acquire("audit:2") {
		t.Fatalf("other key blocked")
	}
	if got := l.Active(); got != 2 {
		t.Fatalf("active=%d", got)
	}

	clk.Advance(time.Minute)
	if !l.Acquire("audit:1") {
		t.Fatalf("expired lease still blocks")
	}
	l.Release("audit:1")
	if got := l.Keys(); len(got) != 0 {
		t.Fatalf("keys=%v", got)
	}
}

func TestCapLimiter(t *testing.T) {
	t.Parallel()
	c := newCapLimiter(2)
	if !c.TryAcquire() || !c.TryAcquire() {
		t.Fatalf("acquire under limit failed")
	}
	if c.TryAcquire() {
		t.Fatalf("acquire over limit succeeded")
	}
	c.SetLimit(3)
	if !c.TryAcquire() {
		t.Fatalf("raised limit not applied")
	}
	c.Release()
	c.Release()
	c.Release()
	c.Release()
	if got := c.InFlight(); got != 0 {
		t.Fatalf("in flight=%d", got)
	}
}

func TestIntervalManagerFollowsWorkload(t *testing.T) {
	t.Parallel()
	var signal int
	var fail bool
	m := NewIntervalManager(15*time.Minute, time.Hour, func(context.Context) (int, error) {
		if fail {
			return 0, errors.New("db down")
		}
		return signal, nil
	})
	ctx := context.Background()

	d, err := m.Evaluate(ctx)
	if err != nil || d.Current != time.Hour || !d.Changed || d.Previous != 0 {
		t.Fatalf("initial=%+v err=%v", d, err)
	}
	d, _ = m.Evaluate(ctx)
	if d.Changed {
		t.Fatalf("unchanged workload reported a change: %+v", d)
	}

	signal = 3
	d, _ = m.Evaluate(ctx)
	if d.Current != 15*time.Minute || !d.Changed || d.Signal != 3 {
		t.Fatalf("priority workload=%+v", d)
	}

	fail = true
	d, err = m.Evaluate(ctx)
	if err == nil || d.Current != 15*time.Minute || d.Changed {
		t.Fatalf("sampling error=%+v err=%v", d, err)
	}

	fail = false
	signal = 0
	m.SetBounds(10*time.Minute, 2*time.Hour)
	d, _ = m.Evaluate(ctx)
	if d.Current != 2*time.Hour {
		t.Fatalf("new bounds not applied: %+v", d)
	}
}

func TestPlanOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		runAt  time.Time
		action onceAction
		delay  time.Duration
	}{
		{"future keeps original time", now.Add(90 * time.Minute), onceAtTime, 90 * time.Minute},
		{"missed within grace", now.Add(-30 * time.Minute), onceRunNow, 0},
		{"exactly at grace", now.Add(-time.Hour), onceRunNow, 0},
		{"too stale", now.Add(-61 * time.Minute), onceStale, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, delay := planOnce(tt.runAt, now, time.Hour)
			if action != tt.action || delay != tt.delay {
				t.Fatalf("got (%v, %v), want (%v, %v)", action, delay, tt.action, tt.delay)
			}
		})
	}
}

func TestShouldCoolOff(t *testing.T) {
	t.Parallel()
	p := Config{}.normalized().CoolOff
	tests := []struct {
		consecutive, recent int
		want                bool
	}{
		{1, 1, false},
		{4, 7, false},
		{5, 5, true},
		{1, 8, true},
		{9, 0, true},
	}
	for _, tt := range tests {
		if got := shouldCoolOff(p, tt.consecutive, tt.recent); got != tt.want {
			t.Fatalf("shouldCoolOff(%d,%d)=%v", tt.consecutive, tt.recent, got)
		}
	}
	// Once tripped, more failures never un-trip it.
	for c := p.ConsecutiveFailures; c < p.ConsecutiveFailures+10; c++ {
		if !shouldCoolOff(p, c, 0) {
			t.Fatalf("not monotonic at %d", c)
		}
	}
}

func TestRetryClamp(t *testing.T) {
	t.Parallel()
	p := Config{}.normalized().Retry
	if got := p.clamp(0); got != 30*time.Second {
		t.Fatalf("low clamp=%v", got)
	}
	if got := p.clamp(300 * time.Second); got != 300*time.Second {
		t.Fatalf("in range=%v", got)
	}
	if got := p.clamp(3 * time.Hour); got != time.Hour {
		t.Fatalf("high clamp=%v", got)
	}
}

func TestSpreadEveryDelaysOnlyFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	sched, jitter := spreadEvery(time.Hour, now, "tenant-a")
	if jitter < 0 || jitter >= maxStartupSpread {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if want := now.Add(time.Hour + jitter); !first.Equal(want) {
		t.Fatalf("first=%v want %v", first, want)
	}
	second := sched.Next(first)
	if want := cron.Every(time.Hour).Next(first); !second.Equal(want) {
		t.Fatalf("second=%v want %v", second, want)
	}
}
