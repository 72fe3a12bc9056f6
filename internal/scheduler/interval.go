package scheduler

import (
	"context"
	"sync"
	"time"
)

// WorkloadFunc reports how many tenants currently need tight polling.
type WorkloadFunc func(ctx context.Context) (int, error)

// IntervalDecision is the outcome of one interval evaluation.
type IntervalDecision struct {
	Previous time.Duration
	Current  time.Duration
	Signal   int
	Changed  bool
}

// IntervalManager picks the check period: the minimum while there is
// priority workload, the maximum otherwise. It only reports a change when the
// target differs from the current period.
type IntervalManager struct {
	mu       sync.Mutex
	lo, hi   time.Duration
	current  time.Duration
	workload WorkloadFunc
}

func NewIntervalManager(minInterval, maxInterval time.Duration, workload WorkloadFunc) *IntervalManager {
	if minInterval <= 0 {
		minInterval = DefaultMinInterval
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	return &IntervalManager{lo: minInterval, hi: maxInterval, workload: workload}
}

// Evaluate samples the workload signal and moves the current interval to the
// target. On a sampling error the current interval is kept (or initialized to
// the maximum) and the error is returned.
func (m *IntervalManager) Evaluate(ctx context.Context) (IntervalDecision, error) {
	signal := 0
	var err error
	if m.workload != nil {
		signal, err = m.workload(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.current
	if err != nil {
		if m.current == 0 {
			m.current = m.hi
		}
		return IntervalDecision{Previous: prev, Current: m.current, Changed: prev != m.current}, err
	}

	target := m.hi
	if signal > 0 {
		target = m.lo
	}
	d := IntervalDecision{Previous: prev, Current: target, Signal: signal, Changed: target != prev}
	m.current = target
	return d, nil
}

func (m *IntervalManager) Current() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetBounds changes min and max. The next Evaluate applies them.
func (m *IntervalManager) SetBounds(minInterval, maxInterval time.Duration) {
	if minInterval <= 0 {
		return
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}
	m.mu.Lock()
	m.lo, m.hi = minInterval, maxInterval
	m.mu.Unlock()
}

func (m *IntervalManager) Bounds() (time.Duration, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lo, m.hi
}
