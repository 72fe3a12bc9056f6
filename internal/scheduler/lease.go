package scheduler

import (
	"sync"
	"time"
)

// LeaseTable guarantees at most one in-flight execution per task key within
// this process. Expired entries count as absent and are swept lazily.
type LeaseTable struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]time.Time
	now     func() time.Time
}

func NewLeaseTable(ttl time.Duration, now func() time.Time) *LeaseTable {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if now == nil {
		now = time.Now
	}
	return &LeaseTable{ttl: ttl, entries: map[string]time.Time{}, now: now}
}

// Acquire returns false while an unexpired lease exists for key.
func (l *LeaseTable) Acquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.sweepLocked(now)
	if _, held := l.entries[key]; held {
		return false
	}
	l.entries[key] = now.Add(l.ttl)
	return true
}

func (l *LeaseTable) Release(key string) {
	l.mu.Lock()
	delete(l.entries, key)
	l.mu.Unlock()
}

// Active is the number of unexpired leases.
func (l *LeaseTable) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
	return len(l.entries)
}

// Keys lists unexpired lease keys.
func (l *LeaseTable) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
	out := make([]string, 0, len(l.entries))
	for k := range l.entries {
		out = append(out, k)
	}
	return out
}

// SetTTL applies to leases acquired afterwards.
func (l *LeaseTable) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	l.mu.Lock()
	l.ttl = ttl
	l.mu.Unlock()
}

func (l *LeaseTable) sweepLocked(now time.Time) {
	for k, exp := range l.entries {
		if !now.Before(exp) {
			delete(l.entries, k)
		}
	}
}
