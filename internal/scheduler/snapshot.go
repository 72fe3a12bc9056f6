package scheduler

import (
	"context"
	"sort"
	"time"

	"cadence/internal/store"
)

type MonitorInfo struct {
	Tenant string    `json:"tenant"`
	Spec   string    `json:"spec"`
	Next   time.Time `json:"next"`
	Prev   time.Time `json:"prev"`
}

// Snapshot is a diagnostic view of the scheduler.
type Snapshot struct {
	State        State                 `json:"state"`
	Instance     string                `json:"instance"`
	Leader       bool                  `json:"leader"`
	Timezone     string                `json:"timezone"`
	StartedAt    time.Time             `json:"started_at"`
	Interval     time.Duration         `json:"interval"`
	MinInterval  time.Duration         `json:"min_interval"`
	MaxInterval  time.Duration         `json:"max_interval"`
	NextCheck    time.Time             `json:"next_check"`
	InFlight     int                   `json:"in_flight"`
	Limit        int                   `json:"limit"`
	ActiveLeases []string              `json:"active_leases"`
	Types        []string              `json:"types"`
	TotalChecks  uint64                `json:"total_checks"`
	LastCycle    *CycleSummary         `json:"last_cycle,omitempty"`
	PendingOnce  []store.OnceJob       `json:"pending_once"`
	Monitors     []MonitorInfo         `json:"monitors"`
	Cumulative   store.CumulativeStats `json:"cumulative"`
}

func (s *Service) Snapshot(ctx context.Context) Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		State:     s.state,
		StartedAt: s.startedAt,
	}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	c := s.c
	checkEntry := s.checkEntry
	monitors := make(map[string]monitorEntry, len(s.monitors))
	for k, v := range s.monitors {
		monitors[k] = v
	}
	s.mu.Unlock()

	snap.Instance = s.elector.ID()
	snap.Leader = s.isLeader.Load()
	snap.Interval = s.interval.Current()
	snap.MinInterval, snap.MaxInterval = s.interval.Bounds()
	snap.InFlight = s.limiter.InFlight()
	snap.Limit = s.limiter.Limit()
	snap.ActiveLeases = s.leases.Keys()
	sort.Strings(snap.ActiveLeases)
	snap.Types = s.reg.Types()
	snap.TotalChecks = s.totalChecks.Load()
	snap.LastCycle = s.lastCycle.Load()
	snap.PendingOnce = s.PendingOnce()
	sort.Slice(snap.PendingOnce, func(i, j int) bool { return snap.PendingOnce[i].RunAt.Before(snap.PendingOnce[j].RunAt) })

	if c != nil && checkEntry != 0 {
		snap.NextCheck = c.Entry(checkEntry).Next
	}
	for tenant, m := range monitors {
		mi := MonitorInfo{Tenant: tenant, Spec: m.spec}
		if c != nil {
			e := c.Entry(m.entry)
			mi.Next, mi.Prev = e.Next, e.Prev
		}
		snap.Monitors = append(snap.Monitors, mi)
	}
	sort.Slice(snap.Monitors, func(i, j int) bool { return snap.Monitors[i].Tenant < snap.Monitors[j].Tenant })

	if s.store != nil {
		if cs, err := s.store.Cumulative(ctx); err == nil {
			snap.Cumulative = cs
		}
	}
	return snap
}
