package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"cadence/internal/fault"
	"cadence/internal/store"
	logx "cadence/pkg/logx"
)

type monitorEntry struct {
	spec  string
	entry cron.EntryID
}

// ScheduleMonitor persists a recurring tenant-scoped check cycle and arms it
// on the leader. spec is a cron expression or "@every <duration>".
func (s *Service) ScheduleMonitor(ctx context.Context, tenant, spec string) error {
	tenant = strings.TrimSpace(tenant)
	spec = strings.TrimSpace(spec)
	if tenant == "" {
		return fmt.Errorf("%w: tenant required", ErrInvalidSpec)
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSpec, spec, err)
	}
	if err := s.store.PutMonitorJob(ctx, store.MonitorJob{TenantID: tenant, Spec: spec, Enabled: true}); err != nil {
		return fault.New(fault.KindDatabase, "persist monitor job", err)
	}
	if s.isLeader.Load() {
		s.armMonitor(tenant, spec)
	}
	return nil
}

// RemoveMonitor deletes a tenant's monitor job.
func (s *Service) RemoveMonitor(ctx context.Context, tenant string) error {
	if err := s.store.DeleteMonitorJob(ctx, tenant); err != nil {
		return fault.New(fault.KindDatabase, "delete monitor job", err)
	}
	s.mu.Lock()
	if m, ok := s.monitors[tenant]; ok {
		if s.c != nil {
			s.c.Remove(m.entry)
		}
		delete(s.monitors, tenant)
	}
	s.mu.Unlock()
	return nil
}

func (s *Service) armMonitor(tenant, spec string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return
	}
	if m, ok := s.monitors[tenant]; ok {
		s.c.Remove(m.entry)
	}

	job := cron.NewChain(cron.SkipIfStillRunning(s.cronLog)).Then(cron.FuncJob(func() {
		s.RunCheck(s.context(), tenant)
	}))

	var sched cron.Schedule
	if rest, ok := strings.CutPrefix(spec, "@every"); ok {
		if every, err := time.ParseDuration(strings.TrimSpace(rest)); err == nil && every > 0 {
			// Cron runs on the wall clock, so the first fire time must too.
			sched, _ = spreadEvery(every, time.Now(), tenant)
		}
	}
	if sched == nil {
		parsed, err := s.parser.Parse(spec)
		if err != nil {
			s.log.Error("monitor spec invalid", logx.String("tenant", tenant), logx.String("spec", spec), logx.Err(err))
			return
		}
		sched = parsed
	}
	id := s.c.Schedule(sched, job)
	s.monitors[tenant] = monitorEntry{spec: spec, entry: id}
	s.log.Debug("monitor job armed", logx.String("tenant", tenant), logx.String("spec", spec), logx.Time("next", s.c.Entry(id).Next))
}

func (s *Service) restoreMonitors(ctx context.Context) {
	jobs, err := s.store.MonitorJobs(ctx)
	if err != nil {
		s.faults.Handle(ctx, fault.New(fault.KindDatabase, "load monitor jobs", err), nil)
		return
	}
	for _, j := range jobs {
		s.armMonitor(j.TenantID, j.Spec)
	}
	if len(jobs) > 0 {
		s.log.Info("monitor jobs restored", logx.Int("count", len(jobs)))
	}
}
