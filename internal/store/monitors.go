package store

import (
	"context"
	"time"
)

// MonitorJob is a recurring tenant-scoped check cycle.
type MonitorJob struct {
	TenantID  string    `json:"tenant_id"`
	Spec      string    `json:"spec"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PutMonitorJob creates or replaces the monitor job of a tenant.
func (s *Store) PutMonitorJob(ctx context.Context, j MonitorJob) error {
	now := s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO monitor_jobs(tenant_id, spec, enabled, created_at, updated_at)
		VALUES(?,?,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET spec = excluded.spec, enabled = excluded.enabled, updated_at = excluded.updated_at`,
		j.TenantID, j.Spec, j.Enabled, ms(now), ms(now))
	return err
}

func (s *Store) DeleteMonitorJob(ctx context.Context, tenant string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM monitor_jobs WHERE tenant_id = ?`, tenant)
	return err
}

// MonitorJobs returns the enabled monitor jobs.
func (s *Store) MonitorJobs(ctx context.Context) ([]MonitorJob, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, spec, enabled, created_at, updated_at
		FROM monitor_jobs WHERE enabled = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MonitorJob
	for rows.Next() {
		var (
			j                MonitorJob
			created, updated int64
		)
		if err := rows.Scan(&j.TenantID, &j.Spec, &j.Enabled, &created, &updated); err != nil {
			return nil, err
		}
		j.CreatedAt = time.UnixMilli(created).UTC()
		j.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, j)
	}
	return out, rows.Err()
}
