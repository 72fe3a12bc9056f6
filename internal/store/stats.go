package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"cadence/internal/eventbus"
)

// CumulativeStats is the running-total row. Check counters come from cycle
// events; success and failure counters from execution outcomes.
type CumulativeStats struct {
	TotalChecks     int64     `json:"total_checks"`
	TasksFound      int64     `json:"tasks_found"`
	TasksDispatched int64     `json:"tasks_dispatched"`
	TasksSkipped    int64     `json:"tasks_skipped"`
	LoaderErrors    int64     `json:"loader_errors"`
	TasksSucceeded  int64     `json:"tasks_succeeded"`
	TasksFailed     int64     `json:"tasks_failed"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// TenantStats is the per-tenant execution tally.
type TenantStats struct {
	TenantID      string     `json:"tenant_id"`
	Executions    int64      `json:"executions"`
	Successes     int64      `json:"successes"`
	Failures      int64      `json:"failures"`
	LastExecution *time.Time `json:"last_execution,omitempty"`
}

// RecordCycle persists a check_cycle event and adds its counts to the
// cumulative row in the same transaction.
func (s *Store) RecordCycle(ctx context.Context, e eventbus.Event) error {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	counts, err := jsonArg(e.Counts)
	if err != nil {
		return err
	}
	payload, err := jsonArg(e.Payload)
	if err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO scheduler_events(event_type, at, counts, payload) VALUES(?,?,?,?)`,
			e.Type, ms(e.Time), counts, payload); err != nil {
			return err
		}
		return addCumulative(ctx, tx, cycleDelta(e.Counts), s.now())
	})
}

func cycleDelta(c map[string]int) CumulativeStats {
	return CumulativeStats{
		TotalChecks:     1,
		TasksFound:      int64(c[eventbus.CountFound]),
		TasksDispatched: int64(c[eventbus.CountDispatched]),
		TasksSkipped:    int64(c[eventbus.CountSkipped]),
		LoaderErrors:    int64(c[eventbus.CountErrors]),
	}
}

func addCumulative(ctx context.Context, tx *sql.Tx, d CumulativeStats, now time.Time) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cumulative_stats(id, total_checks, tasks_found, tasks_dispatched, tasks_skipped, loader_errors, tasks_succeeded, tasks_failed, updated_at)
		VALUES(1,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			total_checks = total_checks + excluded.total_checks,
			tasks_found = tasks_found + excluded.tasks_found,
			tasks_dispatched = tasks_dispatched + excluded.tasks_dispatched,
			tasks_skipped = tasks_skipped + excluded.tasks_skipped,
			loader_errors = loader_errors + excluded.loader_errors,
			tasks_succeeded = tasks_succeeded + excluded.tasks_succeeded,
			tasks_failed = tasks_failed + excluded.tasks_failed,
			updated_at = excluded.updated_at`,
		d.TotalChecks, d.TasksFound, d.TasksDispatched, d.TasksSkipped, d.LoaderErrors,
		d.TasksSucceeded, d.TasksFailed, ms(now))
	return err
}

func applyOutcome(ctx context.Context, tx *sql.Tx, o outcome, now time.Time) error {
	d := CumulativeStats{}
	succ, fail := 0, 0
	if o.success {
		d.TasksSucceeded = 1
		succ = 1
	} else {
		d.TasksFailed = 1
		fail = 1
	}
	if err := addCumulative(ctx, tx, d, now); err != nil {
		return err
	}
	if o.tenant == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO tenant_stats(tenant_id, executions, successes, failures, last_execution)
		VALUES(?,1,?,?,?)
		ON CONFLICT(tenant_id) DO UPDATE SET
			executions = executions + 1,
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			last_execution = excluded.last_execution`,
		o.tenant, succ, fail, ms(o.at))
	return err
}

// Cumulative returns the running totals (zero when nothing was recorded).
func (s *Store) Cumulative(ctx context.Context) (CumulativeStats, error) {
	var (
		c       CumulativeStats
		updated int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT total_checks, tasks_found, tasks_dispatched, tasks_skipped, loader_errors, tasks_succeeded, tasks_failed, updated_at
		FROM cumulative_stats WHERE id = 1`).Scan(
		&c.TotalChecks, &c.TasksFound, &c.TasksDispatched, &c.TasksSkipped, &c.LoaderErrors,
		&c.TasksSucceeded, &c.TasksFailed, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return CumulativeStats{}, nil
	}
	if err != nil {
		return CumulativeStats{}, err
	}
	c.UpdatedAt = time.UnixMilli(updated).UTC()
	return c, nil
}

// RebuildCumulativeStats recomputes the running totals from the check_cycle
// events and the execution logs and overwrites the row.
func (s *Store) RebuildCumulativeStats(ctx context.Context) (CumulativeStats, error) {
	events, err := s.Events(ctx, EventFilter{Types: []string{eventbus.TypeCheckCycle}})
	if err != nil {
		return CumulativeStats{}, err
	}
	var c CumulativeStats
	for _, e := range events {
		d := cycleDelta(e.Counts)
		c.TotalChecks += d.TotalChecks
		c.TasksFound += d.TasksFound
		c.TasksDispatched += d.TasksDispatched
		c.TasksSkipped += d.TasksSkipped
		c.LoaderErrors += d.LoaderErrors
	}
	err = s.db.QueryRowContext(ctx, `SELECT
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM execution_logs`, LogSuccess, LogFailed).Scan(&c.TasksSucceeded, &c.TasksFailed)
	if err != nil {
		return CumulativeStats{}, err
	}
	c.UpdatedAt = s.now().UTC()

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM cumulative_stats`); err != nil {
			return err
		}
		return addCumulative(ctx, tx, c, c.UpdatedAt)
	})
	if err != nil {
		return CumulativeStats{}, err
	}
	return c, nil
}

// TenantStatsFor returns the tally of one tenant, or ErrNotFound.
func (s *Store) TenantStatsFor(ctx context.Context, tenant string) (TenantStats, error) {
	var (
		ts   = TenantStats{TenantID: tenant}
		last sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `SELECT executions, successes, failures, last_execution FROM tenant_stats WHERE tenant_id = ?`, tenant).
		Scan(&ts.Executions, &ts.Successes, &ts.Failures, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return TenantStats{}, ErrNotFound
	}
	if err != nil {
		return TenantStats{}, err
	}
	ts.LastExecution = timeFromNull(last)
	return ts, nil
}
