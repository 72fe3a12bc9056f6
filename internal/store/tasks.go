package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cadence/internal/task"
	"cadence/internal/task/registry"
)

const taskColumns = `task_type, id, tenant_id, status, priority, frequency, next_execution,
	last_executed, last_success, last_failure, consecutive_failures, failure_reason,
	failure_pattern, payload, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                                     task.Task
		status, priority, frequency           string
		next, lastExec, lastSuccess, lastFail sql.NullInt64
		reason, pattern, payload              sql.NullString
		created, updated                      int64
	)
	if err := r.Scan(&t.Type, &t.ID, &t.TenantID, &status, &priority, &frequency, &next,
		&lastExec, &lastSuccess, &lastFail, &t.ConsecutiveFailures, &reason,
		&pattern, &payload, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = task.Status(status)
	t.Priority = task.Priority(priority)
	t.Frequency = task.Frequency(frequency)
	t.NextExecution = timeFromNull(next)
	t.LastExecuted = timeFromNull(lastExec)
	t.LastSuccess = timeFromNull(lastSuccess)
	t.LastFailure = timeFromNull(lastFail)
	t.FailureReason = reason.String
	if pattern.Valid && pattern.String != "" {
		var fp task.FailurePattern
		if err := json.Unmarshal([]byte(pattern.String), &fp); err != nil {
			return nil, fmt.Errorf("decode failure_pattern %s: %w", t.Key(), err)
		}
		t.FailurePattern = &fp
	}
	if payload.Valid && payload.String != "" {
		t.Payload = json.RawMessage(payload.String)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return &t, nil
}

func encodePattern(fp *task.FailurePattern) (any, error) {
	if fp == nil {
		return nil, nil
	}
	b, err := json.Marshal(fp)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func payloadArg(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

// CreateTask inserts a new task. Owning features create tasks; the scheduler
// never does. Missing status, priority and frequency get their defaults.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	if t == nil || t.Type == "" || t.ID == "" {
		return errors.New("task type and id are required")
	}
	now := s.now()
	if t.Status == "" {
		t.Status = task.StatusActive
	}
	if t.Priority == "" {
		t.Priority = task.PriorityNormal
	}
	if t.Frequency == "" {
		t.Frequency = task.Daily
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	pattern, err := encodePattern(t.FailurePattern)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.Type, t.ID, t.TenantID, string(t.Status), string(t.Priority), string(t.Frequency),
		nullTime(t.NextExecution), nullTime(t.LastExecuted), nullTime(t.LastSuccess), nullTime(t.LastFailure),
		t.ConsecutiveFailures, nullStr(t.FailureReason), pattern, payloadArg(t.Payload),
		ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}

// GetTask loads one task by identity. It returns ErrNotFound when absent.
func (s *Store) GetTask(ctx context.Context, taskType, id string) (*task.Task, error) {
	return getTask(ctx, s.db, taskType, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTask(ctx context.Context, q querier, taskType, id string) (*task.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_type = ? AND id = ?`, taskType, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// Filter narrows ListTasks. Empty fields match everything.
type Filter struct {
	Type   string
	Tenant string
	Status task.Status
	Limit  int
}

func (s *Store) ListTasks(ctx context.Context, f Filter) ([]*task.Task, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.Type)
	}
	if f.Tenant != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.Tenant)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY task_type, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryTasks(ctx, q, args...)
}

// DueTasks returns tasks of taskType whose status permits automatic execution
// and whose next_execution is unset or not after now, oldest first. tenant
// scopes the result to one tenant when non-empty.
func (s *Store) DueTasks(ctx context.Context, taskType, tenant string, now time.Time) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE task_type = ? AND status IN (?, ?)
		  AND (next_execution IS NULL OR next_execution <= ?)`
	args := []any{taskType, string(task.StatusActive), string(task.StatusFailed), ms(now)}
	if tenant != "" {
		q += ` AND tenant_id = ?`
		args = append(args, tenant)
	}
	q += ` ORDER BY next_execution IS NOT NULL, next_execution, id`
	return s.queryTasks(ctx, q, args...)
}

// DueLoader adapts DueTasks to the registry's loader contract.
func (s *Store) DueLoader(taskType string) registry.Loader {
	return func(ctx context.Context, tenant string) ([]*task.Task, error) {
		return s.DueTasks(ctx, taskType, tenant, s.now())
	}
}

func (s *Store) queryTasks(ctx context.Context, q string, args ...any) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountPriorityTenants is the interval manager's workload signal: the number
// of distinct tenants owning at least one high-priority task that is due.
func (s *Store) CountPriorityTenants(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT tenant_id) FROM tasks
		WHERE priority = ? AND status IN (?, ?)
		  AND (next_execution IS NULL OR next_execution <= ?)`,
		string(task.PriorityHigh), string(task.StatusActive), string(task.StatusFailed), ms(s.now()),
	).Scan(&n)
	return n, err
}

// RecoverRunning returns tasks left in running status by a crashed process
// to active. Their next_execution is kept, so due ones run on the next cycle.
func (s *Store) RecoverRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ?, updated_at = ? WHERE status = ?`,
		string(task.StatusActive), ms(s.now()), string(task.StatusRunning))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// writeTask persists the scheduler-owned columns of t. Rows that do not
// exist yet are inserted whole.
func writeTask(ctx context.Context, tx *sql.Tx, t *task.Task, now time.Time) error {
	pattern, err := encodePattern(t.FailurePattern)
	if err != nil {
		return err
	}
	t.UpdatedAt = now
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(task_type, id) DO UPDATE SET
			status = excluded.status,
			next_execution = excluded.next_execution,
			last_executed = excluded.last_executed,
			last_success = excluded.last_success,
			last_failure = excluded.last_failure,
			consecutive_failures = excluded.consecutive_failures,
			failure_reason = excluded.failure_reason,
			failure_pattern = excluded.failure_pattern,
			updated_at = excluded.updated_at`,
		t.Type, t.ID, t.TenantID, string(t.Status), string(t.Priority), string(t.Frequency),
		nullTime(t.NextExecution), nullTime(t.LastExecuted), nullTime(t.LastSuccess), nullTime(t.LastFailure),
		t.ConsecutiveFailures, nullStr(t.FailureReason), pattern, payloadArg(t.Payload),
		ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}
