package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	LogSuccess = "success"
	LogFailed  = "failed"
	LogSkipped = "skipped"
)

// ExecutionLog is one attempt of one task. Rows are append-only.
type ExecutionLog struct {
	ID         string          `json:"id"`
	TaskType   string          `json:"task_type"`
	TaskID     string          `json:"task_id"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Trigger    string          `json:"trigger"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Duration   time.Duration   `json:"duration"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func insertExecutionLog(ctx context.Context, tx *sql.Tx, l *ExecutionLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.FinishedAt.IsZero() {
		l.FinishedAt = l.StartedAt.Add(l.Duration)
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO execution_logs(id, task_type, task_id, tenant_id, triggered_by, status, started_at, finished_at, duration_ms, result, error)
		VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.TaskType, l.TaskID, l.TenantID, l.Trigger, l.Status,
		ms(l.StartedAt), ms(l.FinishedAt), l.Duration.Milliseconds(),
		payloadArg(l.Result), nullStr(l.Error),
	)
	return err
}

// ExecutionLogs returns the newest attempts of a task first.
func (s *Store) ExecutionLogs(ctx context.Context, taskType, id string, limit int) ([]ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_type, task_id, tenant_id, triggered_by, status, started_at, finished_at, duration_ms, result, error
		FROM execution_logs WHERE task_type = ? AND task_id = ?
		ORDER BY started_at DESC, rowid DESC LIMIT ?`, taskType, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionLog
	for rows.Next() {
		var (
			l                 ExecutionLog
			started, finished int64
			durMS             int64
			result, errText   sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TaskType, &l.TaskID, &l.TenantID, &l.Trigger, &l.Status,
			&started, &finished, &durMS, &result, &errText); err != nil {
			return nil, err
		}
		l.StartedAt = time.UnixMilli(started).UTC()
		l.FinishedAt = time.UnixMilli(finished).UTC()
		l.Duration = time.Duration(durMS) * time.Millisecond
		if result.Valid {
			l.Result = json.RawMessage(result.String)
		}
		l.Error = errText.String
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) recentFailures(ctx context.Context, taskType, id string, since time.Time) (int, []string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT COALESCE(error, '') FROM execution_logs
		WHERE task_type = ? AND task_id = ? AND status = ? AND started_at >= ?
		ORDER BY started_at DESC`, taskType, id, LogFailed, ms(since))
	if err != nil {
		return 0, nil, err
	}
	defer rows.Close()
	var (
		n    int
		sigs []string
	)
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return 0, nil, err
		}
		n++
		sigs = addSignature(sigs, e)
	}
	return n, sigs, rows.Err()
}

const (
	maxSignatures   = 5
	signatureMaxLen = 120
)

// addSignature appends a normalized error message if it is new.
func addSignature(sigs []string, msg string) []string {
	msg = strings.Join(strings.Fields(msg), " ")
	if msg == "" || len(sigs) >= maxSignatures {
		return sigs
	}
	if len(msg) > signatureMaxLen {
		msg = msg[:signatureMaxLen]
	}
	for _, s := range sigs {
		if s == msg {
			return sigs
		}
	}
	return append(sigs, msg)
}
