package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"cadence/internal/fault"
)

// AppendAlert persists a fault alert. It satisfies fault.AlertSink.
func (s *Store) AppendAlert(ctx context.Context, a fault.Alert) error {
	details, err := jsonArg(a.Details)
	if err != nil {
		return err
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now()
	}
	_, err = s.db.ExecContext(context.WithoutCancel(ctx), `INSERT INTO alerts(id, kind, severity, op, task_type, task_id, message, error, details, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		a.ID, string(a.Kind), a.Severity, nullStr(a.Op), nullStr(a.TaskType), nullStr(a.TaskID),
		a.Message, nullStr(a.Error), details, ms(a.CreatedAt))
	return err
}

// Alerts returns the newest alerts first.
func (s *Store) Alerts(ctx context.Context, limit int) ([]fault.Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, kind, severity, op, task_type, task_id, message, error, details, created_at
		FROM alerts ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []fault.Alert
	for rows.Next() {
		var (
			a                             fault.Alert
			kind                          string
			op, taskType, taskID, errText sql.NullString
			details                       sql.NullString
			created                       int64
		)
		if err := rows.Scan(&a.ID, &kind, &a.Severity, &op, &taskType, &taskID, &a.Message, &errText, &details, &created); err != nil {
			return nil, err
		}
		a.Kind = fault.Kind(kind)
		a.Op, a.TaskType, a.TaskID, a.Error = op.String, taskType.String, taskID.String, errText.String
		if details.Valid {
			_ = json.Unmarshal([]byte(details.String), &a.Details)
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}
