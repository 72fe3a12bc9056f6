package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"cadence/internal/eventbus"
	logx "cadence/pkg/logx"
)

// AppendEvent persists a scheduler event.
func (s *Store) AppendEvent(ctx context.Context, e eventbus.Event) error {
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO scheduler_events(event_type, at, counts, payload) VALUES(?,?,?,?)`,
		e.Type, ms(e.Time), counts, payload)
	return err
}

func jsonArg[M ~map[string]V, V any](m M) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// EventFilter narrows Events. Types empty means all types.
type EventFilter struct {
	Types []string
	Since time.Time
	Limit int
}

// Events returns persisted events in insertion order.
func (s *Store) Events(ctx context.Context, f EventFilter) ([]eventbus.Event, error) {
	q := `SELECT event_type, at, counts, payload FROM scheduler_events WHERE at >= ?`
	args := []any{ms(f.Since)}
	if len(f.Types) > 0 {
		q += ` AND event_type IN (?` + strings.Repeat(",?", len(f.Types)-1) + `)`
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	q += ` ORDER BY id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []eventbus.Event
	for rows.Next() {
		var (
			e               eventbus.Event
			at              int64
			counts, payload sql.NullString
		)
		if err := rows.Scan(&e.Type, &at, &counts, &payload); err != nil {
			return nil, err
		}
		e.Time = time.UnixMilli(at).UTC()
		if counts.Valid {
			if err := json.Unmarshal([]byte(counts.String), &e.Counts); err != nil {
				return nil, fmt.Errorf("decode event counts: %w", err)
			}
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("decode event payload: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OnceJob is a persisted one-time job whose outcome was never recorded.
type OnceJob struct {
	JobID       string         `json:"job_id"`
	Func        string         `json:"func"`
	RunAt       time.Time      `json:"run_at"`
	Args        map[string]any `json:"args,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at"`
}

// PendingOnceJobs folds the one-time job events into the jobs that were
// scheduled but never completed, failed or skipped. A later once_scheduled
// event for the same job id replaces the earlier one, and RunAt is always the
// originally requested fire time. Outcome events carrying a run_at only
// settle the scheduled run with that fire time.
func (s *Store) PendingOnceJobs(ctx context.Context) ([]OnceJob, error) {
	events, err := s.Events(ctx, EventFilter{Types: []string{
		eventbus.TypeOnceScheduled,
		eventbus.TypeOnceCompleted,
		eventbus.TypeOnceFailed,
		eventbus.TypeOnceSkipped,
	}})
	if err != nil {
		return nil, err
	}

	pending := map[string]OnceJob{}
	var order []string
	for _, e := range events {
		id, _ := e.Payload[eventbus.KeyJobID].(string)
		if id == "" {
			continue
		}
		if e.Type != eventbus.TypeOnceScheduled {
			// An outcome only settles the run it names; a replacement
			// scheduled while the old run was executing stays pending.
			if p, ok := pending[id]; ok {
				raw, _ := e.Payload[eventbus.KeyRunAt].(string)
				if raw == "" || raw == p.RunAt.UTC().Format(time.RFC3339Nano) {
					delete(pending, id)
				}
			}
			continue
		}
		j := OnceJob{JobID: id, ScheduledAt: e.Time}
		j.Func, _ = e.Payload[eventbus.KeyFunc].(string)
		if raw, _ := e.Payload[eventbus.KeyRunAt].(string); raw != "" {
			t, perr := time.Parse(time.RFC3339Nano, raw)
			if perr != nil {
				s.log.Warn("once job has invalid run_at; ignoring", logx.String("job_id", id), logx.Err(perr))
				continue
			}
			j.RunAt = t
		}
		if args, ok := e.Payload[eventbus.KeyArgs].(map[string]any); ok {
			j.Args = args
		}
		if _, seen := pending[id]; !seen {
			order = append(order, id)
		}
		pending[id] = j
	}

	out := make([]OnceJob, 0, len(pending))
	seen := map[string]bool{}
	for _, id := range order {
		j, ok := pending[id]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, j)
	}
	return out, nil
}
