package store

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"cadence/internal/task"
)

// Session is an isolated unit of work for one execution. It is not safe for
// concurrent use; each execution opens its own.
//
// Reads go to the database immediately. Task mutations, execution logs and
// statistics deltas are buffered on the session and written in one short
// transaction by Commit.
type Session struct {
	store *Store
	ctx   context.Context

	mu     sync.Mutex
	closed bool
	tasks  map[string]*task.Task
	order  []string
	logs   []ExecutionLog
	stats  []outcome
}

type outcome struct {
	tenant  string
	success bool
	at      time.Time
}

// OpenSession starts a new unit of work bound to ctx. It fails when the
// database is unreachable.
func (s *Store) OpenSession(ctx context.Context) (*Session, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Session{store: s, ctx: ctx, tasks: map[string]*task.Task{}}, nil
}

// Merge attaches a task that was loaded elsewhere. It returns the
// session-owned instance for the same identity: the current persisted row if
// there is one, otherwise a copy of t. The caller's value is never mutated.
func (ss *Session) Merge(t *task.Task) (*task.Task, error) {
	if t == nil {
		return nil, errors.New("merge: nil task")
	}
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, ErrSessionClosed
	}
	if cur, ok := ss.tasks[t.Key()]; ok {
		return cur, nil
	}
	cur, err := getTask(ss.ctx, ss.store.db, t.Type, t.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		cur = t.Clone()
	case err != nil:
		return nil, err
	}
	ss.track(cur)
	return cur, nil
}

// Get loads a task into the session by identity.
func (ss *Session) Get(taskType, id string) (*task.Task, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil, ErrSessionClosed
	}
	if cur, ok := ss.tasks[task.Key(taskType, id)]; ok {
		return cur, nil
	}
	cur, err := getTask(ss.ctx, ss.store.db, taskType, id)
	if err != nil {
		return nil, err
	}
	ss.track(cur)
	return cur, nil
}

func (ss *Session) track(t *task.Task) {
	ss.tasks[t.Key()] = t
	ss.order = append(ss.order, t.Key())
}

// AppendLog buffers an execution log row. A missing ID is generated on commit.
func (ss *Session) AppendLog(l ExecutionLog) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.logs = append(ss.logs, l)
	return nil
}

// RecordOutcome buffers one execution outcome for the cumulative and tenant
// statistics.
func (ss *Session) RecordOutcome(tenant string, success bool, at time.Time) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	ss.stats = append(ss.stats, outcome{tenant: tenant, success: success, at: at})
	return nil
}

// RecentFailures counts failed attempts of a task since the given time,
// including failures buffered on this session, and returns up to five
// distinct error messages as signatures.
func (ss *Session) RecentFailures(taskType, id string, since time.Time) (int, []string, error) {
	ss.mu.Lock()
	pending := make([]ExecutionLog, len(ss.logs))
	copy(pending, ss.logs)
	closed := ss.closed
	ss.mu.Unlock()
	if closed {
		return 0, nil, ErrSessionClosed
	}

	n, sigs, err := ss.store.recentFailures(ss.ctx, taskType, id, since)
	if err != nil {
		return 0, nil, err
	}
	for _, l := range pending {
		if l.TaskType != taskType || l.TaskID != id || l.Status != LogFailed || l.StartedAt.Before(since) {
			continue
		}
		n++
		sigs = addSignature(sigs, l.Error)
	}
	return n, sigs, nil
}

// Commit writes every tracked task and buffered row in one transaction. The
// session stays usable afterwards; buffered rows are cleared on success.
func (ss *Session) Commit() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return ErrSessionClosed
	}
	now := ss.store.now()
	// Commit must land even when the execution context was canceled during
	// shutdown, otherwise a finished task would stay in running.
	ctx := context.WithoutCancel(ss.ctx)
	err := ss.store.withTx(ctx, func(tx *sql.Tx) error {
		for _, k := range ss.order {
			if err := writeTask(ctx, tx, ss.tasks[k], now); err != nil {
				return err
			}
		}
		for i := range ss.logs {
			if err := insertExecutionLog(ctx, tx, &ss.logs[i]); err != nil {
				return err
			}
		}
		for _, o := range ss.stats {
			if err := applyOutcome(ctx, tx, o, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	ss.logs = nil
	ss.stats = nil
	return nil
}

// Rollback discards tracked tasks and buffered rows.
func (ss *Session) Rollback() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.tasks = map[string]*task.Task{}
	ss.order = nil
	ss.logs = nil
	ss.stats = nil
}

// Close discards anything not committed. It is safe to call more than once.
func (ss *Session) Close() error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if ss.closed {
		return nil
	}
	ss.closed = true
	ss.tasks = nil
	ss.order = nil
	ss.logs = nil
	ss.stats = nil
	return nil
}
