package leader

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/lib/pq"

	logx "cadence/pkg/logx"
)

// Postgres holds leadership as a session-level advisory lock. The lock lives
// as long as the dedicated connection, so a crashed leader frees it when its
// connection drops.
type Postgres struct {
	db     *sql.DB
	lockID int64
	id     string
	log    logx.Logger

	mu     sync.Mutex
	conn   *sql.Conn
	leader atomic.Bool
}

func newPostgres(cfg Config, log logx.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	return &Postgres{db: db, lockID: cfg.LockID, id: cfg.InstanceID, log: log}, nil
}

func (p *Postgres) Acquire(ctx context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil && p.leader.Load() {
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.conn.PingContext(pctx)
		cancel()
		if err == nil {
			return true, nil
		}
		p.log.Warn("postgres leader connection lost", logx.Err(err))
		p.dropConnLocked()
	}

	if p.conn == nil {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			return false, fmt.Errorf("postgres conn: %w", err)
		}
		p.conn = conn
	}

	var ok bool
	if err := p.conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, p.lockID).Scan(&ok); err != nil {
		p.dropConnLocked()
		return false, fmt.Errorf("postgres try lock: %w", err)
	}
	p.leader.Store(ok)
	return ok, nil
}

func (p *Postgres) Release(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.leader.Swap(false) || p.conn == nil {
		return nil
	}
	var released bool
	err := p.conn.QueryRowContext(ctx, `SELECT pg_advisory_unlock($1)`, p.lockID).Scan(&released)
	p.dropConnLocked()
	if err != nil {
		return fmt.Errorf("postgres unlock: %w", err)
	}
	return nil
}

func (p *Postgres) dropConnLocked() {
	p.leader.Store(false)
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *Postgres) IsLeader() bool { return p.leader.Load() }
func (p *Postgres) ID() string     { return p.id }

func (p *Postgres) Close() error {
	p.mu.Lock()
	p.dropConnLocked()
	p.mu.Unlock()
	return p.db.Close()
}
