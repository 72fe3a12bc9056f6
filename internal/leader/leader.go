// Package leader decides which scheduler instance owns the check cycle.
//
// Every instance calls Acquire on each leadership tick; it both acquires and
// renews. Only the instance for which Acquire reports true arms the check job.
package leader

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	logx "cadence/pkg/logx"
)

type Elector interface {
	// Acquire acquires or renews leadership and reports whether this instance
	// is the leader afterwards.
	Acquire(ctx context.Context) (bool, error)
	// Release gives leadership up if held.
	Release(ctx context.Context) error
	IsLeader() bool
	// ID identifies this instance in logs and lock values.
	ID() string
	Close() error
}

type Config struct {
	Driver     string
	Key        string
	TTL        time.Duration
	InstanceID string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PostgresDSN string
	LockID      int64
}

const (
	DefaultKey    = "cadence:scheduler:leader"
	DefaultTTL    = 30 * time.Second
	DefaultLockID = 0x63616465 // "cade"
)

// New builds the configured elector. An empty driver means local.
func New(cfg Config, log logx.Logger) (Elector, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.Key == "" {
		cfg.Key = DefaultKey
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.LockID == 0 {
		cfg.LockID = DefaultLockID
	}
	log = log.With(logx.String("comp", "leader"), logx.String("instance", cfg.InstanceID))

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "local":
		return NewLocal(cfg.InstanceID), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("leader: redis addr is required")
		}
		return newRedis(cfg, log), nil
	case "postgres", "postgresql":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("leader: postgres dsn is required")
		}
		return newPostgres(cfg, log)
	default:
		return nil, errors.New("leader: unknown driver: " + cfg.Driver)
	}
}

// Local is the single-instance elector: Acquire always succeeds.
type Local struct {
	id     string
	leader atomic.Bool
}

func NewLocal(id string) *Local {
	if id == "" {
		id = uuid.NewString()
	}
	return &Local{id: id}
}

func (l *Local) Acquire(context.Context) (bool, error) {
	l.leader.Store(true)
	return true, nil
}

func (l *Local) Release(context.Context) error {
	l.leader.Store(false)
	return nil
}

func (l *Local) IsLeader() bool { return l.leader.Load() }
func (l *Local) ID() string     { return l.id }
func (l *Local) Close() error   { return nil }
