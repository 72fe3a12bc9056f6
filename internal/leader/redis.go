package leader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	logx "cadence/pkg/logx"
)

// Renew and release only touch the key when it still holds our value.
var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)
)

// Redis holds leadership as a SET NX PX lock whose value is the instance id.
type Redis struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	id     string
	log    logx.Logger
	leader atomic.Bool
}

func newRedis(cfg Config, log logx.Logger) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return &Redis{rdb: rdb, key: cfg.Key, ttl: cfg.TTL, id: cfg.InstanceID, log: log}
}

func (r *Redis) Acquire(ctx context.Context) (bool, error) {
	if r.leader.Load() {
		n, err := renewScript.Run(ctx, r.rdb, []string{r.key}, r.id, r.ttl.Milliseconds()).Int()
		if err != nil {
			// The lock may still be ours but we cannot prove it; step down.
			r.leader.Store(false)
			return false, fmt.Errorf("redis renew: %w", err)
		}
		if n == 1 {
			return true, nil
		}
		r.leader.Store(false)
		r.log.Warn("redis leadership lost", logx.String("key", r.key))
	}

	ok, err := r.rdb.SetNX(ctx, r.key, r.id, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis acquire: %w", err)
	}
	if !ok {
		// A restarted instance may find its own unexpired value.
		cur, gerr := r.rdb.Get(ctx, r.key).Result()
		if gerr != nil && !errors.Is(gerr, redis.Nil) {
			return false, fmt.Errorf("redis get: %w", gerr)
		}
		ok = cur == r.id
	}
	r.leader.Store(ok)
	return ok, nil
}

func (r *Redis) Release(ctx context.Context) error {
	if !r.leader.Swap(false) {
		return nil
	}
	if err := releaseScript.Run(ctx, r.rdb, []string{r.key}, r.id).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis release: %w", err)
	}
	return nil
}

func (r *Redis) IsLeader() bool { return r.leader.Load() }
func (r *Redis) ID() string     { return r.id }
func (r *Redis) Close() error   { return r.rdb.Close() }
