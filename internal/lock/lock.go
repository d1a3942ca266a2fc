// Package lock serializes work on a single work item.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Locker grants exclusive access to a key until the returned release func is called.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Local is an in-process keyed mutex. Entries are dropped once nobody holds or waits on them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{locks: make(map[string]*localEntry)}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.drop(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.drop(key, e)
		})
	}, nil
}

func (l *Local) drop(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Len reports how many keys are held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// ErrNotAcquired is returned when a Redis lease could not be taken before ctx expired.
var ErrNotAcquired = errors.New("lock not acquired")

type RedisConfig struct {
	KeyPrefix     string
	TTL           time.Duration
	RetryInterval time.Duration
}

// Redis is a lease lock shared by every workgate process pointed at the same Redis.
// The lease expires after TTL so a crashed holder cannot block a work item forever.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	logger *zap.Logger
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func NewRedis(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *Redis {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "workgate:lock:"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 10 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, cfg: cfg, logger: logger.With(zap.String("component", "lock"))}
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.cfg.KeyPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.cfg.RetryInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
			}
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotAcquired, key, ctx.Err())
		case <-ticker.C:
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// release must outlive a cancelled request context
			rctx, cancel := context.WithTimeout(context.Background(), r.cfg.TTL)
			defer cancel()
			if err := releaseScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
				r.logger.Warn("lock release failed", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}
