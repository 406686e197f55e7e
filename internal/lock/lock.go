// Package lock serializes work per key, across processes when Redis is
// available and within the process otherwise.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Locker runs fn while holding the lock named key.
type Locker interface {
	WithLock(ctx context.Context, key string, fn func() error) error
}

const defaultTTL = 8 * time.Second

// RedisLocker uses redsync mutexes that expire after ttl. A held mutex is
// extended every ttl/2 until fn returns.
type RedisLocker struct {
	rs     *redsync.Redsync
	ttl    time.Duration
	logger zerolog.Logger
}

func NewRedisLocker(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		ttl:    ttl,
		logger: logger,
	}
}

func (l *RedisLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	mutex := l.rs.NewMutex("lock:"+key, redsync.WithExpiry(l.ttl))
	if err := mutex.LockContext(ctx); err != nil {
		return err
	}
	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			l.logger.Error().Err(err).Str("key", key).Msg("failed to unlock mutex")
		}
	}()
	stop := keepAlive(context.WithoutCancel(ctx), mutex, l.ttl/2, l.logger.With().Str("key", key).Logger())
	defer stop()
	return fn()
}

type extender interface {
	ExtendContext(ctx context.Context) (bool, error)
}

// keepAlive extends m every interval until the returned stop is called.
// stop waits for an in-flight extension to finish.
func keepAlive(ctx context.Context, m extender, interval time.Duration, logger zerolog.Logger) func() {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := m.ExtendContext(ctx)
				if err != nil || !ok {
					logger.Warn().Err(err).Msg("failed to extend mutex")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// LocalLocker is a keyed mutex for single-process deployments.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*entry)}
}

func (l *LocalLocker) WithLock(ctx context.Context, key string, fn func() error) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()
	defer l.release(key, e)

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.ch }()
	return fn()
}

func (l *LocalLocker) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}
