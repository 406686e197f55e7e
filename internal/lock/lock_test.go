package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseLocker(t *testing.T, l Locker) {
	t.Helper()
	var (
		inside  int32
		maxSeen int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(context.Background(), "conversation:1", func() error {
				n := atomic.AddInt32(&inside, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				atomic.AddInt32(&inside, -1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxSeen))
}

func TestLocalLockerSerializes(t *testing.T) {
	l := NewLocalLocker()
	exerciseLocker(t, l)
	assert.Empty(t, l.locks)
}

func TestLocalLockerIndependentKeys(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "a", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	done := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "b", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on b blocked by a")
	}
	close(release)
}

func TestLocalLockerHonoursContext(t *testing.T) {
	l := NewLocalLocker()
	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = l.WithLock(context.Background(), "k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WithLock(ctx, "k", func() error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestRedisLockerSerializes(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
	exerciseLocker(t, NewRedisLocker(client, 5*time.Second, zerolog.Nop()))
}

type countingExtender struct {
	calls atomic.Int32
	fail  bool
}

func (e *countingExtender) ExtendContext(context.Context) (bool, error) {
	e.calls.Add(1)
	if e.fail {
		return false, errors.New("lock lost")
	}
	return true, nil
}

func TestKeepAliveExtendsUntilStopped(t *testing.T) {
	ext := &countingExtender{}
	stop := keepAlive(context.Background(), ext, 10*time.Millisecond, zerolog.Nop())
	require.Eventually(t, func() bool { return ext.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
	after := ext.calls.Load()
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, after, ext.calls.Load())
}

func TestKeepAliveSurvivesFailedExtension(t *testing.T) {
	ext := &countingExtender{fail: true}
	stop := keepAlive(context.Background(), ext, 5*time.Millisecond, zerolog.Nop())
	require.Eventually(t, func() bool { return ext.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestRedisLockerHoldsPastTTL(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(context.Background()).Err())
	l := NewRedisLocker(client, 300*time.Millisecond, zerolog.Nop())

	started := make(chan struct{})
	release := make(chan struct{})
	held := make(chan error, 1)
	go func() {
		held <- l.WithLock(context.Background(), "conversation:ttl", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	time.Sleep(600 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()
	var entered atomic.Bool
	err := l.WithLock(ctx, "conversation:ttl", func() error {
		entered.Store(true)
		return nil
	})
	assert.Error(t, err)
	assert.False(t, entered.Load())
	close(release)
	require.NoError(t, <-held)
}
