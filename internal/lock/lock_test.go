package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exercise(t *testing.T, l Locker) {
	t.Helper()
	ctx := context.Background()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(ctx, "issue-1")
			if !assert.NoError(t, err) {
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxInside)
}

func TestLocalSerializesSameKey(t *testing.T) {
	l := NewLocal()
	exercise(t, l)
	assert.Equal(t, 0, l.Len())
}

func TestLocalDistinctKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()
	r1, err := l.Lock(ctx, "a")
	require.NoError(t, err)
	r2, err := l.Lock(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
	r1()
	r2()
	r2()
	assert.Equal(t, 0, l.Len())
}

func TestLocalHonoursContext(t *testing.T) {
	l := NewLocal()
	release, err := l.Lock(context.Background(), "a")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, l.Len())
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *Redis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedis(client, RedisConfig{TTL: 5 * time.Second, RetryInterval: time.Millisecond}, zap.NewNop())
}

func TestRedisSerializesSameKey(t *testing.T) {
	mr, l := setupRedis(t)
	exercise(t, l)
	assert.False(t, mr.Exists("workgate:lock:issue-1"))
}

func TestRedisTimesOutWhileHeld(t *testing.T) {
	mr, l := setupRedis(t)
	release, err := l.Lock(context.Background(), "issue-1")
	require.NoError(t, err)
	assert.True(t, mr.Exists("workgate:lock:issue-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "issue-1")
	assert.True(t, errors.Is(err, ErrNotAcquired))

	release()
	assert.False(t, mr.Exists("workgate:lock:issue-1"))
}

func TestRedisReleaseKeepsForeignLease(t *testing.T) {
	mr, l := setupRedis(t)
	release, err := l.Lock(context.Background(), "issue-1")
	require.NoError(t, err)

	// lease expired and another process took it
	mr.FastForward(10 * time.Second)
	require.NoError(t, mr.Set("workgate:lock:issue-1", "someone-else"))

	release()
	v, err := mr.Get("workgate:lock:issue-1")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", v)
}
