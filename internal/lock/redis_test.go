package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedis(rdb, "lock:", 10*time.Second, nil), mr
}

func TestRedis_AcquireAndRelease(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	unlock, err := l.Acquire(ctx, "slot:r1", time.Second)
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:slot:r1"))

	_, err = l.Acquire(ctx, "slot:r1", 60*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	unlock()
	assert.False(t, mr.Exists("lock:slot:r1"))

	again, err := l.Acquire(ctx, "slot:r1", 60*time.Millisecond)
	require.NoError(t, err)
	again()
}

func TestRedis_ExpiredHolderCannotReleaseSuccessor(t *testing.T) {
	l, mr := newRedisLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "payment:res-1", time.Second)
	require.NoError(t, err)

	mr.FastForward(11 * time.Second)

	second, err := l.Acquire(ctx, "payment:res-1", time.Second)
	require.NoError(t, err)

	first()
	assert.True(t, mr.Exists("lock:payment:res-1"), "successor lock must survive a stale release")

	second()
	assert.False(t, mr.Exists("lock:payment:res-1"))
}

func TestRedis_KeysAreIndependent(t *testing.T) {
	l, _ := newRedisLocker(t)
	ctx := context.Background()

	a, err := l.Acquire(ctx, "slot:r1:2026-11-02:19:00", time.Second)
	require.NoError(t, err)
	defer a()
	b, err := l.Acquire(ctx, "slot:r2:2026-11-02:19:00", 10*time.Millisecond)
	require.NoError(t, err)
	b()
}
