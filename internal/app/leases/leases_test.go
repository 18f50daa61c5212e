package leases

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStore(rdb, "test:"), mr
}

func TestRedisStore_AcquireRelease(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "room1", "relay-a", time.Minute))
	assert.True(t, mr.Exists("test:handles:room1"))

	assert.ErrorIs(t, s.Acquire(ctx, "room1", "relay-b", time.Minute), ErrTaken)

	holder, err := mr.Get("test:handles:room1")
	require.NoError(t, err)
	assert.Equal(t, "relay-a", holder)

	// Someone else's release leaves the lease alone.
	require.NoError(t, s.Release(ctx, "room1", "relay-b"))
	assert.True(t, mr.Exists("test:handles:room1"))

	require.NoError(t, s.Release(ctx, "room1", "relay-a"))
	assert.False(t, mr.Exists("test:handles:room1"))

	require.NoError(t, s.Acquire(ctx, "room1", "relay-b", time.Minute))
}

func TestRedisStore_ReacquireRefreshes(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "room1", "relay-a", 10*time.Second))
	require.NoError(t, s.Acquire(ctx, "room1", "relay-a", time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("test:handles:room1"))
}

func TestRedisStore_Expiry(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, s.Acquire(ctx, "room1", "relay-a", 5*time.Second))
	mr.FastForward(6 * time.Second)

	assert.False(t, mr.Exists("test:handles:room1"))
	require.NoError(t, s.Acquire(ctx, "room1", "relay-b", 5*time.Second))
}

func TestRedisStore_ReleaseMissing(t *testing.T) {
	s, _ := newStore(t)
	assert.NoError(t, s.Release(context.Background(), "nothing", "relay-a"))
}

func TestNewRedisStore_DefaultPrefix(t *testing.T) {
	s := NewRedisStore(nil, "  ")
	assert.Equal(t, "signaller:handles:abc", s.leaseKey("abc"))
}
