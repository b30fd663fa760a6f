package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r := NewRedis(RedisOptions{Addr: mr.Addr(), OpTimeout: 500 * time.Millisecond})
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedis_GetSetTTL(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	_, err := r.Get(ctx, "active_session:u1")
	assert.ErrorIs(t, err, ErrMiss)

	require.NoError(t, r.Set(ctx, "active_session:u1", `{"userId":"u1"}`, time.Minute))

	v, err := r.Get(ctx, "active_session:u1")
	require.NoError(t, err)
	assert.Equal(t, `{"userId":"u1"}`, v)

	ttl, err := r.TTL(ctx, "active_session:u1")
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 1)

	mr.FastForward(time.Minute)
	_, err = r.Get(ctx, "active_session:u1")
	assert.ErrorIs(t, err, ErrMiss)

	_, err = r.TTL(ctx, "active_session:u1")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedis_TTLWithoutExpiry(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Set(ctx, "k", "v", 0))
	ttl, err := r.TTL(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, NoExpiry, ttl)
}

func TestRedis_SetNXAndCompareAndDelete(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	ok, err := r.SetNX(ctx, "lock:milking:u1", "tok-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.SetNX(ctx, "lock:milking:u1", "tok-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.CompareAndDelete(ctx, "lock:milking:u1", "tok-b")
	require.NoError(t, err)
	assert.False(t, ok, "stale lease must not release the current holder")

	ok, err = r.CompareAndDelete(ctx, "lock:milking:u1", "tok-a")
	require.NoError(t, err)
	assert.True(t, ok)

	exists, err := r.Exists(ctx, "lock:milking:u1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedis_Del(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRedis(t)

	require.NoError(t, r.Set(ctx, "k", "v", time.Minute))
	ok, err := r.Del(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Del(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedis_ServerGone(t *testing.T) {
	ctx := context.Background()
	r, mr := newTestRedis(t)

	mr.Close()

	assert.Error(t, r.Ping(ctx))
	_, err := r.Get(ctx, "k")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrMiss)
}
