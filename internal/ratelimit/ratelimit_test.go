package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_IncrAndReset(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, s.Reset(ctx, "k"))

	n, err = s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestMemoryStore_WindowExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Incr(ctx, "k", 10*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "expired window should start over")
}

func TestRedisStore_Incr(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := NewRedisStore(client, "test:")

	n, err := s.Incr(ctx, "mfa:abc", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = s.Incr(ctx, "mfa:abc", 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// TTL set on first increment, not refreshed on subsequent ones.
	ttl := mr.TTL("test:mfa:abc")
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, s.Reset(ctx, "mfa:abc"))
	assert.False(t, mr.Exists("test:mfa:abc"))
}

func TestRedisStore_WindowExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	s := NewRedisStore(client, "test:")

	_, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	n, err := s.Incr(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
