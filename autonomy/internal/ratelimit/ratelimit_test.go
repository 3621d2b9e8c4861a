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

func newRedisLimiter(t *testing.T) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisLimiter(client, nil), mr
}

func TestRedisLimiterFixedWindow(t *testing.T) {
	l, mr := newRedisLimiter(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		d, err := l.Allow(ctx, "automations:c1", 2, time.Hour)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, i, d.Count)
		assert.Equal(t, 2-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "automations:c1", 2, time.Hour)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.WithinDuration(t, time.Now().Add(time.Hour), d.ResetAt, time.Minute)

	assert.True(t, mr.Exists("rl:automations:c1"))
	assert.Equal(t, time.Hour, mr.TTL("rl:automations:c1"))

	mr.FastForward(time.Hour + time.Second)
	d, err = l.Allow(ctx, "automations:c1", 2, time.Hour)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Count)
}

func TestRedisLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newRedisLimiter(t)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a", 1, time.Minute)
	d, _ := l.Allow(ctx, "a", 1, time.Minute)
	assert.False(t, d.Allowed)

	d, err := l.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiterFallsBackWhenRedisIsDown(t *testing.T) {
	l, mr := newRedisLimiter(t)
	mr.Close()

	d, err := l.Allow(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = l.Allow(context.Background(), "k", 1, time.Minute)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

func TestUnlimited(t *testing.T) {
	l, mr := newRedisLimiter(t)
	d, err := l.Allow(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.False(t, mr.Exists("rl:k"))

	d, err = NewInMemoryLimiter().Allow(context.Background(), "k", -1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestInMemoryLimiterWindowReset(t *testing.T) {
	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	l := NewInMemoryLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "k", 3, time.Hour)
	}
	d, _ := l.Allow(ctx, "k", 3, time.Hour)
	if d.Allowed || d.Count != 4 {
		t.Fatalf("expected fourth call to be rejected, got %+v", d)
	}
	if !d.ResetAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected reset %v", d.ResetAt)
	}

	now = now.Add(time.Hour)
	d, _ = l.Allow(ctx, "k", 3, time.Hour)
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected a fresh window, got %+v", d)
	}
}
