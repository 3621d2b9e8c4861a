// Package ratelimit counts events in fixed windows per key.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultPrefix = "rl:"

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Count     int       `json:"count"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
}

// Limiter admits at most limit events per key per window. A limit of zero or
// less is unlimited.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: count <= limit, Count: count, Limit: limit, Remaining: remaining, ResetAt: resetAt}
}

func unlimited(now time.Time) Decision {
	return Decision{Allowed: true, Limit: -1, Remaining: -1, ResetAt: now}
}

// fixedWindowScript increments KEYS[1] and starts its window on the first hit.
// ARGV[1] = window in milliseconds. Returns {count, pttl}.
var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
    ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisLimiter shares counters across replicas. When Redis cannot be reached
// it degrades to a process-local InMemoryLimiter.
type RedisLimiter struct {
	client   *redis.Client
	prefix   string
	fallback *InMemoryLimiter
	logger   *slog.Logger
	now      func() time.Time
}

func NewRedisLimiter(client *redis.Client, logger *slog.Logger) *RedisLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:   client,
		prefix:   DefaultPrefix,
		fallback: NewInMemoryLimiter(),
		logger:   logger.With("component", "ratelimit"),
		now:      time.Now,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	now := l.now()
	if limit <= 0 {
		return unlimited(now), nil
	}
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + key}, window.Milliseconds()).Int64Slice()
	if err != nil || len(res) != 2 {
		if err == nil {
			err = fmt.Errorf("unexpected script reply %v", res)
		}
		l.logger.Warn("redis limiter unavailable, using local counters", "key", key, "error", err)
		return l.fallback.Allow(ctx, key, limit, window)
	}
	return decide(int(res[0]), limit, now.Add(time.Duration(res[1])*time.Millisecond)), nil
}

// InMemoryLimiter keeps fixed-window counters in process memory.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{windows: make(map[string]*window), now: time.Now}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int, win time.Duration) (Decision, error) {
	now := l.now()
	if limit <= 0 {
		return unlimited(now), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(win)}
		l.windows[key] = w
		l.sweep(now)
	}
	w.count++
	return decide(w.count, limit, w.resetAt), nil
}

// sweep drops expired windows. Called with mu held.
func (l *InMemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, k)
		}
	}
}

var (
	_ Limiter = (*RedisLimiter)(nil)
	_ Limiter = (*InMemoryLimiter)(nil)
)
