package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zettelhub/platform/autonomy/internal/models"
)

// notFoundMarker is cached for tenants and actors without a stored record, so
// lookups that fall back to defaults do not reach Postgres on every decision.
const notFoundMarker = "-"

// CachedPolicies is a read-through Redis cache in front of a PolicyRepository.
// Only policies and profiles are cached; actor and counter lookups pass through.
type CachedPolicies struct {
	PolicyRepository
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *slog.Logger
}

func NewCachedPolicies(repo PolicyRepository, client *redis.Client, ttl time.Duration, logger *slog.Logger) *CachedPolicies {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedPolicies{
		PolicyRepository: repo,
		client:           client,
		ttl:              ttl,
		prefix:           "autonomy:",
		logger:           logger.With("component", "policy-cache"),
	}
}

func (c *CachedPolicies) policyKey(tenantID string) string { return c.prefix + "policy:" + tenantID }
func (c *CachedPolicies) profileKey(actorID string) string { return c.prefix + "profile:" + actorID }

func (c *CachedPolicies) GetPolicy(ctx context.Context, tenantID string) (models.Policy, error) {
	var p models.Policy
	hit, err := c.lookup(ctx, c.policyKey(tenantID), &p)
	if hit {
		if err != nil {
			return models.Policy{}, err
		}
		return p, nil
	}
	p, err = c.PolicyRepository.GetPolicy(ctx, tenantID)
	c.fill(ctx, c.policyKey(tenantID), p, err)
	return p, err
}

func (c *CachedPolicies) GetProfile(ctx context.Context, actorID string) (models.AttentionProfile, error) {
	var p models.AttentionProfile
	hit, err := c.lookup(ctx, c.profileKey(actorID), &p)
	if hit {
		if err != nil {
			return models.AttentionProfile{}, err
		}
		return p, nil
	}
	p, err = c.PolicyRepository.GetProfile(ctx, actorID)
	c.fill(ctx, c.profileKey(actorID), p, err)
	return p, err
}

func (c *CachedPolicies) InvalidatePolicy(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, c.policyKey(tenantID)).Err()
}

func (c *CachedPolicies) InvalidateProfile(ctx context.Context, actorID string) error {
	return c.client.Del(ctx, c.profileKey(actorID)).Err()
}

// lookup reports hit=true when the key was present. A cached not-found marker
// is returned as a hit with ErrNotFound.
func (c *CachedPolicies) lookup(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		c.logger.Warn("cache read failed", "key", key, "error", err)
		return false, nil
	}
	if raw == notFoundMarker {
		return true, ErrNotFound
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return false, nil
	}
	return true, nil
}

func (c *CachedPolicies) fill(ctx context.Context, key string, v any, lookupErr error) {
	var value string
	switch {
	case lookupErr == nil:
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		value = string(b)
	case errors.Is(lookupErr, ErrNotFound):
		value = notFoundMarker
	default:
		return
	}
	if err := c.client.Set(ctx, key, value, c.ttl).Err(); err != nil {
		c.logger.Warn("cache write failed", "key", key, "error", err)
	}
}
