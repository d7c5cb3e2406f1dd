package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ref-keeper/config"
)

// ProjectionCache memoizes merged projection views in Redis. Projections are
// pure functions of committed state, so a stale or missing entry is always
// recoverable by recomputing; every method on a nil cache is a no-op.
type ProjectionCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewProjectionCache connects to Redis. Returns nil without error when no
// address is configured, which disables caching.
func NewProjectionCache(cfg *config.Config) (*ProjectionCache, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.RedisAddr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &ProjectionCache{rdb: rdb, ttl: cfg.ProjectionCacheTTL}, nil
}

func projectionKey(canonicalID uuid.UUID) string {
	return "projection:" + canonicalID.String()
}

// Get returns the cached view bytes for a canonical, if present.
func (c *ProjectionCache) Get(ctx context.Context, canonicalID uuid.UUID) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, projectionKey(canonicalID)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores the view bytes for a canonical with the configured TTL.
func (c *ProjectionCache) Set(ctx context.Context, canonicalID uuid.UUID, data []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Set(ctx, projectionKey(canonicalID), data, c.ttl).Err()
}

// Invalidate drops the cached view for a canonical. Called after decision or
// enhancement writes that touch its group.
func (c *ProjectionCache) Invalidate(ctx context.Context, canonicalID uuid.UUID) {
	if c == nil || c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, projectionKey(canonicalID)).Err()
}
