package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailgate/internal/cache"
)

// ReplayCache is a best-effort, Redis-backed hint over the in-process
// idempotency store, caching the caller-facing submit status string.
// It never gates correctness: the idempotency store remains the single
// source of truth, and this cache only lets a busy replica skip
// re-deriving an "already submitted" response.
type ReplayCache struct {
	redis  *cache.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewReplayCache builds a cache entries expire from after ttl.
func NewReplayCache(redisClient *cache.Client, logger *zap.Logger, ttl time.Duration) *ReplayCache {
	return &ReplayCache{redis: redisClient, logger: logger, ttl: ttl}
}

// Get returns the cached status string for requestID, if any.
func (c *ReplayCache) Get(ctx context.Context, requestID string) (status string, ok bool) {
	val, err := c.redis.Get(ctx, c.key(requestID)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn("replaycache: read failed", zap.Error(err))
		}
		return "", false
	}
	return val, true
}

// Put records status for requestID, best-effort.
func (c *ReplayCache) Put(ctx context.Context, requestID, status string) {
	if err := c.redis.Set(ctx, c.key(requestID), status, c.ttl).Err(); err != nil {
		c.logger.Warn("replaycache: write failed", zap.Error(err))
	}
}

func (c *ReplayCache) key(requestID string) string {
	return fmt.Sprintf("mailgate:replay:%s", requestID)
}
