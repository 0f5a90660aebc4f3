package api

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailgate/internal/cache"
)

// DistributedLimiter mirrors the in-process token-bucket admission
// decision across API replicas via Redis, keyed by the same submitter
// identity. This is a front-door convenience only; the in-process
// limiter is the decision of record for a single process, and this
// lets several API replicas agree on one.
type DistributedLimiter struct {
	redis  *cache.Client
	logger *zap.Logger
	window time.Duration
	burst  int
}

// NewDistributedLimiter builds a limiter capped at burst tokens replenished
// once per window.
func NewDistributedLimiter(redisClient *cache.Client, logger *zap.Logger, burst int, window time.Duration) *DistributedLimiter {
	return &DistributedLimiter{redis: redisClient, logger: logger, window: window, burst: burst}
}

// Allow admits or rejects key (the submitter identity), returning the
// wait the caller should honor when rejected.
func (l *DistributedLimiter) Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error) {
	if key == "" {
		key = "anonymous"
	}
	redisKey := fmt.Sprintf("mailgate:ratelimit:%s", key)
	now := time.Now()
	windowStart := now.Truncate(l.window)

	val, err := l.redis.Get(ctx, redisKey).Result()
	tokens := l.burst
	lastRefill := windowStart
	if err == nil {
		var lastRefillUnix int64
		if _, scanErr := fmt.Sscanf(val, "%d:%d", &tokens, &lastRefillUnix); scanErr == nil {
			lastRefill = time.Unix(lastRefillUnix, 0)
		}
	} else if err != redis.Nil {
		return false, 0, fmt.Errorf("ratelimit: read bucket: %w", err)
	}

	if windowStart.After(lastRefill) {
		tokens = l.burst
		lastRefill = windowStart
	}

	if tokens <= 0 {
		return false, windowStart.Add(l.window).Sub(now), nil
	}

	tokens--
	newVal := fmt.Sprintf("%d:%d", tokens, lastRefill.Unix())
	if err := l.redis.Set(ctx, redisKey, newVal, 2*l.window).Err(); err != nil {
		l.logger.Warn("ratelimit: failed to persist bucket", zap.Error(err))
	}
	return true, 0, nil
}

// Reset clears a single key's bucket (test/admin hook).
func (l *DistributedLimiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, fmt.Sprintf("mailgate:ratelimit:%s", key)).Err()
}
