package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter implements a fixed-window counter shared across instances:
// INCR the per-key, per-window counter and set its expiry on first
// increment, matching the teacher's Redis session/job bookkeeping style
// (pkg/queue/service.go) applied to rate limiting instead of job state.
type RedisLimiter struct {
	client    *redis.Client
	prefix    string
	limit     int64
	window    time.Duration
}

// NewRedisLimiter allows up to limit requests per window, per key.
func NewRedisLimiter(client *redis.Client, prefix string, limit int64, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	bucketKey := fmt.Sprintf("%s:%s:%d", l.prefix, key, time.Now().Unix()/int64(l.window.Seconds()))
	count, err := l.client.Incr(ctx, bucketKey).Result()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis incr: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, bucketKey, l.window)
	}
	return count <= l.limit, nil
}
