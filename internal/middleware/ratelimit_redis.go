package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hospitalcore/gateway/internal/config"
)

// RedisLimiter applies a fixed-window counter per client in Redis, so the
// limit holds across gateway replicas.
type RedisLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed limiter from configuration.
func NewRedisLimiter(cfg config.RateLimitConfig) *RedisLimiter {
	window := cfg.Window.Duration()
	if window <= 0 {
		window = time.Second
	}
	limit := int64(cfg.RequestsPerSecond * window.Seconds())
	if limit < 1 {
		limit = 1
	}
	return &RedisLimiter{
		client: redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddress,
			DB:   cfg.RedisDB,
		}),
		limit:  limit,
		window: window,
	}
}

// Allow increments the client's counter for the current window and reports
// whether it is within the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("ratelimit:%s:%d", key, time.Now().UnixNano()/int64(l.window))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}

	return count.Val() <= l.limit, nil
}

// Close releases the Redis connection.
func (l *RedisLimiter) Close() error {
	return l.client.Close()
}
