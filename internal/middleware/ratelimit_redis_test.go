package middleware

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hospitalcore/gateway/internal/config"
)

func TestRedisLimiterEnforcesWindow(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)

	limiter := NewRedisLimiter(config.RateLimitConfig{
		RequestsPerSecond: 3,
		RedisAddress:      mr.Addr(),
		Window:            config.Duration(time.Minute),
	})
	defer limiter.Close()

	ctx := context.Background()
	for i := 0; i < 180; i++ {
		allowed, err := limiter.Allow(ctx, "client-a")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i)
	}
	allowed, err := limiter.Allow(ctx, "client-a")
	require.NoError(t, err)
	assert.False(t, allowed)

	// A different client is unaffected.
	allowed, err = limiter.Allow(ctx, "client-b")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRedisLimiterErrorsSurface(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	limiter := NewRedisLimiter(config.RateLimitConfig{
		RequestsPerSecond: 1,
		RedisAddress:      mr.Addr(),
		Window:            config.Duration(time.Second),
	})
	defer limiter.Close()

	mr.Close()
	_, err := limiter.Allow(context.Background(), "client-a")
	require.Error(t, err)
}
