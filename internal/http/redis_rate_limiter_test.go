package httpx

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRateLimiterCountsWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	limiter := newRedisRateLimiter(client, quietLogger())
	for i := 1; i <= 3; i++ {
		decision := limiter.Allow("engine:10.0.0.1", 3, time.Minute)
		require.True(t, decision.allowed, "request %d", i)
		assert.Equal(t, i, decision.count)
	}
	denied := limiter.Allow("engine:10.0.0.1", 3, time.Minute)
	assert.False(t, denied.allowed)
	assert.True(t, denied.windowEnd.After(time.Now()))

	other := limiter.Allow("engine:10.0.0.2", 3, time.Minute)
	assert.True(t, other.allowed, "keys are counted separately")

	mr.FastForward(2 * time.Minute)
	assert.True(t, limiter.Allow("engine:10.0.0.1", 3, time.Minute).allowed, "window expired")
}

func TestRedisRateLimiterFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	limiter := newRedisRateLimiter(client, quietLogger())
	assert.True(t, limiter.Allow("reader:ops", 1, time.Minute).allowed)
	assert.True(t, limiter.Allow("reader:ops", 1, time.Minute).allowed)
}

func TestMemoryRateLimiterResetsAfterWindow(t *testing.T) {
	now := time.Date(2025, time.November, 5, 12, 0, 0, 0, time.UTC)
	limiter := newMemoryRateLimiter(func() time.Time { return now })
	defer limiter.Close()

	assert.True(t, limiter.Allow("k", 1, time.Minute).allowed)
	assert.False(t, limiter.Allow("k", 1, time.Minute).allowed)
	now = now.Add(61 * time.Second)
	assert.True(t, limiter.Allow("k", 1, time.Minute).allowed)

	now = now.Add(rateLimiterSweepInterval)
	assert.True(t, limiter.Allow("other", 1, time.Minute).allowed)
	assert.Len(t, limiter.windows, 1)
	assert.Contains(t, limiter.windows, "other")
}
