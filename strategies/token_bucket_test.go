package strategies

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsenotes/ratelimit"
)

// The "ai" policy scenario: capacity 5, refill 10 per minute. A full burst is
// admitted instantly, the next request is denied, and one token returns every
// 6 seconds.
func TestTokenBucketLimiter_Execute(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	client := redis.NewClient(&redis.Options{
		Addr: server.Addr(),
	})
	defer client.Close()

	limiter := NewTokenBucketLimiter(client, func() time.Time {
		return now
	}, time.Minute, 10)

	req := &ratelimit.Request{
		Key:      "ai:some-user",
		Limit:    5,
		Duration: time.Minute,
	}

	for x := 0; x < 5; x++ {
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, ratelimit.Allow, res.State, "burst request %d should be admitted", x+1)
		assert.Equal(t, uint64(4-x), res.Remaining)
	}

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Deny, res.State)
	assert.Equal(t, uint64(0), res.Remaining)
	assert.Equal(t, 6*time.Second, res.RetryAfter, "one token refills at 10/min, i.e. every 6s")

	// One token refilled after 6 seconds.
	server.FastForward(6 * time.Second)
	now = now.Add(6 * time.Second)

	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Allow, res.State)
	assert.Equal(t, uint64(0), res.Remaining)

	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Deny, res.State)
}

// Waiting window * capacity / refillRate always restores a full burst.
func TestTokenBucketLimiter_FullRefill(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	limiter := NewTokenBucketLimiter(client, func() time.Time {
		return now
	}, time.Minute, 10)

	req := &ratelimit.Request{Key: "ai:burster", Limit: 5, Duration: time.Minute}

	drain := func() {
		for x := 0; x < 5; x++ {
			res, err := limiter.Execute(context.Background(), req)
			require.NoError(t, err)
			require.Equal(t, ratelimit.Allow, res.State)
		}
		res, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
		require.Equal(t, ratelimit.Deny, res.State)
	}

	drain()

	// window * capacity / refillRate = 60s * 5 / 10 = 30s
	server.FastForward(30 * time.Second)
	now = now.Add(30 * time.Second)

	drain()
}

// Refill never exceeds capacity no matter how long the bucket sits idle.
func TestTokenBucketLimiter_CapacityCap(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	limiter := NewTokenBucketLimiter(client, func() time.Time {
		return now
	}, time.Minute, 10)

	req := &ratelimit.Request{Key: "ai:idler", Limit: 5, Duration: time.Minute}

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint64(4), res.Remaining)

	// 10s refills 5/3 of a token on top of 4, which caps at 5. Taking one
	// leaves exactly 4, not 4.67.
	server.FastForward(10 * time.Second)
	now = now.Add(10 * time.Second)

	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Allow, res.State)
	assert.Equal(t, uint64(4), res.Remaining)
}

// Clock skew between instances must never produce negative elapsed time.
func TestTokenBucketLimiter_ClockSkew(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	limiter := NewTokenBucketLimiter(client, func() time.Time {
		return now
	}, time.Minute, 10)

	req := &ratelimit.Request{Key: "ai:skewed", Limit: 5, Duration: time.Minute}

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint64(4), res.Remaining)

	// A second instance with a clock 10s behind performs the next check.
	now = now.Add(-10 * time.Second)

	res, err = limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Allow, res.State)
	assert.Equal(t, uint64(3), res.Remaining, "negative elapsed time is clamped, not refilled")
}

func TestTokenBucketLimiter_Reset(t *testing.T) {
	server, err := miniredis.Run()
	require.NoError(t, err)
	defer server.Close()

	now := time.Date(2024, time.June, 23, 10, 15, 30, 0, time.UTC)

	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	defer client.Close()

	limiter := NewTokenBucketLimiter(client, func() time.Time {
		return now
	}, time.Minute, 10)

	req := &ratelimit.Request{Key: "ai:resetme", Limit: 5, Duration: time.Minute}

	for x := 0; x < 6; x++ {
		_, err := limiter.Execute(context.Background(), req)
		require.NoError(t, err)
	}

	require.NoError(t, limiter.(ratelimit.Resetter).Reset(context.Background(), req.Key))

	res, err := limiter.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.Allow, res.State)
	assert.Equal(t, uint64(4), res.Remaining, "reset restores full capacity")
}
