package strategies

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsenotes/ratelimit"
)

var (
	_ ratelimit.Strategy  = &exponentialBackoffLimiter{}
	_ ratelimit.Inspector = &exponentialBackoffLimiter{}
	_ ratelimit.Resetter  = &exponentialBackoffLimiter{}
)

// exponentialBackoffScript tracks attempts for adversarial endpoints. Once
// the attempt budget is spent, every further attempt must wait
// multiplier^attempts * base since the previous one, so the enforced wait
// keeps growing while the abuse continues. The counter resets only after the
// client stays silent for the full tracking window.
var exponentialBackoffScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local max_attempts = tonumber(ARGV[2])
local multiplier = tonumber(ARGV[3])
local base = tonumber(ARGV[4])
local window = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'attempts', 'last_attempt')
local attempts = tonumber(state[1])
local last = tonumber(state[2])
if attempts == nil or last == nil then
	attempts = 0
	last = 0
end
if last > 0 and now - last >= window then
	attempts = 0
end

if attempts >= max_attempts and last > 0 then
	local wait = base * (multiplier ^ attempts)
	local remaining = wait - (now - last)
	if remaining > 0 then
		redis.call('HSET', key, 'attempts', attempts + 1, 'last_attempt', now)
		redis.call('PEXPIRE', key, window)
		return {0, attempts + 1, math.ceil(remaining)}
	end
end

attempts = attempts + 1
redis.call('HSET', key, 'attempts', attempts, 'last_attempt', now)
redis.call('PEXPIRE', key, window)
return {1, attempts, 0}
`)

type exponentialBackoffLimiter struct {
	client     *redis.Client
	now        func() time.Time
	multiplier float64
	base       time.Duration
}

// NewExponentialBackoffLimiter creates a rate limiter for auth-like endpoints
// where repeated failures should cost progressively more. Request.Limit is
// the free attempt budget; Request.Duration is the tracking window.
func NewExponentialBackoffLimiter(client *redis.Client, now func() time.Time, multiplier float64, base time.Duration) ratelimit.Strategy {
	return &exponentialBackoffLimiter{
		client:     client,
		now:        now,
		multiplier: multiplier,
		base:       base,
	}
}

// Execute performs rate limiting using an exponential backoff strategy.
func (e *exponentialBackoffLimiter) Execute(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := e.now()

	values, err := exponentialBackoffScript.Run(ctx, e.client, []string{r.Key},
		now.UnixMilli(), r.Limit, e.multiplier, e.base.Milliseconds(),
		r.Duration.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run backoff script for key %v: %w", r.Key, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected backoff script reply for key %v: %v", r.Key, values)
	}

	attempts := uint64(values[1])
	result := &ratelimit.Result{
		TotalRequests: attempts,
		Remaining:     remaining(r.Limit, attempts),
		ExpiresAt:     now.Add(r.Duration),
	}
	if values[0] == 1 {
		result.State = ratelimit.Allow
		return result, nil
	}
	result.State = ratelimit.Deny
	result.RetryAfter = time.Duration(values[2]) * time.Millisecond
	return result, nil
}

// Peek reports the attempt count and, when the budget is spent, the wait
// still enforced. It never mutates the attempt counter.
func (e *exponentialBackoffLimiter) Peek(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := e.now()

	state, err := e.client.HMGet(ctx, r.Key, "attempts", "last_attempt").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read backoff state for key %v: %w", r.Key, err)
	}

	var attempts uint64
	var last time.Time
	if state[0] != nil && state[1] != nil {
		parsed, err := strconv.ParseUint(state[0].(string), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse attempt count for key %v: %w", r.Key, err)
		}
		lastMs, err := strconv.ParseInt(state[1].(string), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last attempt time for key %v: %w", r.Key, err)
		}
		attempts, last = parsed, time.UnixMilli(lastMs)
	}
	if !last.IsZero() && now.Sub(last) >= r.Duration {
		attempts = 0
	}

	result := &ratelimit.Result{
		State:         ratelimit.Allow,
		TotalRequests: attempts,
		Remaining:     remaining(r.Limit, attempts),
		ExpiresAt:     now.Add(r.Duration),
	}
	if attempts >= r.Limit && !last.IsZero() {
		wait := time.Duration(float64(e.base) * math.Pow(e.multiplier, float64(attempts)))
		if left := wait - now.Sub(last); left > 0 {
			result.State = ratelimit.Deny
			result.RetryAfter = left
		}
	}
	return result, nil
}

// Reset clears the attempt counter for the key.
func (e *exponentialBackoffLimiter) Reset(ctx context.Context, key string) error {
	if err := e.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset backoff state for key %v: %w", key, err)
	}
	return nil
}
