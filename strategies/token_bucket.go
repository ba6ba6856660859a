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
	_ ratelimit.Strategy  = &tokenBucketLimiter{}
	_ ratelimit.Inspector = &tokenBucketLimiter{}
	_ ratelimit.Resetter  = &tokenBucketLimiter{}
)

// tokenBucketScript refills the bucket continuously (fractional tokens
// accumulate), capped at capacity and floored at zero, then takes one token
// if available. Refill-and-take is a single server-side step. Negative
// elapsed time from clock skew between instances is clamped to zero.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local refill_period = tonumber(ARGV[3])
local refill_amount = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
	tokens = capacity
	last = now
end

local elapsed = now - last
if elapsed < 0 then
	elapsed = 0
end
tokens = tokens + (elapsed / refill_period) * refill_amount
if tokens > capacity then
	tokens = capacity
end
if tokens < 0 then
	tokens = 0
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', now)
redis.call('PEXPIRE', key, ttl)

local wait = 0
if allowed == 0 then
	wait = math.ceil((1 - tokens) * refill_period / refill_amount)
end
return {allowed, tostring(tokens), wait}
`)

type tokenBucketLimiter struct {
	client       *redis.Client
	now          func() time.Time
	refillPeriod time.Duration
	refillAmount uint64
}

// NewTokenBucketLimiter creates a new token bucket rate limiter. The burst
// ceiling comes from Request.Limit; refillPeriod and refillAmount define the
// steady-state rate, which may be lower than the burst allows.
func NewTokenBucketLimiter(client *redis.Client, now func() time.Time, refillPeriod time.Duration, refillAmount uint64) ratelimit.Strategy {
	return &tokenBucketLimiter{
		client:       client,
		now:          now,
		refillPeriod: refillPeriod,
		refillAmount: refillAmount,
	}
}

// Execute performs rate limiting using a token bucket strategy.
func (t *tokenBucketLimiter) Execute(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := t.now()

	values, err := tokenBucketScript.Run(ctx, t.client, []string{r.Key},
		now.UnixMilli(), r.Limit, t.refillPeriod.Milliseconds(), t.refillAmount,
		t.stateTTL(r).Milliseconds()).Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run token bucket script for key %v: %w", r.Key, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected token bucket script reply for key %v: %v", r.Key, values)
	}

	allowed, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected token bucket script reply for key %v: %v", r.Key, values)
	}
	tokensStr, ok := values[1].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected token bucket script reply for key %v: %v", r.Key, values)
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token count for key %v: %w", r.Key, err)
	}
	waitMs, ok := values[2].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected token bucket script reply for key %v: %v", r.Key, values)
	}

	return t.makeResult(now, r, allowed == 1, tokens, time.Duration(waitMs)*time.Millisecond), nil
}

// Peek reports current token availability without consuming any.
func (t *tokenBucketLimiter) Peek(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := t.now()

	state, err := t.client.HMGet(ctx, r.Key, "tokens", "last_refill").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket state for key %v: %w", r.Key, err)
	}

	tokens := float64(r.Limit)
	if state[0] != nil && state[1] != nil {
		tokens, err = strconv.ParseFloat(state[0].(string), 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse token count for key %v: %w", r.Key, err)
		}
		lastMs, err := strconv.ParseInt(state[1].(string), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last refill time for key %v: %w", r.Key, err)
		}
		elapsed := now.Sub(time.UnixMilli(lastMs))
		if elapsed < 0 {
			elapsed = 0
		}
		tokens += float64(elapsed) / float64(t.refillPeriod) * float64(t.refillAmount)
		tokens = math.Min(tokens, float64(r.Limit))
		tokens = math.Max(tokens, 0)
	}

	return t.makeResult(now, r, tokens >= 1, tokens, 0), nil
}

// Reset drops the bucket, so the next check starts from full capacity.
func (t *tokenBucketLimiter) Reset(ctx context.Context, key string) error {
	if err := t.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset bucket state for key %v: %w", key, err)
	}
	return nil
}

func (t *tokenBucketLimiter) makeResult(now time.Time, r *ratelimit.Request, allowed bool, tokens float64, retryAfter time.Duration) *ratelimit.Result {
	left := uint64(math.Floor(tokens))
	result := &ratelimit.Result{
		TotalRequests: r.Limit - left,
		Remaining:     left,
		ExpiresAt:     now.Add(t.stateTTL(r)),
	}
	if allowed {
		result.State = ratelimit.Allow
		return result
	}
	result.State = ratelimit.Deny
	result.RetryAfter = retryAfter
	return result
}

// stateTTL is how long idle bucket state survives: at least the policy window
// and at least the time a drained bucket needs to refill completely.
func (t *tokenBucketLimiter) stateTTL(r *ratelimit.Request) time.Duration {
	fullRefill := time.Duration(float64(t.refillPeriod) * float64(r.Limit) / float64(t.refillAmount))
	if fullRefill < r.Duration {
		return r.Duration
	}
	return fullRefill
}
