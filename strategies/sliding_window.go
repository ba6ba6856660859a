package strategies

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsenotes/ratelimit"
)

var (
	_ ratelimit.Strategy  = &slidingWindowLimiter{}
	_ ratelimit.Inspector = &slidingWindowLimiter{}
	_ ratelimit.Resetter  = &slidingWindowLimiter{}
)

const (
	maxSortedSetScore = "+inf"
)

// slidingWindowScript evicts entries older than the trailing window, counts
// the survivors and admits only when capacity remains. Count-then-add runs as
// one server-side step, so two simultaneous requests can never both take the
// last slot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local used = redis.call('ZCARD', key)
if used < limit then
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, window)
	return {1, used + 1, 0}
end
local retry = window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	retry = tonumber(oldest[2]) + window - now
end
return {0, used, retry}
`)

type slidingWindowLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewSlidingWindowLimiter initializes a new sliding window rate limiter.
// It guarantees a true rolling-window bound at O(window size) cost per check.
func NewSlidingWindowLimiter(client *redis.Client, now func() time.Time) ratelimit.Strategy {
	return &slidingWindowLimiter{
		client: client,
		now:    now,
	}
}

// Execute performs rate limiting using a sliding window strategy.
func (s *slidingWindowLimiter) Execute(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := s.now()

	// every admitted request becomes a uniquely named set member
	item := uuid.New()

	values, err := slidingWindowScript.Run(ctx, s.client, []string{r.Key},
		now.UnixMilli(), r.Duration.Milliseconds(), r.Limit, item.String()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run sliding window script for key %v: %w", r.Key, err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("unexpected sliding window script reply for key %v: %v", r.Key, values)
	}

	used := uint64(values[1])
	result := &ratelimit.Result{
		TotalRequests: used,
		Remaining:     remaining(r.Limit, used),
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

// Peek reports the current usage without consuming capacity.
func (s *slidingWindowLimiter) Peek(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := s.now()
	minimum := now.Add(-r.Duration)

	used, err := s.client.ZCount(ctx, r.Key, strconv.FormatInt(minimum.UnixMilli(), 10), maxSortedSetScore).Uint64()
	if err != nil {
		return nil, fmt.Errorf("failed to count items for key %v: %w", r.Key, err)
	}

	state := ratelimit.Allow
	if used >= r.Limit {
		state = ratelimit.Deny
	}
	return &ratelimit.Result{
		State:         state,
		TotalRequests: used,
		Remaining:     remaining(r.Limit, used),
		ExpiresAt:     now.Add(r.Duration),
	}, nil
}

// Reset clears all recorded requests for the key.
func (s *slidingWindowLimiter) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("failed to reset sliding window state for key %v: %w", key, err)
	}
	return nil
}

func remaining(limit, used uint64) uint64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
