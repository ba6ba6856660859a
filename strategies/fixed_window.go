package strategies

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsenotes/ratelimit"
)

var (
	_ ratelimit.Strategy  = &fixedWindowLimiter{}
	_ ratelimit.Inspector = &fixedWindowLimiter{}
	_ ratelimit.Resetter  = &fixedWindowLimiter{}
)

// fixedWindowScript increments the per-window counter and admits while it
// stays within the limit. The cheapest algorithm of the four: it accepts the
// known boundary artifact of up to 2x the limit admitted across a window
// boundary in exchange for a single counter per window.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])

local count = redis.call('INCR', key)
if count == 1 then
	redis.call('PEXPIRE', key, window)
end
if count <= limit then
	return {1, count}
end
return {0, count}
`)

type fixedWindowLimiter struct {
	client *redis.Client
	now    func() time.Time
}

// NewFixedWindowLimiter creates a new fixed window rate limiter.
func NewFixedWindowLimiter(client *redis.Client, now func() time.Time) ratelimit.Strategy {
	return &fixedWindowLimiter{
		client: client,
		now:    now,
	}
}

// Execute performs rate limiting using a fixed window strategy.
func (f *fixedWindowLimiter) Execute(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := f.now()
	windowStart := now.Truncate(r.Duration)
	windowEnd := windowStart.Add(r.Duration)

	values, err := fixedWindowScript.Run(ctx, f.client, []string{windowKey(r.Key, windowStart)},
		r.Duration.Milliseconds(), r.Limit).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("failed to run fixed window script for key %v: %w", r.Key, err)
	}
	if len(values) != 2 {
		return nil, fmt.Errorf("unexpected fixed window script reply for key %v: %v", r.Key, values)
	}

	// The counter counts attempts; admitted requests cap at the limit, so
	// TotalRequests stays comparable with the other strategies on deny.
	used := uint64(values[1])
	if used > r.Limit {
		used = r.Limit
	}
	result := &ratelimit.Result{
		TotalRequests: used,
		Remaining:     remaining(r.Limit, used),
		ExpiresAt:     windowEnd,
	}
	if values[0] == 1 {
		result.State = ratelimit.Allow
		return result, nil
	}
	result.State = ratelimit.Deny
	result.RetryAfter = windowEnd.Sub(now)
	return result, nil
}

// Peek reports the current window's usage without incrementing it.
func (f *fixedWindowLimiter) Peek(ctx context.Context, r *ratelimit.Request) (*ratelimit.Result, error) {
	now := f.now()
	windowStart := now.Truncate(r.Duration)

	count, err := f.client.Get(ctx, windowKey(r.Key, windowStart)).Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read window counter for key %v: %w", r.Key, err)
	}
	if count > r.Limit {
		count = r.Limit
	}

	state := ratelimit.Allow
	if count >= r.Limit {
		state = ratelimit.Deny
	}
	return &ratelimit.Result{
		State:         state,
		TotalRequests: count,
		Remaining:     remaining(r.Limit, count),
		ExpiresAt:     windowStart.Add(r.Duration),
	}, nil
}

// globEscaper quotes the characters SCAN patterns treat as wildcards. Keys
// embed client-supplied identities (API keys, header values), which must
// never widen the match.
var globEscaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"?", `\?`,
	"[", `\[`,
	"]", `\]`,
)

// Reset clears every window counter still stored for the key.
func (f *fixedWindowLimiter) Reset(ctx context.Context, key string) error {
	// Reset is invoked without a policy, so the window length is unknown
	// here. Deleting by pattern keeps the operation self-contained.
	iter := f.client.Scan(ctx, 0, globEscaper.Replace(key)+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan window counters for key %v: %w", key, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := f.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset window counters for key %v: %w", key, err)
	}
	return nil
}

func windowKey(key string, windowStart time.Time) string {
	return key + ":" + strconv.FormatInt(windowStart.UnixMilli(), 10)
}
