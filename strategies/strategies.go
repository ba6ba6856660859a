// Package strategies implements the rate limiting algorithms backed by the
// shared counter store. Every check runs as a single server-side script, so
// concurrent checks for one key are serialized by the store itself: two
// callers can never both observe the last unit of capacity and both be
// admitted.
package strategies

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pulsenotes/ratelimit"
)

// New builds the strategy instance serving the given policy.
func New(p ratelimit.Policy, client *redis.Client, now func() time.Time) (ratelimit.Strategy, error) {
	switch p.Algorithm {
	case ratelimit.AlgSlidingWindow:
		return NewSlidingWindowLimiter(client, now), nil
	case ratelimit.AlgTokenBucket:
		return NewTokenBucketLimiter(client, now, p.RefillPeriod, p.RefillAmount), nil
	case ratelimit.AlgFixedWindow:
		return NewFixedWindowLimiter(client, now), nil
	case ratelimit.AlgExponentialBackoff:
		return NewExponentialBackoffLimiter(client, now, p.BackoffMultiplier, p.BackoffBase), nil
	default:
		return nil, fmt.Errorf("policy %v: unknown algorithm %q", p.Name, p.Algorithm)
	}
}
