package ratelimit

import (
	"context"
	"errors"
	"time"
)

// Request defines a request to be rate-limited.
type Request struct {
	Key      string
	Limit    uint64
	Duration time.Duration
}

// State represents the result of rate limiting.
type State int64

const (
	Deny State = iota
	Allow
)

// State strings for HTTP headers
var stateStrings = map[State]string{
	Allow: "Allow",
	Deny:  "Deny",
}

// String returns the header representation of the state.
func (s State) String() string {
	return stateStrings[s]
}

// Result is the outcome of a rate limit check.
type Result struct {
	State         State
	TotalRequests uint64
	Remaining     uint64
	ExpiresAt     time.Time
	// RetryAfter is set by strategies that can estimate when the next
	// request would be admitted. Zero means no estimate.
	RetryAfter time.Duration
}

// Strategy interface defines the contract for rate limiting strategies.
//
// Execute must be atomic with respect to concurrent calls for the same key:
// the read-compute-write of the admission decision happens as a single
// indivisible step on the shared store.
type Strategy interface {
	Execute(ctx context.Context, r *Request) (*Result, error)
}

// Inspector is implemented by strategies that can report used/remaining
// capacity without consuming any.
type Inspector interface {
	Peek(ctx context.Context, r *Request) (*Result, error)
}

// Resetter is implemented by strategies whose state for a key can be cleared,
// making the next Execute behave like a first-ever check.
type Resetter interface {
	Reset(ctx context.Context, key string) error
}

// ErrPolicyNotFound is returned when a check references a policy name that
// was not registered at startup.
var ErrPolicyNotFound = errors.New("rate limit policy not found")
