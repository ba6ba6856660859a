package ratelimit

import (
	"context"
	"time"
)

// Reason explains which stage of the policy chain produced a Verdict.
type Reason string

// Verdict reasons.
const (
	ReasonOK          Reason = "ok"
	ReasonThrottled   Reason = "throttled"
	ReasonDenyListed  Reason = "deny_listed"
	ReasonAllowListed Reason = "allow_listed"
	ReasonFailOpen    Reason = "fail_open"
)

// RequestMeta carries the request attributes the policy layer uses for
// behavioral signals. It is informational only and never stored remotely.
type RequestMeta struct {
	Method string
	Path   string
}

// Verdict is the full outcome of one policy-layer check. It is returned
// synchronously to the caller and never persisted.
type Verdict struct {
	Allowed   bool
	Reason    Reason
	Policy    string
	Algorithm string

	Limit     uint64
	Used      uint64
	Remaining uint64
	Window    time.Duration
	// RetryAfter is the hint for when the next request may be admitted.
	// Zero when the request was allowed or no estimate exists.
	RetryAfter time.Duration

	// ListReason and ListedAt are set when the client is deny-listed.
	ListReason string
	ListedAt   time.Time

	// Restricted reports that the client's process-local risk restriction
	// would have throttled this request. Informational, never enforced.
	Restricted bool

	// FailedOpen reports that the shared store was unreachable and the
	// request was admitted without rate accounting.
	FailedOpen bool
}

// Checker decides whether a request identified by a client identity may
// proceed under a named policy. Implemented by guard.Guard.
type Checker interface {
	Check(ctx context.Context, identity, policyName string, meta RequestMeta) *Verdict
	RecordOutcome(identity string, success bool)
}
