package ratelimit

import (
	"fmt"
	"time"
)

// Supported rate-limiting algorithms.
const (
	AlgSlidingWindow      = "sliding_window"
	AlgTokenBucket        = "token_bucket"
	AlgFixedWindow        = "fixed_window"
	AlgExponentialBackoff = "exponential_backoff"
)

// KeyFunc derives the store key for a client identity under a policy.
type KeyFunc func(policyName, identity string) string

// DefaultKeyFunc joins the policy name and client identity.
func DefaultKeyFunc(policyName, identity string) string {
	return policyName + ":" + identity
}

// Policy is a named, immutable rate-limiting configuration. One Policy exists
// per class of request ("api", "ai", "updates", ...); all of them are built
// once at startup and never mutated afterwards. Dynamic adjustment works on
// ephemeral clones produced by WithLimit.
type Policy struct {
	Name        string
	Algorithm   string
	Window      time.Duration
	MaxRequests uint64

	// Token bucket only: steady-state refill, distinct from the burst
	// ceiling carried in MaxRequests.
	RefillPeriod time.Duration
	RefillAmount uint64

	// Exponential backoff only.
	BackoffBase       time.Duration
	BackoffMultiplier float64

	KeyFunc KeyFunc
}

// Validate reports whether the policy is well-formed. Called once at startup;
// a malformed static policy is fatal.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("policy has no name")
	}
	if p.Window <= 0 {
		return fmt.Errorf("policy %v: window must be positive", p.Name)
	}
	if p.MaxRequests == 0 {
		return fmt.Errorf("policy %v: max requests must be positive", p.Name)
	}
	switch p.Algorithm {
	case AlgSlidingWindow, AlgFixedWindow:
	case AlgTokenBucket:
		if p.RefillPeriod <= 0 || p.RefillAmount == 0 {
			return fmt.Errorf("policy %v: token bucket needs a positive refill period and amount", p.Name)
		}
	case AlgExponentialBackoff:
		if p.BackoffBase <= 0 {
			return fmt.Errorf("policy %v: backoff base must be positive", p.Name)
		}
		if p.BackoffMultiplier <= 1 {
			return fmt.Errorf("policy %v: backoff multiplier must be greater than 1", p.Name)
		}
	default:
		return fmt.Errorf("policy %v: unknown algorithm %q", p.Name, p.Algorithm)
	}
	return nil
}

// Key builds the store key for the given client identity.
func (p Policy) Key(identity string) string {
	if p.KeyFunc != nil {
		return p.KeyFunc(p.Name, identity)
	}
	return DefaultKeyFunc(p.Name, identity)
}

// WithLimit returns a copy of the policy with a replaced max-requests value.
// The copy is ephemeral: it is used for a single check and never stored back,
// so restoring normal health restores the original limits with no undo step.
func (p Policy) WithLimit(limit uint64) Policy {
	if limit == 0 {
		limit = 1
	}
	p.MaxRequests = limit
	return p
}

// Registry holds the named policies and the strategy instance serving each of
// them. It is built once at startup and read-only afterwards, so lookups need
// no locking.
type Registry struct {
	entries map[string]registryEntry
}

type registryEntry struct {
	policy   Policy
	strategy Strategy
}

// NewRegistry creates an empty policy registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registryEntry)}
}

// Register validates the policy and binds it to the strategy that will serve
// its checks.
func (reg *Registry) Register(p Policy, s Strategy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if s == nil {
		return fmt.Errorf("policy %v: strategy is nil", p.Name)
	}
	if _, ok := reg.entries[p.Name]; ok {
		return fmt.Errorf("policy %v: already registered", p.Name)
	}
	reg.entries[p.Name] = registryEntry{policy: p, strategy: s}
	return nil
}

// Lookup returns the policy and strategy registered under name.
func (reg *Registry) Lookup(name string) (Policy, Strategy, error) {
	e, ok := reg.entries[name]
	if !ok {
		return Policy{}, nil, fmt.Errorf("%w: %v", ErrPolicyNotFound, name)
	}
	return e.policy, e.strategy, nil
}

// Names returns the registered policy names.
func (reg *Registry) Names() []string {
	names := make([]string, 0, len(reg.entries))
	for name := range reg.entries {
		names = append(names, name)
	}
	return names
}
