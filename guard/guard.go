// Package guard is the policy layer on top of the rate limit engine. For
// every request it walks an ordered chain: deny list, allow list, dynamic
// limit scaling, behavior scoring, then the engine check with automatic
// banning of clients that keep hitting their limits.
//
// The guard is a defensive addition, not a correctness gate: when the shared
// store is unreachable it fails open and admits the request, preferring
// availability of the protected service over strict throttling.
package guard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/acronis/go-appkit/log"
	"github.com/redis/go-redis/v9"

	"github.com/pulsenotes/ratelimit"
)

const defaultStoreTimeout = 2 * time.Second

var _ ratelimit.Checker = &Guard{}

// Guard wraps the rate limit engine with list checks, dynamic adjustment,
// behavior scoring and auto-ban.
type Guard struct {
	registry *ratelimit.Registry
	lists    *ListStore
	tracker  *Tracker
	client   *redis.Client

	autoBan ratelimit.AutoBanConfig
	adjust  ratelimit.AdjustConfig

	sampleHealth func() HealthSignal
	now          func() time.Time
	logger       log.FieldLogger
	metrics      *ratelimit.MetricsCollector
	storeTimeout time.Duration
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the logger used for fail-open and escalation events.
func WithLogger(logger log.FieldLogger) Option {
	return func(g *Guard) { g.logger = logger }
}

// WithMetrics sets the metrics collector for decisions and store latency.
func WithMetrics(mc *ratelimit.MetricsCollector) Option {
	return func(g *Guard) { g.metrics = mc }
}

// WithClock overrides the clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// WithHealthProbe sets the downstream dependency health probe consulted for
// dynamic limit scaling.
func WithHealthProbe(probe HealthProbe) Option {
	return func(g *Guard) { g.sampleHealth = func() HealthSignal { return SampleHealth(probe) } }
}

// WithHealthSampler replaces health sampling entirely, for tests.
func WithHealthSampler(sample func() HealthSignal) Option {
	return func(g *Guard) { g.sampleHealth = sample }
}

// WithStoreTimeout bounds every store round trip made by the guard.
func WithStoreTimeout(d time.Duration) Option {
	return func(g *Guard) { g.storeTimeout = d }
}

// New creates a Guard over the registered policies and the shared store
// client. cfg supplies the auto-ban, adjustment and behavior knobs.
func New(registry *ratelimit.Registry, client *redis.Client, cfg *ratelimit.Config, opts ...Option) *Guard {
	g := &Guard{
		registry:     registry,
		client:       client,
		autoBan:      cfg.AutoBan,
		adjust:       cfg.Adjust,
		now:          time.Now,
		logger:       log.NewDisabledLogger(),
		storeTimeout: cfg.Store.Timeout,
	}
	if g.storeTimeout <= 0 {
		g.storeTimeout = defaultStoreTimeout
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sampleHealth == nil {
		g.sampleHealth = func() HealthSignal { return SampleHealth(nil) }
	}
	g.lists = NewListStore(client, g.now)
	g.tracker = NewTracker(cfg.Behavior, g.now, g.logger)
	return g
}

// Lists exposes the allow/deny list store for administrative operations.
func (g *Guard) Lists() *ListStore {
	return g.lists
}

// Tracker exposes the behavior tracker, e.g. for starting its janitor.
func (g *Guard) Tracker() *Tracker {
	return g.tracker
}

// Check decides whether the request may proceed under the named policy.
// It never returns an error: every internal failure is resolved to an
// admitted verdict with FailedOpen set.
func (g *Guard) Check(ctx context.Context, identity, policyName string, meta ratelimit.RequestMeta) *ratelimit.Verdict {
	policy, strategy, err := g.registry.Lookup(policyName)
	if err != nil {
		g.logger.Error("unknown rate limit policy, failing open",
			log.String("policy", policyName), log.Error(err))
		return &ratelimit.Verdict{Allowed: true, Reason: ratelimit.ReasonFailOpen, Policy: policyName, FailedOpen: true}
	}

	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()
	started := g.now()

	if entry, err := g.lists.GetDeny(ctx, identity); err != nil {
		return g.failOpen(identity, policy, started, err)
	} else if entry != nil {
		g.metrics.ObserveDecision(policy.Name, ratelimit.MetricsOutcomeDenyListed)
		return &ratelimit.Verdict{
			Reason:     ratelimit.ReasonDenyListed,
			Policy:     policy.Name,
			Algorithm:  policy.Algorithm,
			Window:     policy.Window,
			ListReason: entry.Reason,
			ListedAt:   entry.CreatedAt,
		}
	}

	if entry, err := g.lists.GetAllow(ctx, identity); err != nil {
		return g.failOpen(identity, policy, started, err)
	} else if entry != nil {
		g.metrics.ObserveDecision(policy.Name, ratelimit.MetricsOutcomeAllowListed)
		return &ratelimit.Verdict{
			Allowed:   true,
			Reason:    ratelimit.ReasonAllowListed,
			Policy:    policy.Name,
			Algorithm: policy.Algorithm,
			Window:    policy.Window,
			Limit:     policy.MaxRequests,
			Remaining: policy.MaxRequests,
		}
	}

	effective := Scale(policy, g.sampleHealth(), g.adjust)
	if effective.MaxRequests != policy.MaxRequests {
		g.logger.Info("rate limit scaled down for degraded health",
			log.String("policy", policy.Name),
			log.Uint64("limit", policy.MaxRequests),
			log.Uint64("scaled_limit", effective.MaxRequests))
	}

	_, restricted := g.tracker.Observe(identity, meta)

	execStarted := g.now()
	result, err := strategy.Execute(ctx, &ratelimit.Request{
		Key:      effective.Key(identity),
		Limit:    effective.MaxRequests,
		Duration: effective.Window,
	})
	g.metrics.ObserveStoreRoundTrip(g.now().Sub(execStarted))
	if err != nil {
		return g.failOpen(identity, policy, started, err)
	}

	verdict := &ratelimit.Verdict{
		Allowed:    result.State == ratelimit.Allow,
		Reason:     ratelimit.ReasonOK,
		Policy:     policy.Name,
		Algorithm:  policy.Algorithm,
		Limit:      effective.MaxRequests,
		Used:       result.TotalRequests,
		Remaining:  result.Remaining,
		Window:     effective.Window,
		Restricted: restricted,
	}
	if verdict.Allowed {
		g.metrics.ObserveDecision(policy.Name, ratelimit.MetricsOutcomeAllowed)
		return verdict
	}

	verdict.Reason = ratelimit.ReasonThrottled
	verdict.RetryAfter = result.RetryAfter
	g.metrics.ObserveDecision(policy.Name, ratelimit.MetricsOutcomeThrottled)
	g.recordStrike(ctx, identity, policy)
	return verdict
}

// RecordOutcome feeds the downstream response status back into the behavior
// profile. Implements ratelimit.Checker.
func (g *Guard) RecordOutcome(identity string, success bool) {
	g.tracker.RecordOutcome(identity, success)
}

// recordStrike counts one engine denial toward the auto-ban threshold and
// deny-lists the client when the threshold is reached within the window.
// This is the only place deny-list entries are created without an explicit
// administrative action. Failures here are logged and swallowed: banning is
// a side effect, never a reason to fail the check.
func (g *Guard) recordStrike(ctx context.Context, identity string, policy ratelimit.Policy) {
	if g.autoBan.Threshold <= 0 {
		return
	}

	key := strikeKeyPrefix + identity
	pipe := g.client.TxPipeline()
	count := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, g.autoBan.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		g.logger.Warn("failed to record rate limit strike",
			log.String("identity", identity), log.Error(err))
		return
	}
	if count.Val() < int64(g.autoBan.Threshold) {
		return
	}

	reason := fmt.Sprintf("auto-banned: %d rate limit denials within %s (policy %s)",
		count.Val(), g.autoBan.Window, policy.Name)
	if err := g.lists.Deny(ctx, identity, reason, g.autoBan.BanFor); err != nil {
		g.logger.Warn("failed to auto-ban client",
			log.String("identity", identity), log.Error(err))
		return
	}
	if err := g.client.Del(ctx, key).Err(); err != nil {
		g.logger.Warn("failed to clear strike counter after auto-ban",
			log.String("identity", identity), log.Error(err))
	}
	g.logger.Warn("client auto-banned",
		log.String("identity", identity),
		log.String("policy", policy.Name),
		log.Duration("ban_for", g.autoBan.BanFor))
}

func (g *Guard) failOpen(identity string, policy ratelimit.Policy, started time.Time, err error) *ratelimit.Verdict {
	latency := g.now().Sub(started)
	g.logger.Warn("rate limit store unreachable, failing open",
		log.String("identity", identity),
		log.String("policy", policy.Name),
		log.DurationIn(latency, time.Millisecond),
		log.Error(err))
	g.metrics.ObserveFailOpen()
	g.metrics.ObserveDecision(policy.Name, ratelimit.MetricsOutcomeFailedOpen)
	return &ratelimit.Verdict{
		Allowed:    true,
		Reason:     ratelimit.ReasonFailOpen,
		Policy:     policy.Name,
		Algorithm:  policy.Algorithm,
		Window:     policy.Window,
		FailedOpen: true,
	}
}

// PolicyStatus is one policy's view of a client for introspection.
type PolicyStatus struct {
	Policy    string    `json:"policy"`
	Algorithm string    `json:"algorithm"`
	Limit     uint64    `json:"limit"`
	Used      uint64    `json:"used"`
	Remaining uint64    `json:"remaining"`
	ResetsAt  time.Time `json:"resetsAt"`
}

// Status is the full introspection view of one client identity.
type Status struct {
	Identity    string         `json:"identity"`
	AllowListed bool           `json:"allowListed"`
	DenyListed  bool           `json:"denyListed"`
	ListReason  string         `json:"listReason,omitempty"`
	RiskTier    string         `json:"riskTier"`
	Policies    []PolicyStatus `json:"policies"`
}

// Status reports the client's used/remaining capacity for every policy plus
// its list memberships. Unlike Check, errors are surfaced: this is an
// administrative read, not a request-path decision.
func (g *Guard) Status(ctx context.Context, identity string) (*Status, error) {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	status := &Status{Identity: identity, RiskTier: RiskLow.String()}
	if snapshot, ok := g.tracker.Snapshot(identity); ok {
		status.RiskTier = snapshot.Tier.String()
	}

	if entry, err := g.lists.GetDeny(ctx, identity); err != nil {
		return nil, err
	} else if entry != nil {
		status.DenyListed = true
		status.ListReason = entry.Reason
	}
	if entry, err := g.lists.GetAllow(ctx, identity); err != nil {
		return nil, err
	} else if entry != nil {
		status.AllowListed = true
		// The deny reason wins when the identity is on both lists, matching
		// the precedence Check applies.
		if !status.DenyListed {
			status.ListReason = entry.Reason
		}
	}

	names := g.registry.Names()
	sort.Strings(names)
	for _, name := range names {
		policy, strategy, err := g.registry.Lookup(name)
		if err != nil {
			return nil, err
		}
		inspector, ok := strategy.(ratelimit.Inspector)
		if !ok {
			continue
		}
		result, err := inspector.Peek(ctx, &ratelimit.Request{
			Key:      policy.Key(identity),
			Limit:    policy.MaxRequests,
			Duration: policy.Window,
		})
		if err != nil {
			return nil, err
		}
		status.Policies = append(status.Policies, PolicyStatus{
			Policy:    policy.Name,
			Algorithm: policy.Algorithm,
			Limit:     policy.MaxRequests,
			Used:      result.TotalRequests,
			Remaining: result.Remaining,
			ResetsAt:  result.ExpiresAt,
		})
	}
	return status, nil
}

// Reset clears all rate limit state for the identity across every policy,
// including the auto-ban strike counter and the local behavior profile. The
// next check behaves like a first-ever check for that client.
func (g *Guard) Reset(ctx context.Context, identity string) error {
	ctx, cancel := context.WithTimeout(ctx, g.storeTimeout)
	defer cancel()

	names := g.registry.Names()
	sort.Strings(names)
	for _, name := range names {
		policy, strategy, err := g.registry.Lookup(name)
		if err != nil {
			return err
		}
		resetter, ok := strategy.(ratelimit.Resetter)
		if !ok {
			continue
		}
		if err := resetter.Reset(ctx, policy.Key(identity)); err != nil {
			return err
		}
	}
	if err := g.client.Del(ctx, strikeKeyPrefix+identity).Err(); err != nil {
		return fmt.Errorf("failed to clear strike counter for %v: %w", identity, err)
	}
	g.tracker.Forget(identity)
	return nil
}
