package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/acronis/go-appkit/log"
	"golang.org/x/time/rate"

	"github.com/pulsenotes/ratelimit"
)

// RiskTier classifies a client's behavior. The tier is a best-effort,
// process-local heuristic: it is never shared between instances and never
// bears distributed consistency.
type RiskTier int

// Risk tiers, lowest first.
const (
	RiskLow RiskTier = iota
	RiskMedium
	RiskHigh
)

var riskTierStrings = map[RiskTier]string{
	RiskLow:    "low",
	RiskMedium: "medium",
	RiskHigh:   "high",
}

// String returns the tier name.
func (t RiskTier) String() string {
	return riskTierStrings[t]
}

const (
	profileIdleTTL       = 24 * time.Hour
	profileCleanupEvery  = time.Hour
	restrictionDuration  = 5 * time.Minute
	errorScoreDecay      = 0.95
	burstScoreThreshold  = 3
	burstScoreStrong     = 10
	suspiciousScoreLimit = 3
	errorScoreThreshold  = 5.0
	errorScoreStrong     = 20.0
)

// Default request path fragments treated as probing attempts.
var defaultSuspiciousPaths = []string{
	"/admin",
	"/internal",
	"/.env",
	"/.git",
	"/wp-login",
	"/wp-admin",
}

// profile is the in-memory behavior record for one client within this
// process. Evicted after 24h of inactivity.
type profile struct {
	requests       int64
	firstSeen      time.Time
	lastSeen       time.Time
	bursts         int
	suspiciousHits int
	errorScore     float64
	tier           RiskTier

	// restriction is the short-lived informational limiter installed when
	// the tier turns high. It marks requests, it does not block them.
	restriction      *rate.Limiter
	restrictionUntil time.Time
}

// ProfileSnapshot is a read-only copy of a client's behavior profile.
type ProfileSnapshot struct {
	Requests       int64
	FirstSeen      time.Time
	LastSeen       time.Time
	Bursts         int
	SuspiciousHits int
	Tier           RiskTier
}

// Tracker maintains behavior profiles for all clients seen by this process.
type Tracker struct {
	mu       sync.Mutex
	profiles map[string]*profile

	cfg             ratelimit.BehaviorConfig
	suspiciousPaths []string
	now             func() time.Time
	logger          log.FieldLogger
}

// NewTracker creates a behavior tracker.
func NewTracker(cfg ratelimit.BehaviorConfig, now func() time.Time, logger log.FieldLogger) *Tracker {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	return &Tracker{
		profiles:        make(map[string]*profile),
		cfg:             cfg,
		suspiciousPaths: defaultSuspiciousPaths,
		now:             now,
		logger:          logger,
	}
}

// Observe updates the client's profile with one request and returns the
// recomputed risk tier plus whether the informational restriction would have
// throttled this request.
func (t *Tracker) Observe(identity string, meta ratelimit.RequestMeta) (RiskTier, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles[identity]
	if !ok {
		p = &profile{firstSeen: now, lastSeen: now}
		t.profiles[identity] = p
	}

	p.requests++
	if p.requests > 1 && now.Sub(p.lastSeen) < t.cfg.BurstGap {
		p.bursts++
	}
	p.lastSeen = now
	if t.isSuspiciousPath(meta.Path) {
		p.suspiciousHits++
	}

	previous := p.tier
	p.tier = t.scoreTier(p)
	if p.tier == RiskHigh && (previous != RiskHigh || now.After(p.restrictionUntil)) {
		p.restriction = rate.NewLimiter(rate.Every(time.Second), 1)
		p.restrictionUntil = now.Add(restrictionDuration)
		t.logger.Warn("client escalated to high risk tier",
			log.String("identity", identity),
			log.Int("bursts", p.bursts),
			log.Int("suspicious_hits", p.suspiciousHits),
			log.Float64("error_score", p.errorScore))
	}

	restricted := false
	if p.restriction != nil && now.Before(p.restrictionUntil) {
		restricted = !p.restriction.AllowN(now, 1)
	}
	return p.tier, restricted
}

// RecordOutcome feeds the downstream response back into the rolling error
// score: errors add to it, each success decays it slightly.
func (t *Tracker) RecordOutcome(identity string, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles[identity]
	if !ok {
		return
	}
	if success {
		p.errorScore *= errorScoreDecay
	} else {
		p.errorScore++
	}
}

// Snapshot returns a copy of the client's profile, if one exists.
func (t *Tracker) Snapshot(identity string) (ProfileSnapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.profiles[identity]
	if !ok {
		return ProfileSnapshot{}, false
	}
	return ProfileSnapshot{
		Requests:       p.requests,
		FirstSeen:      p.firstSeen,
		LastSeen:       p.lastSeen,
		Bursts:         p.bursts,
		SuspiciousHits: p.suspiciousHits,
		Tier:           p.tier,
	}, true
}

// Forget drops the client's profile.
func (t *Tracker) Forget(identity string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, identity)
}

// RunJanitor evicts idle profiles periodically until the context is canceled.
func (t *Tracker) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(profileCleanupEvery)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.cleanup()
			}
		}
	}()
}

func (t *Tracker) cleanup() {
	cutoff := t.now().Add(-profileIdleTTL)

	t.mu.Lock()
	defer t.mu.Unlock()

	for identity, p := range t.profiles {
		if p.lastSeen.Before(cutoff) {
			delete(t.profiles, identity)
		}
	}
}

// scoreTier converts the weighted counters into a tier. Each signal
// contributes thresholded points; the sums are compared against the
// configured medium and high thresholds.
func (t *Tracker) scoreTier(p *profile) RiskTier {
	score := 0
	switch {
	case p.bursts >= burstScoreStrong:
		score += 3
	case p.bursts >= burstScoreThreshold:
		score += 1
	}
	switch {
	case p.suspiciousHits >= suspiciousScoreLimit:
		score += 3
	case p.suspiciousHits >= 1:
		score += 1
	}
	switch {
	case p.errorScore >= errorScoreStrong:
		score += 3
	case p.errorScore >= errorScoreThreshold:
		score += 1
	}

	switch {
	case score >= t.cfg.HighRiskThreshold:
		return RiskHigh
	case score >= t.cfg.MediumRiskThreshold:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (t *Tracker) isSuspiciousPath(path string) bool {
	for _, fragment := range t.suspiciousPaths {
		if strings.Contains(path, fragment) {
			return true
		}
	}
	return false
}
