package guard

import (
	"math"
	"runtime"

	"github.com/pulsenotes/ratelimit"
)

// HealthSignal captures the process and dependency health used for dynamic
// limit scaling. It is sampled fresh for every check and never stored.
type HealthSignal struct {
	// MemoryPressure is the fraction of the heap currently in use,
	// a cheap proxy for process resource pressure.
	MemoryPressure float64
	// Goroutines is the current goroutine count, a proxy for load.
	Goroutines int
	// DependencyDegraded reports that a downstream dependency's health
	// check is failing.
	DependencyDegraded bool
}

// HealthProbe reports whether a downstream dependency is degraded. The probe
// is supplied by the surrounding service; nil means no dependency to watch.
type HealthProbe func() bool

// SampleHealth reads the current process health signal.
func SampleHealth(probe HealthProbe) HealthSignal {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	sig := HealthSignal{
		Goroutines: runtime.NumGoroutine(),
	}
	if ms.HeapSys > 0 {
		sig.MemoryPressure = float64(ms.HeapInuse) / float64(ms.HeapSys)
	}
	if probe != nil {
		sig.DependencyDegraded = probe()
	}
	return sig
}

// Scale returns the policy to use for a single check given the current health
// signal. Limits only ever scale down; the multiplicative factor is applied
// once per degraded condition, with a floor of one request. The result is an
// ephemeral clone: the canonical policy is never mutated, so recovering
// health restores the original limits with no undo step.
func Scale(p ratelimit.Policy, sig HealthSignal, cfg ratelimit.AdjustConfig) ratelimit.Policy {
	factor := 1.0
	if cfg.MemoryThreshold > 0 && sig.MemoryPressure > cfg.MemoryThreshold {
		factor *= cfg.Factor
	}
	if cfg.GoroutineThreshold > 0 && sig.Goroutines > cfg.GoroutineThreshold {
		factor *= cfg.Factor
	}
	if sig.DependencyDegraded {
		factor *= cfg.Factor
	}
	if factor >= 1 {
		return p
	}
	return p.WithLimit(uint64(math.Floor(float64(p.MaxRequests) * factor)))
}
