package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pulsenotes/ratelimit"
)

func TestScale(t *testing.T) {
	policy := ratelimit.Policy{
		Name:        "api",
		Algorithm:   ratelimit.AlgFixedWindow,
		Window:      time.Minute,
		MaxRequests: 100,
	}
	cfg := ratelimit.AdjustConfig{
		MemoryThreshold:    0.85,
		GoroutineThreshold: 10000,
		Factor:             0.5,
	}

	tests := []struct {
		name   string
		sig    HealthSignal
		cfg    ratelimit.AdjustConfig
		policy ratelimit.Policy
		want   uint64
	}{
		{
			name:   "healthy process keeps the canonical limit",
			sig:    HealthSignal{MemoryPressure: 0.4, Goroutines: 50},
			cfg:    cfg,
			policy: policy,
			want:   100,
		},
		{
			name:   "memory pressure halves the limit",
			sig:    HealthSignal{MemoryPressure: 0.9},
			cfg:    cfg,
			policy: policy,
			want:   50,
		},
		{
			name:   "goroutine pressure halves the limit",
			sig:    HealthSignal{Goroutines: 20000},
			cfg:    cfg,
			policy: policy,
			want:   50,
		},
		{
			name:   "degraded dependency halves the limit",
			sig:    HealthSignal{DependencyDegraded: true},
			cfg:    cfg,
			policy: policy,
			want:   50,
		},
		{
			name:   "conditions compound multiplicatively",
			sig:    HealthSignal{MemoryPressure: 0.9, Goroutines: 20000, DependencyDegraded: true},
			cfg:    cfg,
			policy: policy,
			want:   12,
		},
		{
			name:   "scaled limit never drops below one",
			sig:    HealthSignal{DependencyDegraded: true},
			cfg:    cfg,
			policy: policy.WithLimit(1),
			want:   1,
		},
		{
			name:   "zero thresholds disable the process checks",
			sig:    HealthSignal{MemoryPressure: 0.99, Goroutines: 500000},
			cfg:    ratelimit.AdjustConfig{Factor: 0.5},
			policy: policy,
			want:   100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Scale(tt.policy, tt.sig, tt.cfg)
			assert.Equal(t, tt.want, got.MaxRequests)
			assert.Equal(t, tt.policy.Name, got.Name)
			assert.Equal(t, tt.policy.Window, got.Window)
		})
	}
}

func TestSampleHealth(t *testing.T) {
	probed := false
	sig := SampleHealth(func() bool {
		probed = true
		return true
	})

	assert.True(t, probed)
	assert.True(t, sig.DependencyDegraded)
	assert.Greater(t, sig.Goroutines, 0)
	assert.GreaterOrEqual(t, sig.MemoryPressure, 0.0)
	assert.LessOrEqual(t, sig.MemoryPressure, 1.0)

	sig = SampleHealth(nil)
	assert.False(t, sig.DependencyDegraded)
}
