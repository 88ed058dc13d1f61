package governor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_UnknownKeyUnlimited(t *testing.T) {
	r := NewRateLimiter(nil)
	for i := 0; i < 100; i++ {
		require.NoError(t, r.Acquire(context.Background(), "anything"))
	}
}

func TestRateLimiter_BurstThenThrottle(t *testing.T) {
	r := NewRateLimiter(map[string]Limit{
		"llm": {PerSecond: 1, Burst: 2},
	})

	assert.True(t, r.Allow("llm"))
	assert.True(t, r.Allow("llm"))
	assert.False(t, r.Allow("llm"))
}

func TestRateLimiter_AcquireRespectsDeadline(t *testing.T) {
	r := NewRateLimiter(map[string]Limit{
		"slow": {PerSecond: 0.1, Burst: 1},
	})

	require.NoError(t, r.Acquire(context.Background(), "slow"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Acquire(ctx, "slow")
	require.Error(t, err)
}

func TestRateLimiter_SustainedRateBound(t *testing.T) {
	// Under sustained pressure at rate r with burst b, tokens issued in
	// window W must not exceed r*W + b.
	r := NewRateLimiter(map[string]Limit{
		"k": {PerSecond: 20, Burst: 5},
	})

	window := 250 * time.Millisecond
	deadline := time.Now().Add(window)
	issued := 0
	for time.Now().Before(deadline) {
		if r.Allow("k") {
			issued++
		}
	}

	// 20/s * 0.25s + 5 burst = 10; allow slack for scheduler timing.
	assert.LessOrEqual(t, issued, 12)
}

func TestRateLimiter_SetLimitReplacesBucket(t *testing.T) {
	r := NewRateLimiter(map[string]Limit{"k": {PerSecond: 1, Burst: 1}})
	assert.True(t, r.Allow("k"))
	assert.False(t, r.Allow("k"))

	r.SetLimit("k", Limit{PerSecond: 100, Burst: 10})
	assert.True(t, r.Allow("k"))
}
