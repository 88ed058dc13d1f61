// Package governor provides the shared resource-governance primitives:
// per-resource token-bucket rate limiting and failure-isolating circuit
// breakers. Instances are shared across all tasks in the process.
package governor

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limit describes a token bucket: sustained rate in tokens/second and
// burst capacity.
type Limit struct {
	PerSecond float64
	Burst     int
}

// RateLimiter maintains one token bucket per resource key. Keys are tool
// names for external scanners, provider names for LLMs, and the reserved
// global LLM bucket. Unknown keys pass through unlimited.
type RateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limits  map[string]Limit
}

// NewRateLimiter creates a limiter with the given per-key limits.
// Keys absent from limits are never throttled.
func NewRateLimiter(limits map[string]Limit) *RateLimiter {
	return &RateLimiter{
		buckets: make(map[string]*rate.Limiter),
		limits:  limits,
	}
}

// SetLimit installs or replaces the limit for a key. An existing bucket
// for the key is replaced, which resets accumulated tokens.
func (r *RateLimiter) SetLimit(key string, limit Limit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.limits == nil {
		r.limits = make(map[string]Limit)
	}
	r.limits[key] = limit
	delete(r.buckets, key)
}

// Acquire blocks until a token for key is available or ctx is done.
// Returns ctx.Err() on deadline/cancellation, nil once a token is held.
func (r *RateLimiter) Acquire(ctx context.Context, key string) error {
	lim := r.bucketFor(key)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it
// if so. Used by callers that prefer failing fast over parking.
func (r *RateLimiter) Allow(key string) bool {
	lim := r.bucketFor(key)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

func (r *RateLimiter) bucketFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if lim, ok := r.buckets[key]; ok {
		return lim
	}
	limit, ok := r.limits[key]
	if !ok || limit.PerSecond <= 0 {
		return nil
	}
	burst := limit.Burst
	if burst < 1 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(limit.PerSecond), burst)
	r.buckets[key] = lim
	return lim
}
