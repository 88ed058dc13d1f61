package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
)

// defaultMaxConcurrent bounds in-flight calls per provider when config
// leaves it unset.
const defaultMaxConcurrent = 4

// Pool fronts the configured providers with concurrency bounds, rate
// limits, a wall-clock deadline, retries, and completion caching. All
// agent LLM traffic goes through here.
type Pool struct {
	cfg     config.LLMConfig
	cache   *Cache
	counter *Counter

	global *rate.Limiter // nil when no global bucket configured

	mu      sync.Mutex
	entries map[string]*poolEntry
	usage   models.TokenUsage
}

type poolEntry struct {
	provider Provider
	sem      *semaphore.Weighted
	limiter  *rate.Limiter // nil when unlimited
	costs    config.LLMProviderConfig
}

// NewPool builds a pool over already-constructed providers. The map key
// is the provider's configured name; each must have a matching entry in
// cfg.Providers for its governance parameters.
func NewPool(cfg config.LLMConfig, providers map[string]Provider, cache *Cache) *Pool {
	p := &Pool{
		cfg:     cfg,
		cache:   cache,
		counter: NewCounter(),
		entries: make(map[string]*poolEntry, len(providers)),
	}
	if cfg.GlobalRatePerMinute > 0 {
		p.global = rate.NewLimiter(rate.Limit(cfg.GlobalRatePerMinute/60), 1)
	}
	for name, prov := range providers {
		pc := cfg.Providers[name]
		maxConc := pc.MaxConcurrent
		if maxConc <= 0 {
			maxConc = defaultMaxConcurrent
		}
		entry := &poolEntry{
			provider: prov,
			sem:      semaphore.NewWeighted(int64(maxConc)),
			costs:    pc,
		}
		if pc.RatePerMinute > 0 {
			entry.limiter = rate.NewLimiter(rate.Limit(pc.RatePerMinute/60), 1)
		}
		p.entries[name] = entry
	}
	return p
}

// Usage returns the accumulated token usage and cost across all calls.
func (p *Pool) Usage() models.TokenUsage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

// CountTokens estimates the token size of a message list under the
// named provider's model.
func (p *Pool) CountTokens(providerName string, messages []Message) int {
	entry, err := p.entry(providerName)
	if err != nil {
		return p.counter.CountMessages("", messages)
	}
	return p.counter.CountMessages(entry.provider.Model(), messages)
}

// Complete runs a completion through the named provider (empty name
// selects the configured default), applying the cache, admission
// control, deadline, and retry policy.
func (p *Pool) Complete(ctx context.Context, providerName string, req *Request) (*Response, error) {
	entry, err := p.entry(providerName)
	if err != nil {
		return nil, err
	}

	var cacheKey string
	if p.cache.Cacheable(req) {
		cacheKey = p.cache.Key(entry.provider.Name(), entry.provider.Model(), req)
		if resp := p.cache.Get(ctx, cacheKey); resp != nil {
			slog.Debug("LLM cache hit", "provider", entry.provider.Name())
			return resp, nil
		}
	}

	resp, err := p.call(ctx, entry, func(callCtx context.Context) (*Response, error) {
		return entry.provider.Complete(callCtx, req)
	})
	if err != nil {
		return nil, err
	}

	p.account(entry, resp)
	if cacheKey != "" {
		p.cache.Put(ctx, cacheKey, resp)
	}
	return resp, nil
}

// Stream opens a streaming completion. Retries apply only to opening
// the stream; a stream that fails mid-flight surfaces its error chunk
// and the caller restarts from scratch. Usage from the final chunk is
// accounted before it is forwarded.
func (p *Pool) Stream(ctx context.Context, providerName string, req *Request) (<-chan Chunk, error) {
	entry, err := p.entry(providerName)
	if err != nil {
		return nil, err
	}

	if err := p.admit(ctx, entry); err != nil {
		return nil, err
	}

	inner, err := entry.provider.Stream(ctx, req)
	if err != nil {
		entry.sem.Release(1)
		return nil, err
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer entry.sem.Release(1)
		for chunk := range inner {
			if chunk.Done {
				p.accountUsage(entry, &chunk.Usage)
			}
			out <- chunk
		}
	}()
	return out, nil
}

// call applies admission, deadline, and the retry loop around one
// provider invocation.
func (p *Pool) call(ctx context.Context, entry *poolEntry, fn func(context.Context) (*Response, error)) (*Response, error) {
	maxAttempts := p.cfg.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := p.backoff(attempt, lastErr)
			slog.Debug("Retrying LLM call",
				"provider", entry.provider.Name(), "attempt", attempt, "delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := p.admit(ctx, entry); err != nil {
			return nil, err
		}

		callCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		}
		resp, err := fn(callCtx)
		if cancel != nil {
			cancel()
		}
		entry.sem.Release(1)

		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("llm call failed after %d attempts: %w", maxAttempts, lastErr)
}

// admit waits for rate-limit tokens and a concurrency slot.
func (p *Pool) admit(ctx context.Context, entry *poolEntry) error {
	if p.global != nil {
		if err := p.global.Wait(ctx); err != nil {
			return err
		}
	}
	if entry.limiter != nil {
		if err := entry.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return entry.sem.Acquire(ctx, 1)
}

// backoff computes the delay before the given retry attempt. A provider
// Retry-After hint overrides exponential backoff.
func (p *Pool) backoff(attempt int, lastErr error) time.Duration {
	if hint := retryAfterHint(lastErr); hint > 0 {
		return hint
	}
	base := p.cfg.RetryBaseDelay
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	delay := base << (attempt - 1)
	if max := p.cfg.RetryMaxDelay; max > 0 && delay > max {
		delay = max
	}
	// Full jitter.
	return time.Duration(rand.Int63n(int64(delay) + 1))
}

func (p *Pool) entry(name string) (*poolEntry, error) {
	if name == "" {
		name = p.cfg.DefaultProvider
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return entry, nil
}

// account computes the call's cost from the provider's per-1K rates and
// folds it into both the response and the pool totals.
func (p *Pool) account(entry *poolEntry, resp *Response) {
	if resp.Cached {
		return
	}
	p.accountUsage(entry, &resp.Usage)
}

func (p *Pool) accountUsage(entry *poolEntry, usage *models.TokenUsage) {
	usage.CostUSD = float64(usage.InputTokens)/1000*entry.costs.InputCostPer1K +
		float64(usage.OutputTokens)/1000*entry.costs.OutputCostPer1K
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	p.mu.Lock()
	p.usage.Accumulate(*usage)
	p.mu.Unlock()
}
