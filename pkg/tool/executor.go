package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/governor"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// truncationMarker is appended to tool output that was cut at the
// configured length so the model knows content is missing.
const truncationMarker = "\n...[output truncated]"

// Reporter receives tool-call telemetry. Input and output are the
// masked JSON-encoded bags, bounded at the output length limit.
type Reporter interface {
	ToolCall(phase, tool string, outcome models.ToolOutcome, durationMS int64, input, output string)
}

// Masker scrubs credential material from tool output strings before
// they leave the executor. Satisfied by masking.Service.
type Masker interface {
	MaskMap(output map[string]any) map[string]any
}

// Executor wraps every tool invocation with the execution pipeline:
// enable check, deadline, circuit breaker with one-hop fallback, rate
// limit, bounded retries, output truncation, and telemetry.
type Executor struct {
	registry *Registry
	toolCfg  config.ToolConfig
	resCfg   config.ResourceConfig
	limiter  *governor.RateLimiter
	breakers *governor.BreakerSet
	reporter Reporter
	clock    store.Clock

	blobs    store.BlobStore
	blobBase string
	masker   Masker
}

// NewExecutor builds the executor. reporter may be nil (no telemetry).
func NewExecutor(
	registry *Registry,
	toolCfg config.ToolConfig,
	resCfg config.ResourceConfig,
	limiter *governor.RateLimiter,
	breakers *governor.BreakerSet,
	reporter Reporter,
	clock store.Clock,
) *Executor {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Executor{
		registry: registry,
		toolCfg:  toolCfg,
		resCfg:   resCfg,
		limiter:  limiter,
		breakers: breakers,
		reporter: reporter,
		clock:    clock,
	}
}

// SpillTo stores the full value of oversized outputs in the blob store
// before truncation. The truncation marker then references the stored
// artifact so verification can retrieve the complete output.
func (e *Executor) SpillTo(blobs store.BlobStore, taskID string) {
	e.blobs = blobs
	e.blobBase = taskID + "/tool-output"
}

// MaskWith scrubs every successful output through the masker. Masking
// runs before blob spill so secrets reach neither the model nor storage.
func (e *Executor) MaskWith(m Masker) {
	e.masker = m
}

// Run executes one invocation. The returned Result always carries an
// outcome; Err is set for every outcome other than ok/fallback-used.
func (e *Executor) Run(ctx context.Context, inv *Invocation) *Result {
	start := e.clock.Now()
	result := e.run(ctx, inv, inv.Tool, true)
	result.DurationMS = e.clock.Now().Sub(start).Milliseconds()

	if e.reporter != nil {
		e.reporter.ToolCall(inv.Caller, result.Tool, result.Outcome, result.DurationMS,
			e.encodeForEvent(inv.Input), e.encodeForEvent(result.Output))
	}
	if result.Err != nil {
		slog.Warn("Tool call failed",
			"tool", result.Tool, "caller", inv.Caller,
			"outcome", result.Outcome, "error", result.Err)
	}
	return result
}

// run executes against the named tool, following the configured
// fallback one hop when the tool's circuit is open.
func (e *Executor) run(ctx context.Context, inv *Invocation, name string, allowFallback bool) *Result {
	fail := func(outcome models.ToolOutcome, err error) *Result {
		return &Result{Tool: name, Outcome: outcome, Err: err}
	}

	t, ok := e.registry.Get(name)
	if !ok {
		return fail(models.OutcomeToolError, fmt.Errorf("unknown tool %q", name))
	}
	if !e.toolCfg.Enabled(name) {
		return fail(models.OutcomeToolError, fmt.Errorf("tool %q is disabled", name))
	}

	// Effective deadline: the tighter of the caller's context and the
	// per-tool timeout.
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout := e.toolCfg.TimeoutFor(name); timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// Breaker first: an Open circuit short-circuits (or falls back)
	// without draining this tool's rate bucket. The limiter then meters
	// whichever tool actually runs.
	if e.breakers != nil {
		if err := e.breakers.Admit(name); err != nil {
			if errors.Is(err, governor.ErrCircuitOpen) && allowFallback {
				if fb := e.toolCfg.FallbackFor(name); fb != "" && fb != name {
					slog.Info("Circuit open, using fallback tool", "tool", name, "fallback", fb)
					res := e.run(ctx, inv, fb, false)
					if res.Outcome == models.OutcomeOK {
						res.Outcome = models.OutcomeFallback
					}
					return res
				}
			}
			return fail(models.OutcomeCircuitOpen, err)
		}
	}

	if e.limiter != nil {
		if err := e.limiter.Acquire(runCtx, name); err != nil {
			if e.breakers != nil {
				e.breakers.Cancel(name)
			}
			return fail(models.OutcomeRateLimited, fmt.Errorf("rate limit wait for %q: %w", name, err))
		}
	}

	output, err := e.runWithRetries(runCtx, t, inv.Input)
	if err != nil {
		if e.breakers != nil {
			e.breakers.RecordFailure(name)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return fail(models.OutcomeTimeout, fmt.Errorf("tool %q timed out: %w", name, err))
		}
		return fail(models.OutcomeToolError, err)
	}
	if e.breakers != nil {
		e.breakers.RecordSuccess(name)
	}

	if e.masker != nil {
		output = e.masker.MaskMap(output)
	}
	output, truncated := e.truncate(ctx, output)
	return &Result{
		Tool:      name,
		Outcome:   models.OutcomeOK,
		Output:    output,
		Truncated: truncated,
	}
}

// retryBaseDelay is the backoff before the first retry; it doubles per
// attempt.
const retryBaseDelay = 100 * time.Millisecond

// runWithRetries retries transient tool errors with exponential
// backoff. Sandbox denials and deadline expiry are never retried.
func (e *Executor) runWithRetries(ctx context.Context, t Tool, input map[string]any) (map[string]any, error) {
	attempts := e.toolCfg.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBaseDelay << (attempt - 1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		output, err := t.Run(ctx, input)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if errors.Is(err, ErrPathDenied) || ctx.Err() != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

// encodeForEvent renders an input/output bag for the tool-call event:
// masked, JSON-encoded, and cut at the output length limit. The bag
// reaches the event stream, so it gets the same scrubbing as model
// input.
func (e *Executor) encodeForEvent(m map[string]any) string {
	if m == nil {
		return ""
	}
	if e.masker != nil {
		m = e.masker.MaskMap(m)
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	s := string(raw)
	if limit := e.resCfg.MaxToolOutputLength; limit > 0 && len(s) > limit {
		s = s[:limit]
	}
	return s
}

// truncate cuts oversized string values in the output map at the
// configured limit, appending the truncation marker. When a blob store
// is wired, the full value is spilled there first and the marker names
// the blob key.
func (e *Executor) truncate(ctx context.Context, output map[string]any) (map[string]any, bool) {
	limit := e.resCfg.MaxToolOutputLength
	if limit <= 0 || output == nil {
		return output, false
	}
	truncated := false
	for key, value := range output {
		s, ok := value.(string)
		if !ok || len(s) <= limit {
			continue
		}
		marker := truncationMarker
		if e.blobs != nil {
			blobKey := fmt.Sprintf("%s/%s", e.blobBase, uuid.NewString())
			if err := e.blobs.Put(ctx, blobKey, []byte(s)); err != nil {
				slog.Warn("Failed to spill oversized tool output", "key", blobKey, "error", err)
			} else {
				marker = fmt.Sprintf("\n...[output truncated; full output at blob %s]", blobKey)
			}
		}
		output[key] = s[:limit] + marker
		truncated = true
	}
	if truncated {
		output["truncated"] = true
	}
	return output, truncated
}
