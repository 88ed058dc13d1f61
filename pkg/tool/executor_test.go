package tool

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/governor"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store/blob"
)

// fakeTool is a scriptable tool for executor tests.
type fakeTool struct {
	name string
	run  func(ctx context.Context, input map[string]any) (map[string]any, error)
}

func (f *fakeTool) Name() string            { return f.name }
func (f *fakeTool) Description() string     { return "fake" }
func (f *fakeTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (f *fakeTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	return f.run(ctx, input)
}

type recordedCall struct {
	tool    string
	outcome models.ToolOutcome
	input   string
	output  string
}

type fakeReporter struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (r *fakeReporter) ToolCall(_ string, tool string, outcome models.ToolOutcome, _ int64, input, output string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recordedCall{tool: tool, outcome: outcome, input: input, output: output})
}

func newTestExecutor(t *testing.T, reg *Registry, toolCfg config.ToolConfig) (*Executor, *fakeReporter) {
	t.Helper()
	reporter := &fakeReporter{}
	breakers := governor.NewBreakerSet(2, time.Minute, 1, nil)
	exec := NewExecutor(reg, toolCfg, config.ResourceConfig{MaxToolOutputLength: 50}, governor.NewRateLimiter(nil), breakers, reporter, nil)
	return exec, reporter
}

func TestExecutor_SuccessfulRun(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "echo", run: func(_ context.Context, input map[string]any) (map[string]any, error) {
		return map[string]any{"echo": input["msg"]}, nil
	}})
	exec, reporter := newTestExecutor(t, reg, config.ToolConfig{Timeout: time.Second})

	res := exec.Run(context.Background(), &Invocation{Tool: "echo", Caller: "analysis", Input: map[string]any{"msg": "hi"}})
	require.NoError(t, res.Err)
	assert.Equal(t, models.OutcomeOK, res.Outcome)
	assert.Equal(t, "hi", res.Output["echo"])
	require.Len(t, reporter.calls, 1)
	call := reporter.calls[0]
	assert.Equal(t, "echo", call.tool)
	assert.Equal(t, models.OutcomeOK, call.outcome)
	assert.Equal(t, `{"msg":"hi"}`, call.input)
	assert.Equal(t, `{"echo":"hi"}`, call.output)
}

func TestExecutor_UnknownAndDisabledTools(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "off", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	}})
	disabled := false
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{
		Timeout: time.Second,
		PerTool: map[string]config.ToolOverride{"off": {Enabled: &disabled}},
	})

	res := exec.Run(context.Background(), &Invocation{Tool: "missing"})
	assert.Equal(t, models.OutcomeToolError, res.Outcome)
	assert.Error(t, res.Err)

	res = exec.Run(context.Background(), &Invocation{Tool: "off"})
	assert.Equal(t, models.OutcomeToolError, res.Outcome)
}

func TestExecutor_TimeoutOutcome(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "slow", run: func(ctx context.Context, _ map[string]any) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: 20 * time.Millisecond})

	res := exec.Run(context.Background(), &Invocation{Tool: "slow"})
	assert.Equal(t, models.OutcomeTimeout, res.Outcome)
}

func TestExecutor_RetriesTransientErrors(t *testing.T) {
	attempts := 0
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "flaky", run: func(context.Context, map[string]any) (map[string]any, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return map[string]any{"ok": true}, nil
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: 5 * time.Second, MaxRetries: 2})

	res := exec.Run(context.Background(), &Invocation{Tool: "flaky"})
	require.NoError(t, res.Err)
	assert.Equal(t, 3, attempts)
}

func TestExecutor_SandboxDenialIsNotRetried(t *testing.T) {
	attempts := 0
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "denied", run: func(context.Context, map[string]any) (map[string]any, error) {
		attempts++
		return nil, ErrPathDenied
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: time.Second, MaxRetries: 3})

	res := exec.Run(context.Background(), &Invocation{Tool: "denied"})
	assert.Equal(t, models.OutcomeToolError, res.Outcome)
	assert.Equal(t, 1, attempts)
}

func TestExecutor_CircuitOpenFallsBack(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&fakeTool{name: "primary", run: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("broken")
		}},
		&fakeTool{name: "backup", run: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"from": "backup"}, nil
		}},
	)
	exec, reporter := newTestExecutor(t, reg, config.ToolConfig{
		Timeout: time.Second,
		PerTool: map[string]config.ToolOverride{"primary": {FallbackTool: "backup"}},
	})

	// Two failures trip the breaker (threshold 2).
	for i := 0; i < 2; i++ {
		res := exec.Run(context.Background(), &Invocation{Tool: "primary"})
		assert.Equal(t, models.OutcomeToolError, res.Outcome)
	}

	res := exec.Run(context.Background(), &Invocation{Tool: "primary"})
	require.NoError(t, res.Err)
	assert.Equal(t, models.OutcomeFallback, res.Outcome)
	assert.Equal(t, "backup", res.Tool)
	assert.Equal(t, "backup", res.Output["from"])

	last := reporter.calls[len(reporter.calls)-1]
	assert.Equal(t, models.OutcomeFallback, last.outcome)
}

func TestExecutor_CircuitOpenWithoutFallback(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "primary", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("broken")
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: time.Second})

	for i := 0; i < 2; i++ {
		exec.Run(context.Background(), &Invocation{Tool: "primary"})
	}
	res := exec.Run(context.Background(), &Invocation{Tool: "primary"})
	assert.Equal(t, models.OutcomeCircuitOpen, res.Outcome)
	assert.ErrorIs(t, res.Err, governor.ErrCircuitOpen)
}

func TestExecutor_OpenCircuitSkipsPrimaryRateBucket(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&fakeTool{name: "primary", run: func(context.Context, map[string]any) (map[string]any, error) {
			return nil, errors.New("broken")
		}},
		&fakeTool{name: "backup", run: func(context.Context, map[string]any) (map[string]any, error) {
			return map[string]any{"from": "backup"}, nil
		}},
	)
	limiter := governor.NewRateLimiter(nil)
	breakers := governor.NewBreakerSet(2, time.Minute, 1, nil)
	exec := NewExecutor(reg, config.ToolConfig{
		Timeout: 100 * time.Millisecond,
		PerTool: map[string]config.ToolOverride{"primary": {FallbackTool: "backup"}},
	}, config.ResourceConfig{}, limiter, breakers, nil, nil)

	for i := 0; i < 2; i++ {
		exec.Run(context.Background(), &Invocation{Tool: "primary"})
	}
	require.Equal(t, governor.StateOpen, breakers.State("primary"))

	// Drain primary's bucket; a token will not refill within the tool
	// timeout. The open circuit must divert to the fallback before the
	// limiter is ever consulted for primary.
	limiter.SetLimit("primary", governor.Limit{PerSecond: 0.01, Burst: 1})
	require.True(t, limiter.Allow("primary"))

	res := exec.Run(context.Background(), &Invocation{Tool: "primary"})
	require.NoError(t, res.Err)
	assert.Equal(t, models.OutcomeFallback, res.Outcome)
	assert.Equal(t, "backup", res.Tool)
}

func TestExecutor_RetryBackoffIsExponential(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "down", run: func(context.Context, map[string]any) (map[string]any, error) {
		return nil, errors.New("still down")
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: 5 * time.Second, MaxRetries: 2})

	start := time.Now()
	res := exec.Run(context.Background(), &Invocation{Tool: "down"})
	elapsed := time.Since(start)

	assert.Equal(t, models.OutcomeToolError, res.Outcome)
	// Backoffs of 100ms then 200ms precede the two retries.
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestExecutor_TruncatesOversizedOutput(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "big", run: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"content": string(long)}, nil
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: time.Second})

	res := exec.Run(context.Background(), &Invocation{Tool: "big"})
	require.NoError(t, res.Err)
	assert.True(t, res.Truncated)
	content := res.Output["content"].(string)
	assert.Contains(t, content, truncationMarker)
	assert.Len(t, content, 50+len(truncationMarker))
	assert.Equal(t, true, res.Output["truncated"])
}

func TestExecutor_SpillsOversizedOutputToBlobs(t *testing.T) {
	long := strings.Repeat("y", 200)
	reg := NewRegistry()
	reg.MustRegister(&fakeTool{name: "big", run: func(context.Context, map[string]any) (map[string]any, error) {
		return map[string]any{"content": long}, nil
	}})
	exec, _ := newTestExecutor(t, reg, config.ToolConfig{Timeout: time.Second})

	blobs, err := blob.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	exec.SpillTo(blobs, "task-1")

	res := exec.Run(context.Background(), &Invocation{Tool: "big"})
	require.NoError(t, res.Err)
	require.True(t, res.Truncated)

	content := res.Output["content"].(string)
	require.Contains(t, content, "full output at blob task-1/tool-output/")

	// The marker names a blob holding the complete output.
	key := content[strings.Index(content, "task-1/tool-output/"):]
	key = strings.TrimSuffix(key, "]")
	stored, err := blobs.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, long, string(stored))
}
