package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store/memory"
)

func testLLMConfig() config.LLMConfig {
	return config.LLMConfig{
		MaxRetries:      2,
		RetryBaseDelay:  time.Millisecond,
		RetryMaxDelay:   5 * time.Millisecond,
		Timeout:         time.Second,
		CacheTTL:        time.Hour,
		DefaultProvider: "mock",
		Providers: map[string]config.LLMProviderConfig{
			"mock": {
				Type:            "mock",
				Model:           "mock-model",
				MaxConcurrent:   2,
				InputCostPer1K:  0.001,
				OutputCostPer1K: 0.002,
			},
		},
	}
}

func newTestPool(t *testing.T, cfg config.LLMConfig) (*Pool, *MockProvider) {
	t.Helper()
	mock := NewMockProvider("mock", "mock-model")
	cache := NewCache(memory.NewKV(), cfg.CacheTTL)
	pool := NewPool(cfg, map[string]Provider{"mock": mock}, cache)
	return pool, mock
}

func TestPool_CompleteAccountsCost(t *testing.T) {
	pool, mock := newTestPool(t, testLLMConfig())
	mock.Enqueue(MockTurn{Response: &Response{
		Content: "hello",
		Usage:   models.TokenUsage{InputTokens: 1000, OutputTokens: 500},
	}})

	resp, err := pool.Complete(context.Background(), "", &Request{
		Temperature: 0.7, // not cacheable
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, 1500, resp.Usage.TotalTokens)
	assert.InDelta(t, 0.001+0.001, resp.Usage.CostUSD, 1e-9)

	total := pool.Usage()
	assert.Equal(t, 1000, total.InputTokens)
	assert.InDelta(t, resp.Usage.CostUSD, total.CostUSD, 1e-9)
}

func TestPool_DeterministicRequestsAreCached(t *testing.T) {
	pool, mock := newTestPool(t, testLLMConfig())
	mock.EnqueueContent("first answer")

	req := &Request{Messages: []Message{{Role: RoleUser, Content: "what is 2+2"}}}

	first, err := pool.Complete(context.Background(), "mock", req)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := pool.Complete(context.Background(), "mock", req)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Zero(t, second.Usage.CostUSD)

	// The provider only saw one request.
	assert.Len(t, mock.Requests(), 1)
}

func TestPool_RetriesTransientFailures(t *testing.T) {
	pool, mock := newTestPool(t, testLLMConfig())
	mock.Enqueue(
		MockTurn{Err: NewRateLimitError(time.Millisecond, assert.AnError)},
		MockTurn{Err: ErrRetryable},
	)
	mock.EnqueueContent("recovered")

	resp, err := pool.Complete(context.Background(), "mock", &Request{
		Temperature: 0.5,
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Len(t, mock.Requests(), 3)
}

func TestPool_PermanentFailureIsNotRetried(t *testing.T) {
	pool, mock := newTestPool(t, testLLMConfig())
	mock.Enqueue(MockTurn{Err: ErrPermanent})

	_, err := pool.Complete(context.Background(), "mock", &Request{
		Temperature: 0.5,
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, ErrPermanent)
	assert.Len(t, mock.Requests(), 1)
}

func TestPool_UnknownProvider(t *testing.T) {
	pool, _ := newTestPool(t, testLLMConfig())
	_, err := pool.Complete(context.Background(), "nope", &Request{})
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestPool_StreamDeliversDeltasAndFinalUsage(t *testing.T) {
	pool, mock := newTestPool(t, testLLMConfig())
	mock.EnqueueContent("streamed text")

	ch, err := pool.Stream(context.Background(), "mock", &Request{
		Temperature: 0.5,
		Messages:    []Message{{Role: RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	var deltas string
	var final *Chunk
	for chunk := range ch {
		require.NoError(t, chunk.Err)
		if chunk.Done {
			c := chunk
			final = &c
		} else {
			deltas += chunk.Delta
		}
	}
	assert.Equal(t, "streamed text", deltas)
	require.NotNil(t, final, "stream must end with a done chunk")
	assert.Equal(t, 15, final.Usage.TotalTokens)
}

func TestCounter_FallbackEstimate(t *testing.T) {
	c := NewCounter()
	text := "some text that is sixteen chars long or more"
	// Unknown model falls back to an encoding or bytes/4; either way the
	// estimate is positive and roughly proportional to length.
	n := c.Count("totally-unknown-model", text)
	assert.Positive(t, n)
	assert.Less(t, n, len(text))
}

func TestCounter_CountMessagesIncludesOverhead(t *testing.T) {
	c := NewCounter()
	msgs := []Message{{Role: RoleUser, Content: "hello world"}}
	assert.Greater(t, c.CountMessages("gpt-4", msgs), c.Count("gpt-4", "hello world"))
}
