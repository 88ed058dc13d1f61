package llm

import (
	"context"
	"sync"

	"github.com/argus-audit/argus/pkg/models"
)

// MockProvider is a deterministic, scriptable provider for tests and
// local end-to-end runs. Responses are consumed in FIFO order; when the
// script is exhausted the default response is returned.
type MockProvider struct {
	name  string
	model string

	mu       sync.Mutex
	script   []MockTurn
	fallback Response
	requests []*Request
}

// MockTurn is one scripted reply: either a response or an error.
type MockTurn struct {
	Response *Response
	Err      error
}

// NewMockProvider creates an empty-scripted mock named name.
func NewMockProvider(name, model string) *MockProvider {
	return &MockProvider{
		name:  name,
		model: model,
		fallback: Response{
			Content:      "done",
			FinishReason: "stop",
			Usage:        models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		},
	}
}

func (m *MockProvider) Name() string  { return m.name }
func (m *MockProvider) Model() string { return m.model }

// Enqueue appends scripted turns.
func (m *MockProvider) Enqueue(turns ...MockTurn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, turns...)
}

// EnqueueContent is a shorthand for plain-text replies.
func (m *MockProvider) EnqueueContent(contents ...string) {
	for _, content := range contents {
		m.Enqueue(MockTurn{Response: &Response{
			Content:      content,
			FinishReason: "stop",
			Usage:        models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
		}})
	}
}

// EnqueueToolCalls scripts an assistant turn requesting tool execution.
func (m *MockProvider) EnqueueToolCalls(calls ...ToolCall) {
	m.Enqueue(MockTurn{Response: &Response{
		ToolCalls:    calls,
		FinishReason: "tool_calls",
		Usage:        models.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}})
}

// Requests returns the requests seen so far, in order.
func (m *MockProvider) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}

func (m *MockProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		turn := m.script[0]
		m.script = m.script[1:]
		if turn.Err != nil {
			return nil, turn.Err
		}
		resp := *turn.Response
		resp.Provider = m.name
		resp.Model = m.model
		return &resp, nil
	}
	resp := m.fallback
	resp.Provider = m.name
	resp.Model = m.model
	return &resp, nil
}

// Stream replays a Complete response as a single delta plus final chunk.
func (m *MockProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	resp, err := m.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 2)
	if resp.Content != "" {
		out <- Chunk{Delta: resp.Content}
	}
	out <- Chunk{Done: true, Usage: resp.Usage}
	close(out)
	return out, nil
}
