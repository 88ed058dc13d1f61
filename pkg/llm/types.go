// Package llm provides the provider-agnostic LLM call layer: a pool
// that applies concurrency bounds, rate limits, retries, caching, and
// cost accounting in front of interchangeable provider adapters.
package llm

import (
	"context"
	"encoding/json"

	"github.com/argus-audit/argus/pkg/models"
)

// Message roles, aligned with the chat-completion wire convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that request tool execution.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role turn back to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolSpec advertises a callable tool to the model.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request is a provider-agnostic completion request.
type Request struct {
	Messages []Message  `json:"messages"`
	Tools    []ToolSpec `json:"tools,omitempty"`

	// Model overrides the provider's configured model when non-empty.
	Model       string  `json:"model,omitempty"`
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
}

// Response is a completed (non-streaming) model reply.
type Response struct {
	Content      string            `json:"content"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        models.TokenUsage `json:"usage"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// Cached marks responses served from the completion cache.
	Cached bool `json:"cached,omitempty"`
}

// Chunk is one streaming delta. A stream is a finite chunk sequence
// ending with exactly one chunk where Done is true (carrying the final
// usage) or Err non-nil.
type Chunk struct {
	Delta string
	Done  bool
	Usage models.TokenUsage
	Err   error
}

// Provider is one configured LLM backend. Implementations are stateless
// beyond their HTTP client; all governance lives in the Pool.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (<-chan Chunk, error)
}
