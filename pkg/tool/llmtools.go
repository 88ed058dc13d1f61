package tool

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/argus-audit/argus/pkg/llm"
)

// Completer is the slice of the LLM pool that reasoning tools need.
type Completer interface {
	Complete(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// ThinkTool gives the agent a scratchpad: a side completion that
// reasons over a question without touching the main conversation.
type ThinkTool struct {
	pool     Completer
	provider string
}

// NewThinkTool creates the think tool against the named provider.
func NewThinkTool(pool Completer, provider string) *ThinkTool {
	return &ThinkTool{pool: pool, provider: provider}
}

func (t *ThinkTool) Name() string { return "think" }

func (t *ThinkTool) Description() string {
	return "Reason through a question step by step in a scratchpad. Use before committing to a conclusion about a potential vulnerability."
}

func (t *ThinkTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"question": {"type": "string", "description": "The question or hypothesis to reason about."},
			"context": {"type": "string", "description": "Relevant code or evidence to consider."}
		},
		"required": ["question"]
	}`)
}

func (t *ThinkTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	question := stringArg(input, "question", "")
	if question == "" {
		return nil, fmt.Errorf("question is required")
	}
	prompt := question
	if extra := stringArg(input, "context", ""); extra != "" {
		prompt += "\n\nContext:\n" + extra
	}

	resp, err := t.pool.Complete(ctx, t.provider, &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You are a security analyst. Reason step by step and end with a short conclusion."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"thought": resp.Content}, nil
}

// ChatTool is the general completion pass-through: a single-turn
// exchange with an optional system prompt, for anything the structured
// tools do not cover.
type ChatTool struct {
	pool     Completer
	provider string
}

// NewChatTool creates the chat tool against the named provider.
func NewChatTool(pool Completer, provider string) *ChatTool {
	return &ChatTool{pool: pool, provider: provider}
}

func (t *ChatTool) Name() string { return "chat" }

func (t *ChatTool) Description() string {
	return "Send a free-form prompt to the model and return its reply."
}

func (t *ChatTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "The message to send."},
			"system": {"type": "string", "description": "Optional system prompt for this exchange."}
		},
		"required": ["prompt"]
	}`)
}

func (t *ChatTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	prompt := stringArg(input, "prompt", "")
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	messages := make([]llm.Message, 0, 2)
	if system := stringArg(input, "system", ""); system != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: system})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: prompt})

	resp, err := t.pool.Complete(ctx, t.provider, &llm.Request{Messages: messages})
	if err != nil {
		return nil, err
	}
	return map[string]any{"reply": resp.Content}, nil
}

// ReflectTool asks the model to critique intermediate findings: are
// they real, duplicated, or missing evidence.
type ReflectTool struct {
	pool     Completer
	provider string
}

// NewReflectTool creates the reflect tool against the named provider.
func NewReflectTool(pool Completer, provider string) *ReflectTool {
	return &ReflectTool{pool: pool, provider: provider}
}

func (t *ReflectTool) Name() string { return "reflect" }

func (t *ReflectTool) Description() string {
	return "Critique the findings gathered so far: flag likely false positives, duplicates, and gaps in evidence."
}

func (t *ReflectTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"findings_summary": {"type": "string", "description": "Summary of the findings to critique."}
		},
		"required": ["findings_summary"]
	}`)
}

func (t *ReflectTool) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	summary := stringArg(input, "findings_summary", "")
	if summary == "" {
		return nil, fmt.Errorf("findings_summary is required")
	}

	resp, err := t.pool.Complete(ctx, t.provider, &llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You review draft security findings. For each, say whether the evidence supports it, whether it duplicates another, and what is missing."},
			{Role: llm.RoleUser, Content: summary},
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"critique": resp.Content}, nil
}
