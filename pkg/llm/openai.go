package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/sashabaranov/go-openai"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
)

// OpenAIProvider implements Provider over the OpenAI chat completion
// API (or any compatible endpoint via base_url).
type OpenAIProvider struct {
	name   string
	model  string
	client *openai.Client
	cfg    config.LLMProviderConfig
}

// NewOpenAIProvider constructs the provider, reading the API key from
// the environment variable named in the config.
func NewOpenAIProvider(name string, pc config.LLMProviderConfig) (*OpenAIProvider, error) {
	apiKey := os.Getenv(pc.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", pc.APIKeyEnv)
	}
	clientCfg := openai.DefaultConfig(apiKey)
	if pc.BaseURL != "" {
		clientCfg.BaseURL = pc.BaseURL
	}
	return &OpenAIProvider{
		name:   name,
		model:  pc.Model,
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    pc,
	}, nil
}

func (p *OpenAIProvider) Name() string  { return p.name }
func (p *OpenAIProvider) Model() string { return p.model }

func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req))
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrPermanent)
	}
	choice := resp.Choices[0]

	out := &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Provider:     p.name,
		Model:        resp.Model,
		Usage: models.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	oreq := p.buildRequest(req)
	oreq.Stream = true
	oreq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		var usage models.TokenUsage
		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out <- Chunk{Done: true, Usage: usage}
				return
			}
			if err != nil {
				out <- Chunk{Err: classifyOpenAIError(err)}
				return
			}
			if resp.Usage != nil {
				usage.InputTokens = resp.Usage.PromptTokens
				usage.OutputTokens = resp.Usage.CompletionTokens
				usage.TotalTokens = resp.Usage.TotalTokens
			}
			if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
				out <- Chunk{Delta: resp.Choices[0].Delta.Content}
			}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) buildRequest(req *Request) openai.ChatCompletionRequest {
	oreq := openai.ChatCompletionRequest{
		Model:       p.model,
		Temperature: req.Temperature,
	}
	if req.Model != "" {
		oreq.Model = req.Model
	}
	if req.MaxTokens > 0 {
		oreq.MaxCompletionTokens = req.MaxTokens
	} else if p.cfg.MaxTokens > 0 {
		oreq.MaxCompletionTokens = p.cfg.MaxTokens
	}
	if p.cfg.TopP > 0 {
		oreq.TopP = p.cfg.TopP
	}

	for _, msg := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       msg.Role,
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		for _, tc := range msg.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		oreq.Messages = append(oreq.Messages, om)
	}

	for _, tool := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			},
		})
	}
	return oreq
}

// classifyOpenAIError maps SDK errors onto the pool's retry taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			// The SDK does not expose the Retry-After header; the pool
			// falls back to exponential backoff.
			return NewRateLimitError(0, err)
		case apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		case apiErr.HTTPStatusCode >= 400:
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
	// Transport-level failures are worth retrying.
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}
