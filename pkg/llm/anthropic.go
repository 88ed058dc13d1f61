package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
)

// anthropicDefaultMaxTokens is used when neither request nor provider
// config sets a completion cap; the Messages API requires one.
const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	name   string
	model  string
	client sdk.Client
	cfg    config.LLMProviderConfig
}

// NewAnthropicProvider constructs the provider, reading the API key from
// the environment variable named in the config.
func NewAnthropicProvider(name string, pc config.LLMProviderConfig) (*AnthropicProvider, error) {
	apiKey := os.Getenv(pc.APIKeyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("environment variable %s is not set", pc.APIKeyEnv)
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if pc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(pc.BaseURL))
	}
	return &AnthropicProvider{
		name:   name,
		model:  pc.Model,
		client: sdk.NewClient(opts...),
		cfg:    pc,
	}, nil
}

func (p *AnthropicProvider) Name() string  { return p.name }
func (p *AnthropicProvider) Model() string { return p.model }

func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	msg, err := p.client.Messages.New(ctx, *params)
	if err != nil {
		return nil, classifyAnthropicError(err)
	}

	out := &Response{
		FinishReason: string(msg.StopReason),
		Provider:     p.name,
		Model:        string(msg.Model),
		Usage: models.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: json.RawMessage(block.Input),
			})
		}
	}
	return out, nil
}

func (p *AnthropicProvider) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermanent, err)
	}
	stream := p.client.Messages.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, classifyAnthropicError(err)
	}

	out := make(chan Chunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		var usage models.TokenUsage
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "content_block_delta":
				if delta := event.Delta.Text; delta != "" {
					out <- Chunk{Delta: delta}
				}
			case "message_start":
				usage.InputTokens = int(event.Message.Usage.InputTokens)
			case "message_delta":
				usage.OutputTokens = int(event.Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			out <- Chunk{Err: classifyAnthropicError(err)}
			return
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		out <- Chunk{Done: true, Usage: usage}
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req *Request) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.cfg.MaxTokens
	}
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	model := p.model
	if req.Model != "" {
		model = req.Model
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			params.System = append(params.System, sdk.TextBlockParam{Text: msg.Content})
		case RoleUser:
			params.Messages = append(params.Messages, sdk.NewUserMessage(sdk.NewTextBlock(msg.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				var input any
				if err := json.Unmarshal(tc.Arguments, &input); err != nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				params.Messages = append(params.Messages, sdk.NewAssistantMessage(blocks...))
			}
		case RoleTool:
			params.Messages = append(params.Messages,
				sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	if len(params.Messages) == 0 {
		return nil, errors.New("at least one user or assistant message is required")
	}

	for _, tool := range req.Tools {
		var schema map[string]any
		if len(tool.Parameters) > 0 {
			if err := json.Unmarshal(tool.Parameters, &schema); err != nil {
				return nil, fmt.Errorf("tool %q schema: %w", tool.Name, err)
			}
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: schema}, tool.Name)
		if u.OfTool != nil && tool.Description != "" {
			u.OfTool.Description = sdk.String(tool.Description)
		}
		params.Tools = append(params.Tools, u)
	}
	return params, nil
}

// classifyAnthropicError maps SDK errors onto the pool's retry taxonomy.
func classifyAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return NewRateLimitError(parseRetryAfter(apiErr.Response), err)
		case apiErr.StatusCode >= 500:
			return fmt.Errorf("%w: %v", ErrRetryable, err)
		case apiErr.StatusCode >= 400:
			return fmt.Errorf("%w: %v", ErrPermanent, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrRetryable, err)
}

// parseRetryAfter reads a seconds-valued Retry-After header.
func parseRetryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}
