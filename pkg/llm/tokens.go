package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter estimates token counts for prompt sizing and budget checks.
// Uses tiktoken when an encoding is known for the model; otherwise a
// bytes/4 heuristic. Safe for concurrent use.
type Counter struct {
	mu        sync.Mutex
	encodings map[string]*tiktoken.Tiktoken
}

// NewCounter creates an empty counter; encodings are loaded lazily.
func NewCounter() *Counter {
	return &Counter{encodings: make(map[string]*tiktoken.Tiktoken)}
}

// perMessageOverhead approximates the chat framing tokens per turn.
const perMessageOverhead = 3

// Count returns the token count of text under the model's encoding.
func (c *Counter) Count(model, text string) int {
	if enc := c.encoding(model); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}

// CountMessages counts the tokens of a full message list including
// per-turn framing overhead.
func (c *Counter) CountMessages(model string, messages []Message) int {
	total := perMessageOverhead // reply priming
	for _, msg := range messages {
		total += perMessageOverhead
		total += c.Count(model, msg.Role)
		total += c.Count(model, msg.Content)
		for _, tc := range msg.ToolCalls {
			total += c.Count(model, tc.Name)
			total += c.Count(model, string(tc.Arguments))
		}
	}
	return total
}

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodings[model]; ok {
		return enc
	}
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			// Cache the miss so we don't retry per call.
			c.encodings[model] = nil
			return nil
		}
	}
	c.encodings[model] = enc
	return enc
}
