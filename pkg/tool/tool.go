// Package tool defines the audit tool surface: the registry of callable
// tools, the sandboxed filesystem guard, and the executor that wraps
// every invocation with admission control, deadlines, fallback, and
// output governance.
package tool

import (
	"context"
	"encoding/json"

	"github.com/argus-audit/argus/pkg/models"
)

// Tool is one callable capability exposed to agents. Implementations
// must be safe for concurrent use; the executor may run them in
// parallel within one agent iteration.
type Tool interface {
	Name() string
	Description() string

	// Schema is the JSON Schema of the tool's input object, advertised
	// to the model.
	Schema() json.RawMessage

	Run(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Invocation is one executor request.
type Invocation struct {
	Tool   string
	Caller string // phase or agent name, for events and logs
	Input  map[string]any
}

// Result is the executor's answer: the (possibly truncated) tool output
// plus the outcome classification the agent reports upward.
type Result struct {
	Output     map[string]any
	Outcome    models.ToolOutcome
	Tool       string // actual tool that ran (differs under fallback)
	DurationMS int64
	Truncated  bool
	Err        error
}
