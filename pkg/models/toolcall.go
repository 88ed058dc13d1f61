package models

import "time"

// ToolOutcome classifies how a tool invocation ended.
type ToolOutcome string

const (
	OutcomeOK          ToolOutcome = "ok"
	OutcomeRateLimited ToolOutcome = "rate-limited"
	OutcomeTimeout     ToolOutcome = "timeout"
	OutcomeToolError   ToolOutcome = "tool-error"
	OutcomeCircuitOpen ToolOutcome = "circuit-open"
	OutcomeFallback    ToolOutcome = "fallback-used"
)

// IsValid checks if the outcome is a known value.
func (o ToolOutcome) IsValid() bool {
	switch o {
	case OutcomeOK, OutcomeRateLimited, OutcomeTimeout,
		OutcomeToolError, OutcomeCircuitOpen, OutcomeFallback:
		return true
	default:
		return false
	}
}

// ToolCallRecord captures one tool invocation end to end. Ephemeral:
// emitted on the event stream but not stored as a first-class entity.
type ToolCallRecord struct {
	ToolName    string
	Caller      string
	Input       map[string]any
	StartedAt   time.Time
	Deadline    time.Time
	Attempt     int
	Outcome     ToolOutcome
	Output      map[string]any
	DurationMS  int64
	TokensUsed  int
}
