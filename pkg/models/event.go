package models

import "time"

// EventKind identifies the kind of a domain progress event.
// These names are the wire contract consumers depend on.
type EventKind string

const (
	EventTaskStart      EventKind = "task-start"
	EventPhaseStart     EventKind = "phase-start"
	EventPhaseComplete  EventKind = "phase-complete"
	EventAgentStep      EventKind = "agent-step"
	EventToolCall       EventKind = "tool-call"
	EventFindingNew     EventKind = "finding-new"
	EventFindingUpdated EventKind = "finding-updated"
	EventCheckpoint     EventKind = "checkpoint"
	EventHeartbeat      EventKind = "heartbeat"
	EventTaskComplete   EventKind = "task-complete"
	EventTaskError      EventKind = "task-error"
	EventEventsDropped  EventKind = "events-dropped"
)

// IsCritical reports whether the event kind must never be dropped by the
// bus under backpressure. Critical events use the reserved queue slot.
func (k EventKind) IsCritical() bool {
	switch k {
	case EventPhaseComplete, EventTaskComplete, EventTaskError:
		return true
	default:
		return false
	}
}

// IsValid checks if the event kind is a known value.
func (k EventKind) IsValid() bool {
	switch k {
	case EventTaskStart, EventPhaseStart, EventPhaseComplete, EventAgentStep,
		EventToolCall, EventFindingNew, EventFindingUpdated, EventCheckpoint,
		EventHeartbeat, EventTaskComplete, EventTaskError, EventEventsDropped:
		return true
	default:
		return false
	}
}

// Event is a single domain-progress record. Events are append-only and
// totally ordered per task by Sequence (assigned at enqueue).
type Event struct {
	ID       string    `json:"id"`
	TaskID   string    `json:"task_id"`
	Sequence int64     `json:"sequence"`
	Kind     EventKind `json:"kind"`
	Phase    string    `json:"phase,omitempty"`
	Message  string    `json:"message,omitempty"`

	// Tool call fields, set only for tool-call events.
	ToolName   string `json:"tool_name,omitempty"`
	ToolInput  string `json:"tool_input,omitempty"`
	ToolOutput string `json:"tool_output,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Outcome    string `json:"outcome,omitempty"`

	FindingID string `json:"finding_id,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`

	// Metadata is a schemaless bag that crosses the event boundary as-is.
	Metadata map[string]any `json:"metadata,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}
