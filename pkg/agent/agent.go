// Package agent implements the tool-calling loop that drives each audit
// phase: the model reasons, requests tools, observes results, and
// terminates with a state diff for the orchestrator to apply.
package agent

import (
	"context"

	"github.com/argus-audit/argus/pkg/checkpoint"
	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/tool"
)

// maxConsecutiveTimeouts aborts the loop after this many LLM timeouts
// in a row.
const maxConsecutiveTimeouts = 2

// maxParallelToolCalls bounds concurrent tool execution within one
// iteration.
const maxParallelToolCalls = 4

// Completer is the slice of llm.Pool the loop consumes.
type Completer interface {
	Complete(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
	CountTokens(provider string, messages []llm.Message) int
}

// ExecutionContext carries everything one phase run needs.
type ExecutionContext struct {
	TaskID string
	Phase  string

	// State is a read-only view of the orchestrator's audit state. The
	// loop never mutates it; results travel in the StateDiff.
	State *models.AuditState

	Budget   config.PhaseAgentConfig
	Resource config.ResourceConfig
	Fallback config.FallbackConfig

	Pool     Completer
	Provider string

	Registry  *tool.Registry
	Executor  *tool.Executor
	ToolNames []string

	Publisher   *events.Publisher
	Checkpoints *checkpoint.Manager
}

// Status is the terminal state of one phase run.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// ExecutionResult is what a phase run hands back to the orchestrator.
type ExecutionResult struct {
	Status    Status
	FinalText string
	Diff      *models.StateDiff
	Err       error
}

// IterationState tracks failure bookkeeping across loop iterations.
type IterationState struct {
	CurrentIteration           int
	MaxIterations              int
	LastInteractionFailed      bool
	LastErrorMessage           string
	ConsecutiveTimeoutFailures int
}

// ShouldAbortOnTimeouts reports whether consecutive timeouts reached
// the abort threshold.
func (s *IterationState) ShouldAbortOnTimeouts() bool {
	return s.ConsecutiveTimeoutFailures >= maxConsecutiveTimeouts
}

// RecordSuccess resets failure tracking.
func (s *IterationState) RecordSuccess() {
	s.LastInteractionFailed = false
	s.LastErrorMessage = ""
	s.ConsecutiveTimeoutFailures = 0
}

// RecordFailure notes a failed interaction.
func (s *IterationState) RecordFailure(errMsg string, isTimeout bool) {
	s.LastInteractionFailed = true
	s.LastErrorMessage = errMsg
	if isTimeout {
		s.ConsecutiveTimeoutFailures++
	} else {
		s.ConsecutiveTimeoutFailures = 0
	}
}
