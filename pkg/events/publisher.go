package events

import (
	"github.com/argus-audit/argus/pkg/models"
)

// Publisher is the typed facade over the bus that engine components use.
// Each public method builds one event kind; see pkg/models/event.go for
// the wire shapes.
type Publisher struct {
	bus    *Bus
	taskID string
}

// NewPublisher binds a publisher to one task's stream.
func NewPublisher(bus *Bus, taskID string) *Publisher {
	return &Publisher{bus: bus, taskID: taskID}
}

// TaskStart announces that the engine picked up the task.
func (p *Publisher) TaskStart(repoPath string) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:     models.EventTaskStart,
		Metadata: map[string]any{"repo_path": repoPath},
	})
}

// PhaseStart announces entry into a phase.
func (p *Publisher) PhaseStart(phase string) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:  models.EventPhaseStart,
		Phase: phase,
	})
}

// PhaseComplete announces a finished phase. Critical: never dropped.
func (p *Publisher) PhaseComplete(phase string, durationMS int64, metadata map[string]any) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["duration_ms"] = durationMS
	p.bus.Publish(p.taskID, models.Event{
		Kind:     models.EventPhaseComplete,
		Phase:    phase,
		Metadata: metadata,
	})
}

// AgentStep reports one agent loop iteration.
func (p *Publisher) AgentStep(phase string, iteration int, thought string) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:    models.EventAgentStep,
		Phase:   phase,
		Message: thought,
		Metadata: map[string]any{
			"iteration": iteration,
		},
	})
}

// ToolCall reports one tool execution with its outcome, duration, and
// the masked input/output bags.
func (p *Publisher) ToolCall(phase, tool string, outcome models.ToolOutcome, durationMS int64, input, output string) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:       models.EventToolCall,
		Phase:      phase,
		ToolName:   tool,
		ToolInput:  input,
		ToolOutput: output,
		Outcome:    string(outcome),
		DurationMS: durationMS,
	})
}

// FindingNew reports a newly recorded finding.
func (p *Publisher) FindingNew(f *models.Finding) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:      models.EventFindingNew,
		Message:   f.Title,
		FindingID: f.ID,
		Metadata: map[string]any{
			"fingerprint": f.Fingerprint,
			"severity":    string(f.Severity),
			"vuln_type":   f.VulnType,
			"file_path":   f.Location.FilePath,
		},
	})
}

// FindingUpdated reports a merge into, or verification-status change of,
// an existing finding.
func (p *Publisher) FindingUpdated(f *models.Finding) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:      models.EventFindingUpdated,
		Message:   f.Title,
		FindingID: f.ID,
		Metadata: map[string]any{
			"fingerprint":         f.Fingerprint,
			"severity":            string(f.Severity),
			"verification_status": string(f.Verification),
		},
	})
}

// Checkpoint reports a persisted checkpoint.
func (p *Publisher) Checkpoint(index int64, trigger models.CheckpointTrigger) {
	p.bus.Publish(p.taskID, models.Event{
		Kind: models.EventCheckpoint,
		Metadata: map[string]any{
			"index":   index,
			"trigger": string(trigger),
		},
	})
}

// TaskComplete announces terminal success. Critical: never dropped.
func (p *Publisher) TaskComplete(overallScore, securityScore float64, counts models.SeverityCounts) {
	p.bus.Publish(p.taskID, models.Event{
		Kind: models.EventTaskComplete,
		Metadata: map[string]any{
			"overall_score":  overallScore,
			"security_score": securityScore,
			"finding_counts": counts,
		},
	})
}

// TaskError announces terminal failure. Critical: never dropped.
func (p *Publisher) TaskError(errorKind, message string) {
	p.bus.Publish(p.taskID, models.Event{
		Kind:    models.EventTaskError,
		Message: message,
		Metadata: map[string]any{
			"error_kind": errorKind,
		},
	})
}
