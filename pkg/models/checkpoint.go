package models

import "time"

// CheckpointTrigger records what caused a checkpoint to be written.
type CheckpointTrigger string

const (
	TriggerIteration     CheckpointTrigger = "iteration"
	TriggerPhaseBoundary CheckpointTrigger = "phase-boundary"
	TriggerToolComplete  CheckpointTrigger = "tool-complete"
	TriggerManual        CheckpointTrigger = "manual"
)

// IsValid checks if the trigger is a known value.
func (t CheckpointTrigger) IsValid() bool {
	switch t {
	case TriggerIteration, TriggerPhaseBoundary, TriggerToolComplete, TriggerManual:
		return true
	default:
		return false
	}
}

// Checkpoint is a durable snapshot of AuditState. Index is monotonic per
// task; restoring checkpoint N yields a state from which replay produces
// at least the findings that existed at checkpoint N.
type Checkpoint struct {
	ID        string            `json:"id"`
	TaskID    string            `json:"task_id"`
	Index     int               `json:"index"`
	Trigger   CheckpointTrigger `json:"trigger"`
	Blob      []byte            `json:"-"`
	CreatedAt time.Time         `json:"created_at"`
}
