// Package models defines the core domain types shared across the engine:
// tasks, findings, events, checkpoints and the orchestrator's audit state.
package models

import "time"

// TaskStatus represents the lifecycle state of an audit task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusPaused    TaskStatus = "paused"
)

// IsValid checks if the task status is a known value.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusSucceeded,
		TaskStatusFailed, TaskStatusCancelled, TaskStatusPaused:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransitionTo validates a status transition.
// Allowed: pending→running, running→{succeeded,failed,cancelled,paused},
// paused→running. Terminal states accept no transitions.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskStatusPending:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	case TaskStatusRunning:
		return next == TaskStatusSucceeded || next == TaskStatusFailed ||
			next == TaskStatusCancelled || next == TaskStatusPaused
	case TaskStatusPaused:
		return next == TaskStatusRunning || next == TaskStatusCancelled
	default:
		return false
	}
}

// SeverityCounts tracks finding counts by severity for a task.
type SeverityCounts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Info     int `json:"info"`
}

// Total returns the sum across all severities.
func (c SeverityCounts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Info
}

// Add increments the counter for the given severity.
func (c *SeverityCounts) Add(sev Severity) {
	switch sev {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	case SeverityInfo:
		c.Info++
	}
}

// TokenUsage aggregates token consumption across LLM calls.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Accumulate adds another usage record into this one.
func (u *TokenUsage) Accumulate(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.CostUSD += other.CostUSD
}

// Task is the unit of audit work picked up by a queue worker.
// Created by the submission boundary, mutated exclusively by the
// orchestrator, terminal once status is succeeded/failed/cancelled.
type Task struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`

	// RepoPath is the project root on local disk (already cloned/unpacked
	// by the submission boundary).
	RepoPath string `json:"repo_path"`

	// ConfigOverrides are per-task configuration overrides merged into the
	// process-wide config snapshot at pickup time.
	ConfigOverrides map[string]any `json:"config_overrides,omitempty"`

	Status      TaskStatus `json:"status"`
	Phase       string     `json:"phase,omitempty"`
	StepLabel   string     `json:"step_label,omitempty"`
	PodID       string     `json:"pod_id,omitempty"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	ErrorMsg    string     `json:"error_message,omitempty"`

	TotalFiles    int `json:"total_files"`
	IndexedFiles  int `json:"indexed_files"`
	AnalyzedFiles int `json:"analyzed_files"`

	FindingCounts SeverityCounts `json:"finding_counts"`
	TokensUsed    TokenUsage     `json:"tokens_used"`
	DroppedEvents int            `json:"dropped_events"`

	// OverallScore is the quality score (0-100); SecurityScore is derived
	// from verified finding severities.
	OverallScore  float64 `json:"overall_score"`
	SecurityScore float64 `json:"security_score"`

	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	LastHeartbeatAt   *time.Time `json:"last_heartbeat_at,omitempty"`
}
