// Package queue implements the task worker pool: claim pending audit
// tasks, execute them with heartbeats and timeouts, recover orphans,
// and shut down gracefully.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/argus-audit/argus/pkg/models"
)

// ErrAtCapacity is returned when the global running-task cap is reached.
var ErrAtCapacity = errors.New("at maximum concurrent task capacity")

// ExecutionResult is what a task executor hands back to the worker.
type ExecutionResult struct {
	Status    models.TaskStatus
	ErrorKind string
	Err       error

	OverallScore  float64
	SecurityScore float64
	FindingCounts models.SeverityCounts
	TokensUsed    models.TokenUsage
	DroppedEvents int
}

// TaskExecutor runs one claimed task to a terminal result. Implemented
// by the engine; a nil result is treated as a failure.
type TaskExecutor interface {
	Execute(ctx context.Context, task *models.Task) *ExecutionResult
}

// WorkerStatus represents the current state of a worker.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusWorking WorkerStatus = "working"
)

// WorkerHealth is one worker's health snapshot.
type WorkerHealth struct {
	ID             string       `json:"id"`
	Status         WorkerStatus `json:"status"`
	CurrentTaskID  string       `json:"current_task_id,omitempty"`
	TasksProcessed int          `json:"tasks_processed"`
	LastActivity   time.Time    `json:"last_activity"`
}

// PoolHealth is the pool-wide health snapshot served by the API.
type PoolHealth struct {
	IsHealthy        bool           `json:"is_healthy"`
	StoreReachable   bool           `json:"store_reachable"`
	StoreError       string         `json:"store_error,omitempty"`
	PodID            string         `json:"pod_id"`
	ActiveWorkers    int            `json:"active_workers"`
	TotalWorkers     int            `json:"total_workers"`
	RunningTasks     int            `json:"running_tasks"`
	MaxConcurrent    int            `json:"max_concurrent"`
	WorkerStats      []WorkerHealth `json:"worker_stats"`
	LastOrphanScan   time.Time      `json:"last_orphan_scan,omitempty"`
	OrphansRequeued  int            `json:"orphans_requeued"`
}
