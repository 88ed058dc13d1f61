package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// Worker is a single queue worker that polls for and processes tasks.
type Worker struct {
	id       string
	podID    string
	tasks    store.TaskStore
	config   config.QueueConfig
	executor TaskExecutor
	pool     TaskRegistry
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Health tracking.
	mu             sync.RWMutex
	status         WorkerStatus
	currentTaskID  string
	tasksProcessed int
	lastActivity   time.Time
}

// TaskRegistry is the subset of WorkerPool used for cancel registration.
type TaskRegistry interface {
	RegisterTask(taskID string, cancel context.CancelFunc)
	UnregisterTask(taskID string)
}

// NewWorker creates a queue worker.
func NewWorker(id, podID string, tasks store.TaskStore, cfg config.QueueConfig, executor TaskExecutor, pool TaskRegistry) *Worker {
	return &Worker{
		id:           id,
		podID:        podID,
		tasks:        tasks,
		config:       cfg,
		executor:     executor,
		pool:         pool,
		stopCh:       make(chan struct{}),
		status:       WorkerStatusIdle,
		lastActivity: time.Now(),
	}
}

// Start begins the worker polling loop in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop signals the worker to stop and waits for it to finish its
// current task. Safe to call multiple times.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// Health returns the current worker health snapshot.
func (w *Worker) Health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:             w.id,
		Status:         w.status,
		CurrentTaskID:  w.currentTaskID,
		TasksProcessed: w.tasksProcessed,
		LastActivity:   w.lastActivity,
	}
}

func (w *Worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id, "pod_id", w.podID)
	log.Info("Worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, store.ErrNoneAvailable) || errors.Is(err, ErrAtCapacity) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing task", "error", err)
				w.sleep(time.Second)
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *Worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess checks capacity, claims a task, and runs it to a
// terminal status.
func (w *Worker) pollAndProcess(ctx context.Context) error {
	// Global capacity check is best-effort: racy with concurrent
	// workers but bounded by WorkerCount and mitigated by poll jitter.
	if max := w.config.MaxConcurrentTasks; max > 0 {
		running, err := w.tasks.CountRunning(ctx)
		if err != nil {
			return fmt.Errorf("failed to count running tasks: %w", err)
		}
		if running >= max {
			return ErrAtCapacity
		}
	}

	task, lease, err := w.tasks.Claim(ctx, w.podID)
	if err != nil {
		return err
	}
	defer func() {
		if err := w.tasks.Release(context.Background(), lease); err != nil {
			slog.Warn("Failed to release task lease", "task_id", task.ID, "error", err)
		}
	}()

	log := slog.With("task_id", task.ID, "worker_id", w.id)
	log.Info("Task claimed")

	w.setStatus(WorkerStatusWorking, task.ID)
	defer w.setStatus(WorkerStatusIdle, "")

	taskCtx, cancelTask := context.WithTimeout(ctx, w.config.TaskTimeout)
	defer cancelTask()

	// Register for API-triggered cancellation.
	w.pool.RegisterTask(task.ID, cancelTask)
	defer w.pool.UnregisterTask(task.ID)

	heartbeatCtx, stopHeartbeat := context.WithCancel(taskCtx)
	defer stopHeartbeat()
	go w.runHeartbeat(heartbeatCtx, task.ID)

	result := w.executor.Execute(taskCtx, task)
	result = w.normalizeResult(taskCtx, result)
	stopHeartbeat()

	// Terminal writes use a background context: the task context may
	// already be cancelled or expired.
	if err := w.finishTask(context.Background(), task, result); err != nil {
		log.Error("Failed to record terminal task status", "error", err)
		return err
	}

	w.mu.Lock()
	w.tasksProcessed++
	w.mu.Unlock()

	log.Info("Task processing complete", "status", result.Status)
	return nil
}

// normalizeResult guards against nil results and fills in statuses for
// timeout and cancellation.
func (w *Worker) normalizeResult(taskCtx context.Context, result *ExecutionResult) *ExecutionResult {
	if result == nil {
		result = &ExecutionResult{Err: fmt.Errorf("executor returned nil result")}
	}
	if result.Status == "" {
		switch {
		case errors.Is(taskCtx.Err(), context.DeadlineExceeded):
			result.Status = models.TaskStatusFailed
			result.ErrorKind = "Timeout"
			result.Err = fmt.Errorf("task timed out after %v", w.config.TaskTimeout)
		case errors.Is(taskCtx.Err(), context.Canceled):
			result.Status = models.TaskStatusCancelled
			result.ErrorKind = "Cancelled"
		default:
			result.Status = models.TaskStatusFailed
			result.ErrorKind = "ToolError"
		}
	}
	return result
}

// finishTask writes the terminal status and final counters.
func (w *Worker) finishTask(ctx context.Context, task *models.Task, result *ExecutionResult) error {
	errMsg := ""
	if result.Err != nil {
		errMsg = result.Err.Error()
	}
	if err := w.tasks.UpdateStatus(ctx, task.ID, result.Status, result.ErrorKind, errMsg); err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	task.FindingCounts = result.FindingCounts
	task.TokensUsed = result.TokensUsed
	task.DroppedEvents = result.DroppedEvents
	task.OverallScore = result.OverallScore
	task.SecurityScore = result.SecurityScore
	if err := w.tasks.UpdateCounters(ctx, task); err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	return nil
}

// runHeartbeat periodically refreshes the task heartbeat for orphan
// detection.
func (w *Worker) runHeartbeat(ctx context.Context, taskID string) {
	interval := w.config.HeartbeatInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.tasks.Heartbeat(ctx, taskID); err != nil {
				slog.Warn("Heartbeat update failed", "task_id", taskID, "error", err)
			}
		}
	}
}

// pollInterval returns the poll duration with jitter in
// [base-jitter, base+jitter].
func (w *Worker) pollInterval() time.Duration {
	base := w.config.PollInterval
	jitter := w.config.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int63n(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *Worker) setStatus(status WorkerStatus, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentTaskID = taskID
	w.lastActivity = time.Now()
}
