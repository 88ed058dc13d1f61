package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/store"
)

// WorkerPool manages a pool of queue workers plus the orphan detector.
type WorkerPool struct {
	podID    string
	tasks    store.TaskStore
	config   config.QueueConfig
	executor TaskExecutor
	workers  []*Worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	// Cancel registry: task ID → cancel function, for API-triggered
	// cancellation of tasks running on this pod.
	mu          sync.RWMutex
	activeTasks map[string]context.CancelFunc
	started     bool

	orphans           orphanState
	onOrphansRequeued func(count int)
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(podID string, tasks store.TaskStore, cfg config.QueueConfig, executor TaskExecutor) *WorkerPool {
	return &WorkerPool{
		podID:       podID,
		tasks:       tasks,
		config:      cfg,
		executor:    executor,
		workers:     make([]*Worker, 0, cfg.WorkerCount),
		stopCh:      make(chan struct{}),
		activeTasks: make(map[string]context.CancelFunc),
	}
}

// OnOrphansRequeued installs a telemetry hook called after each orphan
// scan that requeued tasks. Set before Start.
func (p *WorkerPool) OnOrphansRequeued(fn func(count int)) {
	p.onOrphansRequeued = fn
}

// Start spawns the workers and the orphan detector. Subsequent calls
// are no-ops.
func (p *WorkerPool) Start(ctx context.Context) error {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call", "pod_id", p.podID)
		return nil
	}
	p.started = true

	slog.Info("Starting worker pool", "pod_id", p.podID, "worker_count", p.config.WorkerCount)

	for i := 0; i < p.config.WorkerCount; i++ {
		workerID := fmt.Sprintf("%s-worker-%d", p.podID, i)
		worker := NewWorker(workerID, p.podID, p.tasks, p.config, p.executor, p)
		p.workers = append(p.workers, worker)
		worker.Start(ctx)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runOrphanDetection(ctx)
	}()

	slog.Info("Worker pool started")
	return nil
}

// Stop signals all workers to stop and waits. Workers finish their
// current task before exiting.
func (p *WorkerPool) Stop() {
	slog.Info("Stopping worker pool gracefully")

	active := p.activeTaskIDs()
	if len(active) > 0 {
		slog.Info("Waiting for active tasks to complete",
			"count", len(active), "task_ids", active)
	}

	for _, worker := range p.workers {
		worker.Stop()
	}

	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()

	slog.Info("Worker pool stopped gracefully")
}

// RegisterTask stores a cancel function for manual cancellation.
func (p *WorkerPool) RegisterTask(taskID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeTasks[taskID] = cancel
}

// UnregisterTask removes the cancel function when processing ends.
func (p *WorkerPool) UnregisterTask(taskID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeTasks, taskID)
}

// CancelTask trips the cancellation of a task running on this pod.
// Returns false when the task is not running here.
func (p *WorkerPool) CancelTask(taskID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cancel, ok := p.activeTasks[taskID]; ok {
		cancel()
		return true
	}
	return false
}

// Health returns the pool-wide health snapshot.
func (p *WorkerPool) Health() *PoolHealth {
	running, err := p.tasks.CountRunning(context.Background())
	storeHealthy := err == nil
	var storeErr string
	if err != nil {
		storeErr = fmt.Sprintf("running-task count failed: %v", err)
		slog.Error("Failed to query running tasks for health check",
			"pod_id", p.podID, "error", err)
	}

	workerStats := make([]WorkerHealth, len(p.workers))
	activeWorkers := 0
	for i, worker := range p.workers {
		stats := worker.Health()
		workerStats[i] = stats
		if stats.Status == WorkerStatusWorking {
			activeWorkers++
		}
	}

	p.orphans.mu.Lock()
	lastScan := p.orphans.lastScan
	requeued := p.orphans.requeued
	p.orphans.mu.Unlock()

	healthy := len(p.workers) > 0 && storeHealthy &&
		(p.config.MaxConcurrentTasks <= 0 || running <= p.config.MaxConcurrentTasks)

	return &PoolHealth{
		IsHealthy:       healthy,
		StoreReachable:  storeHealthy,
		StoreError:      storeErr,
		PodID:           p.podID,
		ActiveWorkers:   activeWorkers,
		TotalWorkers:    len(p.workers),
		RunningTasks:    running,
		MaxConcurrent:   p.config.MaxConcurrentTasks,
		WorkerStats:     workerStats,
		LastOrphanScan:  lastScan,
		OrphansRequeued: requeued,
	}
}

func (p *WorkerPool) activeTaskIDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	ids := make([]string, 0, len(p.activeTasks))
	for id := range p.activeTasks {
		ids = append(ids, id)
	}
	return ids
}
