package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store/memory"
)

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		WorkerCount:             1,
		MaxConcurrentTasks:      4,
		PollInterval:            10 * time.Millisecond,
		PollIntervalJitter:      2 * time.Millisecond,
		TaskTimeout:             5 * time.Second,
		GracefulShutdownTimeout: time.Second,
		HeartbeatInterval:       0,
		OrphanDetectionInterval: 0,
	}
}

// scriptedExecutor runs a configurable function per task and records
// which task IDs it saw.
type scriptedExecutor struct {
	mu       sync.Mutex
	fn       func(ctx context.Context, task *models.Task) *ExecutionResult
	executed []string
}

func (e *scriptedExecutor) Execute(ctx context.Context, task *models.Task) *ExecutionResult {
	e.mu.Lock()
	e.executed = append(e.executed, task.ID)
	e.mu.Unlock()
	if e.fn == nil {
		return &ExecutionResult{Status: models.TaskStatusSucceeded}
	}
	return e.fn(ctx, task)
}

func (e *scriptedExecutor) executedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.executed...)
}

// fakeRegistry is a minimal TaskRegistry for single-worker tests.
type fakeRegistry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{cancels: map[string]context.CancelFunc{}}
}

func (r *fakeRegistry) RegisterTask(taskID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[taskID] = cancel
}

func (r *fakeRegistry) UnregisterTask(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, taskID)
}

func (r *fakeRegistry) cancel(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cancels[taskID]; ok {
		c()
		return true
	}
	return false
}

func createPendingTask(t *testing.T, tasks *memory.TaskStore, id string) {
	t.Helper()
	err := tasks.Create(context.Background(), &models.Task{
		ID:        id,
		RepoPath:  "/repos/" + id,
		Status:    models.TaskStatusPending,
		CreatedAt: time.Now(),
	})
	require.NoError(t, err)
}

func TestWorker_ProcessesPendingTask(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	executor := &scriptedExecutor{fn: func(_ context.Context, _ *models.Task) *ExecutionResult {
		return &ExecutionResult{
			Status:        models.TaskStatusSucceeded,
			OverallScore:  91.5,
			SecurityScore: 85,
			FindingCounts: models.SeverityCounts{High: 2, Low: 1},
			TokensUsed:    models.TokenUsage{TotalTokens: 1234},
			DroppedEvents: 3,
		}
	}}

	worker := NewWorker("w-0", "pod-a", tasks, testQueueConfig(), executor, newFakeRegistry())
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status == models.TaskStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", task.PodID)
	assert.Equal(t, 91.5, task.OverallScore)
	assert.Equal(t, float64(85), task.SecurityScore)
	assert.Equal(t, 2, task.FindingCounts.High)
	assert.Equal(t, 1234, task.TokensUsed.TotalTokens)
	assert.Equal(t, 3, task.DroppedEvents)
	assert.NotNil(t, task.CompletedAt)

	assert.Equal(t, []string{"task-1"}, executor.executedIDs())
	health := worker.Health()
	assert.Equal(t, WorkerStatusIdle, health.Status)
	assert.Equal(t, 1, health.TasksProcessed)
}

func TestWorker_ProcessesTasksOldestFirst(t *testing.T) {
	tasks := memory.NewTaskStore()
	now := time.Now()
	for i, id := range []string{"task-c", "task-a", "task-b"} {
		require.NoError(t, tasks.Create(context.Background(), &models.Task{
			ID:        id,
			Status:    models.TaskStatusPending,
			CreatedAt: now.Add(time.Duration(2-i) * time.Minute),
		}))
	}

	executor := &scriptedExecutor{}
	worker := NewWorker("w-0", "pod-a", tasks, testQueueConfig(), executor, newFakeRegistry())
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		return len(executor.executedIDs()) == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"task-b", "task-a", "task-c"}, executor.executedIDs())
}

func TestWorker_RespectsGlobalCapacity(t *testing.T) {
	tasks := memory.NewTaskStore()
	ctx := context.Background()

	// Another pod already holds the only slot.
	require.NoError(t, tasks.Create(ctx, &models.Task{
		ID:        "task-elsewhere",
		Status:    models.TaskStatusRunning,
		CreatedAt: time.Now(),
	}))
	createPendingTask(t, tasks, "task-1")

	cfg := testQueueConfig()
	cfg.MaxConcurrentTasks = 1

	executor := &scriptedExecutor{}
	worker := NewWorker("w-0", "pod-a", tasks, cfg, executor, newFakeRegistry())
	worker.Start(ctx)
	defer worker.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, executor.executedIDs())
	task, err := tasks.Load(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	// Slot frees up: the worker picks the task on its next poll.
	require.NoError(t, tasks.UpdateStatus(ctx, "task-elsewhere", models.TaskStatusSucceeded, "", ""))
	require.Eventually(t, func() bool {
		task, err := tasks.Load(ctx, "task-1")
		return err == nil && task.Status == models.TaskStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWorker_TimeoutYieldsFailedWithTimeoutKind(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	cfg := testQueueConfig()
	cfg.TaskTimeout = 30 * time.Millisecond

	executor := &scriptedExecutor{fn: func(ctx context.Context, _ *models.Task) *ExecutionResult {
		<-ctx.Done()
		// Executor that cannot classify its own interruption leaves
		// the status empty.
		return &ExecutionResult{}
	}}

	worker := NewWorker("w-0", "pod-a", tasks, cfg, executor, newFakeRegistry())
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Equal(t, "Timeout", task.ErrorKind)
	assert.Contains(t, task.ErrorMsg, "timed out")
}

func TestWorker_CancellationYieldsCancelledStatus(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	registry := newFakeRegistry()
	started := make(chan struct{})
	executor := &scriptedExecutor{fn: func(ctx context.Context, _ *models.Task) *ExecutionResult {
		close(started)
		<-ctx.Done()
		return &ExecutionResult{}
	}}

	worker := NewWorker("w-0", "pod-a", tasks, testQueueConfig(), executor, registry)
	worker.Start(context.Background())
	defer worker.Stop()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	require.True(t, registry.cancel("task-1"))

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status == models.TaskStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", task.ErrorKind)
}

func TestWorker_NilResultIsFailure(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	executor := &scriptedExecutor{fn: func(_ context.Context, _ *models.Task) *ExecutionResult {
		return nil
	}}

	worker := NewWorker("w-0", "pod-a", tasks, testQueueConfig(), executor, newFakeRegistry())
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status == models.TaskStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, "ToolError", task.ErrorKind)
	assert.Contains(t, task.ErrorMsg, "nil result")
}

func TestWorker_HeartbeatRefreshesWhileRunning(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	cfg := testQueueConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond

	release := make(chan struct{})
	executor := &scriptedExecutor{fn: func(_ context.Context, _ *models.Task) *ExecutionResult {
		<-release
		return &ExecutionResult{Status: models.TaskStatusSucceeded}
	}}

	worker := NewWorker("w-0", "pod-a", tasks, cfg, executor, newFakeRegistry())
	worker.Start(context.Background())
	defer worker.Stop()

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status == models.TaskStatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, task.LastHeartbeatAt)
	first := *task.LastHeartbeatAt

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.LastHeartbeatAt != nil && task.LastHeartbeatAt.After(first)
	}, 2*time.Second, 5*time.Millisecond)

	close(release)
}

func TestWorker_StopWaitsForCurrentTask(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	started := make(chan struct{})
	release := make(chan struct{})
	executor := &scriptedExecutor{fn: func(_ context.Context, _ *models.Task) *ExecutionResult {
		close(started)
		<-release
		return &ExecutionResult{Status: models.TaskStatusSucceeded}
	}}

	worker := NewWorker("w-0", "pod-a", tasks, testQueueConfig(), executor, newFakeRegistry())
	worker.Start(context.Background())

	<-started
	stopped := make(chan struct{})
	go func() {
		worker.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a task was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the task finished")
	}

	task, err := tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusSucceeded, task.Status)
}

func TestWorker_PollIntervalStaysWithinJitterBounds(t *testing.T) {
	cfg := testQueueConfig()
	cfg.PollInterval = 100 * time.Millisecond
	cfg.PollIntervalJitter = 20 * time.Millisecond

	worker := NewWorker("w-0", "pod-a", memory.NewTaskStore(), cfg, &scriptedExecutor{}, newFakeRegistry())
	for i := 0; i < 100; i++ {
		d := worker.pollInterval()
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}

	cfg.PollIntervalJitter = 0
	worker = NewWorker("w-0", "pod-a", memory.NewTaskStore(), cfg, &scriptedExecutor{}, newFakeRegistry())
	assert.Equal(t, 100*time.Millisecond, worker.pollInterval())
}
