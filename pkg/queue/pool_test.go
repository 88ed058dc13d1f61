package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store/memory"
)

func TestPool_ProcessesAllPendingTasks(t *testing.T) {
	tasks := memory.NewTaskStore()
	for _, id := range []string{"task-1", "task-2", "task-3"} {
		createPendingTask(t, tasks, id)
	}

	cfg := testQueueConfig()
	cfg.WorkerCount = 2

	executor := &scriptedExecutor{}
	pool := NewWorkerPool("pod-a", tasks, cfg, executor)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.Eventually(t, func() bool {
		for _, id := range []string{"task-1", "task-2", "task-3"} {
			task, err := tasks.Load(context.Background(), id)
			if err != nil || task.Status != models.TaskStatusSucceeded {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	assert.ElementsMatch(t, []string{"task-1", "task-2", "task-3"}, executor.executedIDs())
}

func TestPool_CancelTaskRoutesToRunningWorker(t *testing.T) {
	tasks := memory.NewTaskStore()
	createPendingTask(t, tasks, "task-1")

	started := make(chan struct{})
	executor := &scriptedExecutor{fn: func(ctx context.Context, _ *models.Task) *ExecutionResult {
		close(started)
		<-ctx.Done()
		return &ExecutionResult{Status: models.TaskStatusCancelled, ErrorKind: "Cancelled"}
	}}

	pool := NewWorkerPool("pod-a", tasks, testQueueConfig(), executor)
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}

	assert.False(t, pool.CancelTask("no-such-task"))
	require.True(t, pool.CancelTask("task-1"))

	require.Eventually(t, func() bool {
		task, err := tasks.Load(context.Background(), "task-1")
		return err == nil && task.Status == models.TaskStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_HealthReflectsWorkersAndStore(t *testing.T) {
	tasks := memory.NewTaskStore()
	cfg := testQueueConfig()
	cfg.WorkerCount = 3

	pool := NewWorkerPool("pod-a", tasks, cfg, &scriptedExecutor{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	health := pool.Health()
	assert.True(t, health.IsHealthy)
	assert.True(t, health.StoreReachable)
	assert.Equal(t, "pod-a", health.PodID)
	assert.Equal(t, 3, health.TotalWorkers)
	assert.Len(t, health.WorkerStats, 3)
	assert.Equal(t, cfg.MaxConcurrentTasks, health.MaxConcurrent)
	assert.Equal(t, 0, health.RunningTasks)
}

func TestPool_DuplicateStartIsNoOp(t *testing.T) {
	pool := NewWorkerPool("pod-a", memory.NewTaskStore(), testQueueConfig(), &scriptedExecutor{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.NoError(t, pool.Start(context.Background()))
	assert.Equal(t, 1, pool.Health().TotalWorkers)
}

func TestPool_OrphanedTaskIsRequeuedAndResumed(t *testing.T) {
	tasks := memory.NewTaskStore()
	ctx := context.Background()

	// A task abandoned by a dead pod: running, heartbeat an hour stale.
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, tasks.Create(ctx, &models.Task{
		ID:              "task-orphan",
		Status:          models.TaskStatusRunning,
		PodID:           "pod-dead",
		Phase:           "analysis",
		CreatedAt:       stale,
		LastHeartbeatAt: &stale,
	}))

	cfg := testQueueConfig()
	cfg.OrphanDetectionInterval = 20 * time.Millisecond
	cfg.OrphanThreshold = time.Minute

	executor := &scriptedExecutor{}
	pool := NewWorkerPool("pod-a", tasks, cfg, executor)
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	// The detector resets the task to pending, then a worker picks it up.
	require.Eventually(t, func() bool {
		task, err := tasks.Load(ctx, "task-orphan")
		return err == nil && task.Status == models.TaskStatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	task, err := tasks.Load(ctx, "task-orphan")
	require.NoError(t, err)
	assert.Equal(t, "pod-a", task.PodID)
	assert.Equal(t, []string{"task-orphan"}, executor.executedIDs())

	health := pool.Health()
	assert.False(t, health.LastOrphanScan.IsZero())
	assert.GreaterOrEqual(t, health.OrphansRequeued, 1)
}

func TestPool_OrphanScanLeavesFreshTasksAlone(t *testing.T) {
	tasks := memory.NewTaskStore()
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, tasks.Create(ctx, &models.Task{
		ID:              "task-live",
		Status:          models.TaskStatusRunning,
		PodID:           "pod-b",
		CreatedAt:       now,
		LastHeartbeatAt: &now,
	}))

	cfg := testQueueConfig()
	cfg.OrphanDetectionInterval = 20 * time.Millisecond
	cfg.OrphanThreshold = time.Minute

	pool := NewWorkerPool("pod-a", tasks, cfg, &scriptedExecutor{})
	require.NoError(t, pool.Start(ctx))
	defer pool.Stop()

	time.Sleep(100 * time.Millisecond)
	task, err := tasks.Load(ctx, "task-live")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusRunning, task.Status)
	assert.Equal(t, "pod-b", task.PodID)
}
