// Package engine assembles the per-task execution stack: config
// snapshot, event stream, sandboxed tool registry, governors, checkpoint
// manager, and the orchestrator. It implements queue.TaskExecutor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/argus-audit/argus/pkg/checkpoint"
	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/governor"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/masking"
	"github.com/argus-audit/argus/pkg/metrics"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/orchestrator"
	"github.com/argus-audit/argus/pkg/queue"
	"github.com/argus-audit/argus/pkg/store"
	"github.com/argus-audit/argus/pkg/tool"
)

// SequenceSource recovers the highest persisted event sequence so a
// resumed task continues its stream without duplicate sequence numbers.
type SequenceSource interface {
	LatestSequence(ctx context.Context, taskID string) (int64, error)
}

// Engine executes claimed tasks. One instance per process; Execute is
// safe for concurrent calls from multiple workers.
type Engine struct {
	cfg         *config.Config
	pool        *llm.Pool
	bus         *events.Bus
	tasks       store.TaskStore
	findings    store.FindingStore
	events      store.EventStore
	checkpoints store.CheckpointStore
	blobs       store.BlobStore
	metrics     *metrics.Metrics
	clock       store.Clock
}

// Options carries the engine's process-wide collaborators.
type Options struct {
	Config      *config.Config
	Pool        *llm.Pool
	Bus         *events.Bus
	Tasks       store.TaskStore
	Findings    store.FindingStore
	Events      store.EventStore
	Checkpoints store.CheckpointStore

	// Blobs may be nil (oversized tool output is truncated in place).
	Blobs store.BlobStore

	// Metrics may be nil (no telemetry).
	Metrics *metrics.Metrics
	Clock   store.Clock
}

// New builds the engine.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Engine{
		cfg:         opts.Config,
		pool:        opts.Pool,
		bus:         opts.Bus,
		tasks:       opts.Tasks,
		findings:    opts.Findings,
		events:      opts.Events,
		checkpoints: opts.Checkpoints,
		blobs:       opts.Blobs,
		metrics:     opts.Metrics,
		clock:       clock,
	}
}

// Execute runs one task end to end and reports the terminal result.
func (e *Engine) Execute(ctx context.Context, task *models.Task) *queue.ExecutionResult {
	start := e.clock.Now()
	if e.metrics != nil {
		e.metrics.TaskStarted()
	}

	result := e.execute(ctx, task)

	if e.metrics != nil {
		e.metrics.TaskFinished(string(result.Status), e.clock.Now().Sub(start).Seconds())
	}
	return result
}

func (e *Engine) execute(ctx context.Context, task *models.Task) *queue.ExecutionResult {
	log := slog.With("task_id", task.ID)

	e.bus.Open(ctx, task.ID)
	e.seedSequence(ctx, task.ID)
	publisher := events.NewPublisher(e.bus, task.ID)

	// Progress mirror: phase-start and agent-step events are reflected
	// onto the task row so list/get endpoints show live progress.
	progressDone := e.mirrorProgress(task.ID)

	result := e.runOrchestration(ctx, task, publisher)

	result.DroppedEvents = int(e.bus.DroppedCount(task.ID))
	if e.metrics != nil {
		e.metrics.EventsDropped(result.DroppedEvents)
	}

	// Close on a background context so the drain is not cut short by the
	// task deadline.
	e.bus.Close(context.Background(), task.ID)
	<-progressDone

	log.Info("Task execution finished",
		"status", result.Status, "dropped_events", result.DroppedEvents)
	return result
}

// runOrchestration builds the per-task stack and runs the phase graph.
func (e *Engine) runOrchestration(ctx context.Context, task *models.Task, publisher *events.Publisher) *queue.ExecutionResult {
	snapshot, err := e.cfg.SnapshotForTask(task.ConfigOverrides)
	if err != nil {
		publisher.TaskError(orchestrator.ErrKindValidation, err.Error())
		return &queue.ExecutionResult{
			Status:    models.TaskStatusFailed,
			ErrorKind: orchestrator.ErrKindValidation,
			Err:       err,
		}
	}

	sandbox := tool.NewSandbox(task.RepoPath, snapshot.Security)
	registry := buildRegistry(sandbox, snapshot, e.pool)

	var hook governor.StateChangeFunc
	if e.metrics != nil {
		hook = e.metrics.BreakerStateChange
	}
	breakers := governor.NewBreakerSet(
		snapshot.Circuit.FailureThreshold,
		snapshot.Circuit.RecoveryTimeout,
		snapshot.Circuit.HalfOpenMaxCalls,
		hook,
	)
	limiter := governor.NewRateLimiter(toolLimits(registry, snapshot.Tool))

	executor := tool.NewExecutor(registry, snapshot.Tool, snapshot.Resource,
		limiter, breakers, &toolReporter{pub: publisher, metrics: e.metrics}, e.clock)
	if e.blobs != nil {
		executor.SpillTo(e.blobs, task.ID)
	}
	if snapshot.Security.MaskSecrets {
		executor.MaskWith(masking.NewService())
	}

	manager := checkpoint.NewManager(snapshot.Checkpoint, e.checkpoints, e.clock, task.ID)

	orch := orchestrator.New(orchestrator.Options{
		Config:      snapshot,
		Pool:        e.pool,
		Registry:    registry,
		Executor:    executor,
		Publisher:   publisher,
		Checkpoints: manager,
		Findings:    e.findings,
		Clock:       e.clock,
	})

	outcome, err := orch.Run(ctx, task)
	if err != nil {
		return e.failureResult(err)
	}

	state := outcome.State
	if e.metrics != nil {
		e.metrics.LLMUsage(state.TokensUsed.InputTokens, state.TokensUsed.OutputTokens, state.TokensUsed.CostUSD)
	}
	return &queue.ExecutionResult{
		Status:        models.TaskStatusSucceeded,
		OverallScore:  outcome.OverallScore,
		SecurityScore: outcome.SecurityScore,
		FindingCounts: outcome.Counts,
		TokensUsed:    state.TokensUsed,
	}
}

// failureResult maps an orchestrator error onto the terminal statuses
// and error kinds the task row records.
func (e *Engine) failureResult(err error) *queue.ExecutionResult {
	if errors.Is(err, context.Canceled) {
		return &queue.ExecutionResult{
			Status:    models.TaskStatusCancelled,
			ErrorKind: orchestrator.ErrKindCancelled,
			Err:       err,
		}
	}

	kind := orchestrator.ErrKindAgent
	var perr *orchestrator.PhaseError
	switch {
	case errors.As(err, &perr):
		kind = perr.Kind
	case errors.Is(err, context.DeadlineExceeded):
		kind = orchestrator.ErrKindTimeout
	}
	return &queue.ExecutionResult{
		Status:    models.TaskStatusFailed,
		ErrorKind: kind,
		Err:       err,
	}
}

// seedSequence continues the event sequence from the persisted stream so
// a resumed task never reuses sequence numbers.
func (e *Engine) seedSequence(ctx context.Context, taskID string) {
	src, ok := e.events.(SequenceSource)
	if !ok {
		return
	}
	latest, err := src.LatestSequence(ctx, taskID)
	if err != nil {
		slog.Warn("Failed to recover event sequence, starting at zero",
			"task_id", taskID, "error", err)
		return
	}
	if latest >= 0 {
		e.bus.StartSequence(taskID, latest+1)
	}
}

// mirrorProgress subscribes to the task's stream and reflects progress
// events onto the task row. Returns a channel closed when the stream
// ends.
func (e *Engine) mirrorProgress(taskID string) <-chan struct{} {
	ch, cancel := e.bus.Subscribe(taskID, 64)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer cancel()
		for ev := range ch {
			switch ev.Kind {
			case models.EventPhaseStart:
				e.updateProgress(taskID, ev.Phase, "")
			case models.EventAgentStep:
				if iter, ok := ev.Metadata["iteration"].(int); ok {
					e.updateProgress(taskID, ev.Phase, fmt.Sprintf("iteration %d", iter))
				}
			case models.EventCheckpoint:
				if e.metrics != nil {
					e.metrics.CheckpointWritten()
				}
			}
		}
	}()
	return done
}

func (e *Engine) updateProgress(taskID, phase, stepLabel string) {
	if err := e.tasks.UpdateProgress(context.Background(), taskID, phase, stepLabel); err != nil {
		slog.Debug("Progress update failed", "task_id", taskID, "error", err)
	}
}

// toolLimits builds the per-tool token buckets from config.
func toolLimits(registry *tool.Registry, cfg config.ToolConfig) map[string]governor.Limit {
	limits := make(map[string]governor.Limit)
	for _, name := range registry.Names() {
		if perSec := cfg.RateFor(name); perSec > 0 {
			burst := int(perSec)
			if burst < 1 {
				burst = 1
			}
			limits[name] = governor.Limit{PerSecond: perSec, Burst: burst}
		}
	}
	return limits
}

// toolReporter fans tool-call telemetry to the event stream and metrics.
type toolReporter struct {
	pub     *events.Publisher
	metrics *metrics.Metrics
}

func (r *toolReporter) ToolCall(phase, toolName string, outcome models.ToolOutcome, durationMS int64, input, output string) {
	r.pub.ToolCall(phase, toolName, outcome, durationMS, input, output)
	if r.metrics != nil {
		r.metrics.ToolCall(toolName, string(outcome))
	}
}
