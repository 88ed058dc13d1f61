package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/findings"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store/memory"
)

type engineHarness struct {
	engine   *Engine
	mock     *llm.MockProvider
	tasks    *memory.TaskStore
	findings *memory.FindingStore
	eventsDB *memory.EventStore
	task     *models.Task
}

func newEngineHarness(t *testing.T) *engineHarness {
	t.Helper()

	phase := config.PhaseAgentConfig{MaxIterations: 8, TokenBudget: 1 << 20, Timeout: 30 * time.Second}
	cfg := &config.Config{
		LLM: config.LLMConfig{
			DefaultProvider: "mock",
			Providers: map[string]config.LLMProviderConfig{
				"mock": {Type: "mock", Model: "mock-1"},
			},
		},
		Agent: config.AgentConfig{
			Orchestrator: config.PhaseAgentConfig{MaxIterations: 3},
			Recon:        phase,
			Analysis:     phase,
			Verification: phase,
		},
		Tool: config.ToolConfig{Timeout: 5 * time.Second},
		Circuit: config.CircuitConfig{
			FailureThreshold: 5, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1,
		},
		Resource: config.ResourceConfig{
			MaxFindingsPerAgent: 10,
			MaxTotalFindings:    50,
			MaxContextMessages:  20,
			MaxToolOutputLength: 1 << 16,
		},
		Checkpoint: config.CheckpointConfig{Enabled: true, OnPhaseComplete: true, MaxPerTask: 10},
		Event:      config.EventConfig{QueueMaxSize: 256, BatchSize: 16},
		Fallback:   config.FallbackConfig{ContinueOnPartialResults: true},
	}

	mock := llm.NewMockProvider("mock", "mock-1")
	pool := llm.NewPool(cfg.LLM, map[string]llm.Provider{"mock": mock}, llm.NewCache(memory.NewKV(), 0))

	h := &engineHarness{
		mock:     mock,
		tasks:    memory.NewTaskStore(),
		findings: memory.NewFindingStore(),
		eventsDB: memory.NewEventStore(),
	}
	bus := events.NewBus(cfg.Event, h.eventsDB, nil)
	h.engine = New(Options{
		Config:      cfg,
		Pool:        pool,
		Bus:         bus,
		Tasks:       h.tasks,
		Findings:    h.findings,
		Events:      h.eventsDB,
		Checkpoints: memory.NewCheckpointStore(),
	})

	h.task = &models.Task{
		ID:        "task-1",
		RepoPath:  t.TempDir(),
		Status:    models.TaskStatusRunning,
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.tasks.Create(context.Background(), h.task))
	return h
}

func toolArgs(t *testing.T, m map[string]any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func (h *engineHarness) scriptHappyAudit(t *testing.T) string {
	t.Helper()
	fp := findings.Fingerprint(&models.Finding{
		VulnType: "sql-injection",
		Location: models.Location{FilePath: "main.py", LineStart: 10, LineEnd: 10},
	})

	// Recon maps the codebase.
	h.mock.EnqueueToolCalls(llm.ToolCall{ID: "r1", Name: "finish", Arguments: toolArgs(t, map[string]any{
		"summary": "python app", "tech_stack": map[string]any{"python": 1.0},
	})})
	// Analysis records one finding.
	h.mock.EnqueueToolCalls(llm.ToolCall{ID: "a1", Name: "record_finding", Arguments: toolArgs(t, map[string]any{
		"vuln_type": "sql-injection", "severity": "high",
		"title": "String-built SQL query", "file_path": "main.py",
		"line_start": float64(10), "line_end": float64(10),
	})})
	h.mock.EnqueueToolCalls(llm.ToolCall{ID: "a2", Name: "finish", Arguments: toolArgs(t, map[string]any{"summary": "done"})})
	// Verification confirms it.
	h.mock.EnqueueToolCalls(llm.ToolCall{ID: "v1", Name: "update_finding", Arguments: toolArgs(t, map[string]any{
		"fingerprint": fp, "verdict": "confirmed",
	})})
	h.mock.EnqueueToolCalls(llm.ToolCall{ID: "v2", Name: "finish", Arguments: toolArgs(t, map[string]any{"summary": "done"})})
	return fp
}

func TestExecute_HappyPath(t *testing.T) {
	h := newEngineHarness(t)
	fp := h.scriptHappyAudit(t)

	result := h.engine.Execute(context.Background(), h.task)

	require.NotNil(t, result)
	assert.Equal(t, models.TaskStatusSucceeded, result.Status)
	assert.NoError(t, result.Err)
	assert.Equal(t, 1, result.FindingCounts.High)
	assert.Equal(t, 85.0, result.SecurityScore)
	assert.Positive(t, result.TokensUsed.TotalTokens)
	assert.Zero(t, result.DroppedEvents)

	persisted, err := h.findings.ListForTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, fp, persisted[0].Fingerprint)

	evs, err := h.eventsDB.EventsSince(context.Background(), "task-1", -1, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, models.EventTaskStart, evs[0].Kind)
	assert.Equal(t, models.EventTaskComplete, evs[len(evs)-1].Kind)

	// The progress mirror reflected the last phase onto the task row.
	task, err := h.tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.PhaseReport, task.Phase)
}

func TestExecute_InvalidOverridesAreValidationErrors(t *testing.T) {
	h := newEngineHarness(t)
	h.task.ConfigOverrides = map[string]any{"agent.recon.max_iterations": "not a number"}

	result := h.engine.Execute(context.Background(), h.task)

	assert.Equal(t, models.TaskStatusFailed, result.Status)
	assert.Equal(t, "ValidationError", result.ErrorKind)
	require.Error(t, result.Err)

	evs, err := h.eventsDB.EventsSince(context.Background(), "task-1", -1, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, models.EventTaskError, evs[len(evs)-1].Kind)
}

func TestExecute_CancelledContext(t *testing.T) {
	h := newEngineHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := h.engine.Execute(ctx, h.task)

	assert.Equal(t, models.TaskStatusCancelled, result.Status)
	assert.Equal(t, "Cancelled", result.ErrorKind)
}

func TestExecute_SequenceContinuesAfterRequeue(t *testing.T) {
	h := newEngineHarness(t)

	// Events persisted by a previous attempt before the pod died.
	prior := []models.Event{
		{ID: "e1", TaskID: "task-1", Sequence: 8, Kind: models.EventTaskStart},
		{ID: "e2", TaskID: "task-1", Sequence: 9, Kind: models.EventPhaseStart, Phase: models.PhaseRecon},
	}
	require.NoError(t, h.eventsDB.AppendBatch(context.Background(), "task-1", prior))

	h.scriptHappyAudit(t)
	result := h.engine.Execute(context.Background(), h.task)
	require.Equal(t, models.TaskStatusSucceeded, result.Status)

	evs, err := h.eventsDB.EventsSince(context.Background(), "task-1", 9, 1000)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Sequence, int64(10), "resumed stream must not reuse sequences")
	}
}
