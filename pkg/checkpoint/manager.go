package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// Manager decides when to write checkpoints and performs save/restore
// for one task. Not safe for concurrent Save calls; the agent loop is
// the only writer.
type Manager struct {
	cfg    config.CheckpointConfig
	store  store.CheckpointStore
	clock  store.Clock
	taskID string

	mu             sync.Mutex
	nextIndex      int
	iterationsSince int
}

// NewManager creates a manager for one task. nextIndex continues from
// the latest persisted checkpoint on resume.
func NewManager(cfg config.CheckpointConfig, cpStore store.CheckpointStore, clock store.Clock, taskID string) *Manager {
	if clock == nil {
		clock = store.SystemClock{}
	}
	return &Manager{cfg: cfg, store: cpStore, clock: clock, taskID: taskID}
}

// MaybeSaveIteration counts one agent iteration and checkpoints when
// the configured interval elapses.
func (m *Manager) MaybeSaveIteration(ctx context.Context, snap *Snapshot) (*models.Checkpoint, error) {
	if !m.cfg.Enabled || m.cfg.IntervalIterations <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	m.iterationsSince++
	due := m.iterationsSince >= m.cfg.IntervalIterations
	if due {
		m.iterationsSince = 0
	}
	m.mu.Unlock()
	if !due {
		return nil, nil
	}
	return m.save(ctx, snap, models.TriggerIteration)
}

// SavePhaseBoundary checkpoints at a phase transition, when enabled.
func (m *Manager) SavePhaseBoundary(ctx context.Context, snap *Snapshot) (*models.Checkpoint, error) {
	if !m.cfg.Enabled || !m.cfg.OnPhaseComplete {
		return nil, nil
	}
	return m.save(ctx, snap, models.TriggerPhaseBoundary)
}

// SaveManual checkpoints unconditionally (cancellation, shutdown).
func (m *Manager) SaveManual(ctx context.Context, snap *Snapshot) (*models.Checkpoint, error) {
	if !m.cfg.Enabled {
		return nil, nil
	}
	return m.save(ctx, snap, models.TriggerManual)
}

func (m *Manager) save(ctx context.Context, snap *Snapshot, trigger models.CheckpointTrigger) (*models.Checkpoint, error) {
	blob, err := Encode(snap)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	m.mu.Lock()
	index := m.nextIndex
	m.nextIndex++
	m.mu.Unlock()

	cp := &models.Checkpoint{
		ID:        uuid.NewString(),
		TaskID:    m.taskID,
		Index:     index,
		Trigger:   trigger,
		Blob:      blob,
		CreatedAt: m.clock.Now(),
	}
	if err := m.store.Put(ctx, cp); err != nil {
		return nil, fmt.Errorf("failed to persist checkpoint: %w", err)
	}

	if m.cfg.MaxPerTask > 0 {
		if err := m.store.Prune(ctx, m.taskID, m.cfg.MaxPerTask); err != nil {
			// Pruning is housekeeping; the checkpoint itself landed.
			slog.Warn("Failed to prune checkpoints", "task_id", m.taskID, "error", err)
		}
	}

	slog.Debug("Checkpoint saved",
		"task_id", m.taskID, "index", index, "trigger", trigger, "bytes", len(blob))
	return cp, nil
}

// Restore loads and decodes the latest checkpoint. Returns
// (nil, nil, store.ErrNotFound) when no checkpoint exists, and a
// wrapped ErrVersionMismatch for incompatible blobs.
func (m *Manager) Restore(ctx context.Context) (*Snapshot, *models.Checkpoint, error) {
	cp, err := m.store.GetLatest(ctx, m.taskID)
	if err != nil {
		return nil, nil, err
	}
	snap, err := Decode(cp.Blob)
	if err != nil {
		return nil, nil, fmt.Errorf("checkpoint %d unusable: %w", cp.Index, err)
	}

	m.mu.Lock()
	if cp.Index >= m.nextIndex {
		m.nextIndex = cp.Index + 1
	}
	m.mu.Unlock()

	slog.Info("Restored checkpoint",
		"task_id", m.taskID, "index", cp.Index, "findings", len(snap.Findings), "phase", snap.State.Phase)
	return snap, cp, nil
}
