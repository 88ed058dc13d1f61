package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// CheckpointStore is the PostgreSQL store.CheckpointStore.
type CheckpointStore struct {
	pool *pgxpool.Pool
}

func (s *CheckpointStore) Put(ctx context.Context, cp *models.Checkpoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO checkpoints (id, task_id, cp_index, cp_trigger, blob, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		cp.ID, cp.TaskID, cp.Index, string(cp.Trigger), cp.Blob, cp.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

func (s *CheckpointStore) GetLatest(ctx context.Context, taskID string) (*models.Checkpoint, error) {
	var (
		cp      models.Checkpoint
		trigger string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, task_id, cp_index, cp_trigger, blob, created_at
		FROM checkpoints
		WHERE task_id = $1
		ORDER BY cp_index DESC
		LIMIT 1`, taskID).Scan(
		&cp.ID, &cp.TaskID, &cp.Index, &trigger, &cp.Blob, &cp.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	cp.Trigger = models.CheckpointTrigger(trigger)
	return &cp, nil
}

// Prune keeps the keepN newest checkpoints for the task.
func (s *CheckpointStore) Prune(ctx context.Context, taskID string, keepN int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM checkpoints
		WHERE task_id = $1 AND cp_index NOT IN (
			SELECT cp_index FROM checkpoints
			WHERE task_id = $1
			ORDER BY cp_index DESC
			LIMIT $2
		)`, taskID, keepN)
	if err != nil {
		return fmt.Errorf("failed to prune checkpoints: %w", err)
	}
	return nil
}
