package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-audit/argus/pkg/findings"
	"github.com/argus-audit/argus/pkg/models"
)

// FindingStore is the PostgreSQL store.FindingStore. The full finding
// is stored as a JSONB payload; severity and verification are mirrored
// into columns for filtering.
type FindingStore struct {
	pool *pgxpool.Pool
}

// UpsertByFingerprint inserts the finding or merges it into the existing
// row with the same (task, fingerprint). The merge runs in Go under a
// row lock so concurrent upserts cannot lose fields.
func (s *FindingStore) UpsertByFingerprint(ctx context.Context, f *models.Finding) (*models.Finding, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var payload []byte
	err = tx.QueryRow(ctx, `
		SELECT payload FROM findings
		WHERE task_id = $1 AND fingerprint = $2
		FOR UPDATE`,
		f.TaskID, f.Fingerprint).Scan(&payload)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		inserted := *f
		if inserted.ID == "" {
			inserted.ID = uuid.NewString()
		}
		data, err := json.Marshal(&inserted)
		if err != nil {
			return nil, false, fmt.Errorf("failed to encode finding: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO findings (id, task_id, fingerprint, severity, verification, payload, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			inserted.ID, inserted.TaskID, inserted.Fingerprint,
			string(inserted.Severity), string(inserted.Verification),
			data, inserted.CreatedAt, inserted.UpdatedAt)
		if err != nil {
			return nil, false, fmt.Errorf("failed to insert finding: %w", err)
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, false, err
		}
		return &inserted, false, nil

	case err != nil:
		return nil, false, fmt.Errorf("failed to load finding for merge: %w", err)
	}

	var existing models.Finding
	if err := json.Unmarshal(payload, &existing); err != nil {
		return nil, false, fmt.Errorf("failed to decode stored finding: %w", err)
	}
	merged := findings.Merge(&existing, f)
	data, err := json.Marshal(&merged)
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode merged finding: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE findings SET severity = $3, verification = $4, payload = $5, updated_at = $6
		WHERE task_id = $1 AND fingerprint = $2`,
		merged.TaskID, merged.Fingerprint,
		string(merged.Severity), string(merged.Verification),
		data, merged.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to update finding: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, err
	}
	return &merged, true, nil
}

func (s *FindingStore) ListForTask(ctx context.Context, taskID string) ([]models.Finding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM findings WHERE task_id = $1 ORDER BY created_at, fingerprint`,
		taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query findings: %w", err)
	}
	defer rows.Close()

	var out []models.Finding
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan finding: %w", err)
		}
		var f models.Finding
		if err := json.Unmarshal(payload, &f); err != nil {
			return nil, fmt.Errorf("failed to decode finding: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
