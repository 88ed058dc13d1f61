package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-audit/argus/pkg/models"
)

// EventStore is the PostgreSQL store.EventStore. Whole events go into a
// JSONB payload; (task_id, sequence) is the primary key, which doubles
// as the ordering the SSE catch-up path reads back.
type EventStore struct {
	pool *pgxpool.Pool
}

// AppendBatch inserts a drained batch in one round trip.
func (s *EventStore) AppendBatch(ctx context.Context, taskID string, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %d: %w", ev.Sequence, err)
		}
		batch.Queue(`
			INSERT INTO events (task_id, sequence, id, kind, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (task_id, sequence) DO NOTHING`,
			taskID, ev.Sequence, ev.ID, string(ev.Kind), payload, ev.Timestamp)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to persist event batch: %w", err)
		}
	}
	return nil
}

// EventsSince returns up to limit events with sequence greater than
// sinceSeq, in sequence order. Used by SSE reconnect catch-up.
func (s *EventStore) EventsSince(ctx context.Context, taskID string, sinceSeq int64, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT payload FROM events
		WHERE task_id = $1 AND sequence > $2
		ORDER BY sequence
		LIMIT $3`,
		taskID, sinceSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LatestSequence returns the highest persisted sequence for the task,
// or -1 when no events exist.
func (s *EventStore) LatestSequence(ctx context.Context, taskID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(max(sequence), -1) FROM events WHERE task_id = $1`, taskID).Scan(&seq)
	if err != nil {
		return -1, fmt.Errorf("failed to query latest sequence: %w", err)
	}
	return seq, nil
}
