package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// TaskStore is the PostgreSQL store.TaskStore.
type TaskStore struct {
	pool *pgxpool.Pool
}

const taskColumns = `
	id, project_id, repo_path, config_overrides, status, phase, step_label,
	pod_id, error_kind, error_message,
	total_files, indexed_files, analyzed_files,
	finding_counts, tokens_used, dropped_events,
	overall_score, security_score,
	created_at, started_at, completed_at, last_heartbeat_at`

func (s *TaskStore) Create(ctx context.Context, task *models.Task) error {
	overrides, err := json.Marshal(task.ConfigOverrides)
	if err != nil {
		return fmt.Errorf("failed to encode config overrides: %w", err)
	}
	counts, _ := json.Marshal(task.FindingCounts)
	tokens, _ := json.Marshal(task.TokensUsed)

	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, project_id, repo_path, config_overrides, status, phase,
			finding_counts, tokens_used, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		task.ID, task.ProjectID, task.RepoPath, overrides,
		string(task.Status), task.Phase, counts, tokens, createdAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *TaskStore) Load(ctx context.Context, id string) (*models.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	return scanTask(row)
}

// Claim atomically selects the oldest pending task with SKIP LOCKED,
// marks it running, and installs a lease token.
func (s *TaskStore) Claim(ctx context.Context, podID string) (*models.Task, *store.Lease, error) {
	token := uuid.NewString()
	now := time.Now()

	row := s.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = 'running',
			pod_id = $1,
			lease_token = $2,
			started_at = $3,
			last_heartbeat_at = $3
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending'
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+taskColumns,
		podID, token, now)

	task, err := scanTask(row)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, store.ErrNoneAvailable
	}
	if err != nil {
		return nil, nil, err
	}
	return task, &store.Lease{TaskID: task.ID, Token: token, Acquired: now}, nil
}

func (s *TaskStore) Release(ctx context.Context, lease *store.Lease) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE tasks SET lease_token = NULL
		WHERE id = $1 AND lease_token = $2`,
		lease.TaskID, lease.Token)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}

func (s *TaskStore) UpdateStatus(ctx context.Context, id string, status models.TaskStatus, errorKind, errorMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = $2,
			error_kind = $3,
			error_message = $4,
			completed_at = CASE WHEN $5 THEN now() ELSE completed_at END
		WHERE id = $1`,
		id, string(status), errorKind, errorMsg, status.IsTerminal())
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) UpdateProgress(ctx context.Context, id string, phase, stepLabel string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET phase = $2, step_label = $3 WHERE id = $1`,
		id, phase, stepLabel)
	if err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) UpdateCounters(ctx context.Context, task *models.Task) error {
	counts, _ := json.Marshal(task.FindingCounts)
	tokens, _ := json.Marshal(task.TokensUsed)

	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			total_files = $2, indexed_files = $3, analyzed_files = $4,
			finding_counts = $5, tokens_used = $6, dropped_events = $7,
			overall_score = $8, security_score = $9
		WHERE id = $1`,
		task.ID, task.TotalFiles, task.IndexedFiles, task.AnalyzedFiles,
		counts, tokens, task.DroppedEvents, task.OverallScore, task.SecurityScore)
	if err != nil {
		return fmt.Errorf("failed to update task counters: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET last_heartbeat_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to update heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) CountRunning(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tasks WHERE status = 'running'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count running tasks: %w", err)
	}
	return count, nil
}

func (s *TaskStore) FindOrphans(ctx context.Context, threshold time.Duration) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running'
		  AND (last_heartbeat_at IS NULL OR last_heartbeat_at < now() - $1::interval)`,
		threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphans: %w", err)
	}
	defer rows.Close()

	var orphans []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		orphans = append(orphans, task)
	}
	return orphans, rows.Err()
}

func (s *TaskStore) Requeue(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			status = 'pending', pod_id = '', lease_token = NULL,
			started_at = NULL, last_heartbeat_at = NULL
		WHERE id = $1 AND status = 'running'`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		task      models.Task
		overrides []byte
		counts    []byte
		tokens    []byte
		status    string
	)
	err := row.Scan(
		&task.ID, &task.ProjectID, &task.RepoPath, &overrides, &status,
		&task.Phase, &task.StepLabel, &task.PodID,
		&task.ErrorKind, &task.ErrorMsg,
		&task.TotalFiles, &task.IndexedFiles, &task.AnalyzedFiles,
		&counts, &tokens, &task.DroppedEvents,
		&task.OverallScore, &task.SecurityScore,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.LastHeartbeatAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	task.Status = models.TaskStatus(status)
	if len(overrides) > 0 {
		if err := json.Unmarshal(overrides, &task.ConfigOverrides); err != nil {
			return nil, fmt.Errorf("failed to decode config overrides: %w", err)
		}
	}
	if len(counts) > 0 {
		_ = json.Unmarshal(counts, &task.FindingCounts)
	}
	if len(tokens) > 0 {
		_ = json.Unmarshal(tokens, &task.TokensUsed)
	}
	return &task, nil
}
