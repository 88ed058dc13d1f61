// Package store defines the narrow persistence ports the engine core
// consumes. Implementations live in subpackages: postgres (production),
// memory (tests and single-node mode), blob (local filesystem), and
// badgerkv (LLM response cache).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/argus-audit/argus/pkg/models"
)

// Sentinel errors shared by all implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrLockBusy     = errors.New("task lock held elsewhere")
	ErrNoneAvailable = errors.New("no tasks available")
)

// Lease proves ownership of a claimed task. Returned by Claim and
// required by Release; implementations may back it with an advisory
// lock, a row claim, or an in-memory token.
type Lease struct {
	TaskID   string
	Token    string
	Acquired time.Time
}

// TaskStore persists task records and mediates claim/lock semantics.
type TaskStore interface {
	Load(ctx context.Context, id string) (*models.Task, error)
	Create(ctx context.Context, task *models.Task) error

	// Claim atomically picks the oldest pending task, marks it running,
	// and returns it with a lease. Returns ErrNoneAvailable when the
	// queue is empty and ErrLockBusy is never returned by Claim (busy
	// rows are skipped).
	Claim(ctx context.Context, podID string) (*models.Task, *Lease, error)

	// Release ends the lease. Safe to call after the task reached a
	// terminal status.
	Release(ctx context.Context, lease *Lease) error

	UpdateStatus(ctx context.Context, id string, status models.TaskStatus, errorKind, errorMsg string) error
	UpdateProgress(ctx context.Context, id string, phase, stepLabel string) error
	UpdateCounters(ctx context.Context, task *models.Task) error
	Heartbeat(ctx context.Context, id string) error

	// CountRunning returns running tasks across all pods, for the global
	// concurrency cap.
	CountRunning(ctx context.Context) (int, error)

	// FindOrphans returns running tasks whose heartbeat is older than
	// the threshold.
	FindOrphans(ctx context.Context, threshold time.Duration) ([]*models.Task, error)

	// Requeue resets an orphaned task to pending for re-pickup.
	Requeue(ctx context.Context, id string) error
}

// FindingStore persists findings keyed by fingerprint.
type FindingStore interface {
	// UpsertByFingerprint inserts the finding or merges it into the
	// existing row with the same (task, fingerprint). Returns the stored
	// finding and whether an existing row was updated.
	UpsertByFingerprint(ctx context.Context, f *models.Finding) (*models.Finding, bool, error)
	ListForTask(ctx context.Context, taskID string) ([]models.Finding, error)
}

// EventStore persists event batches.
type EventStore interface {
	AppendBatch(ctx context.Context, taskID string, events []models.Event) error
}

// CheckpointStore persists checkpoint blobs with monotonic indices.
type CheckpointStore interface {
	Put(ctx context.Context, cp *models.Checkpoint) error
	GetLatest(ctx context.Context, taskID string) (*models.Checkpoint, error)
	Prune(ctx context.Context, taskID string, keepN int) error
}

// BlobStore stores large artifacts (PoC outputs, oversized tool output).
// The interface hides whether the backing is local FS or object storage.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Presign returns a URL-ish reference for external consumers; local
	// implementations return a file path.
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// KV is a small TTL'd key-value port, used for the LLM completion cache.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Close() error
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }
