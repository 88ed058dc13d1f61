// Package memory provides in-memory store implementations used by tests
// and the single-node development mode. All types are safe for
// concurrent use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argus-audit/argus/pkg/findings"
	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// TaskStore is the in-memory store.TaskStore.
type TaskStore struct {
	mu     sync.Mutex
	tasks  map[string]*models.Task
	leases map[string]string // task ID → lease token
	now    func() time.Time
}

// NewTaskStore creates an empty in-memory task store.
func NewTaskStore() *TaskStore {
	return &TaskStore{
		tasks:  make(map[string]*models.Task),
		leases: make(map[string]string),
		now:    time.Now,
	}
}

func (s *TaskStore) Create(_ context.Context, task *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *TaskStore) Load(_ context.Context, id string) (*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *task
	return &copied, nil
}

func (s *TaskStore) Claim(_ context.Context, podID string) (*models.Task, *store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusPending {
			continue
		}
		if _, locked := s.leases[task.ID]; locked {
			continue
		}
		if oldest == nil || task.CreatedAt.Before(oldest.CreatedAt) {
			oldest = task
		}
	}
	if oldest == nil {
		return nil, nil, store.ErrNoneAvailable
	}

	now := s.now()
	oldest.Status = models.TaskStatusRunning
	oldest.PodID = podID
	oldest.StartedAt = &now
	oldest.LastHeartbeatAt = &now

	token := uuid.NewString()
	s.leases[oldest.ID] = token

	copied := *oldest
	return &copied, &store.Lease{TaskID: oldest.ID, Token: token, Acquired: now}, nil
}

func (s *TaskStore) Release(_ context.Context, lease *store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[lease.TaskID] == lease.Token {
		delete(s.leases, lease.TaskID)
	}
	return nil
}

func (s *TaskStore) UpdateStatus(_ context.Context, id string, status models.TaskStatus, errorKind, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = status
	task.ErrorKind = errorKind
	task.ErrorMsg = errorMsg
	if status.IsTerminal() {
		now := s.now()
		task.CompletedAt = &now
	}
	return nil
}

func (s *TaskStore) UpdateProgress(_ context.Context, id string, phase, stepLabel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Phase = phase
	task.StepLabel = stepLabel
	return nil
}

func (s *TaskStore) UpdateCounters(_ context.Context, updated *models.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[updated.ID]
	if !ok {
		return store.ErrNotFound
	}
	task.TotalFiles = updated.TotalFiles
	task.IndexedFiles = updated.IndexedFiles
	task.AnalyzedFiles = updated.AnalyzedFiles
	task.FindingCounts = updated.FindingCounts
	task.TokensUsed = updated.TokensUsed
	task.DroppedEvents = updated.DroppedEvents
	task.OverallScore = updated.OverallScore
	task.SecurityScore = updated.SecurityScore
	return nil
}

func (s *TaskStore) Heartbeat(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	now := s.now()
	task.LastHeartbeatAt = &now
	return nil
}

func (s *TaskStore) CountRunning(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, task := range s.tasks {
		if task.Status == models.TaskStatusRunning {
			count++
		}
	}
	return count, nil
}

func (s *TaskStore) FindOrphans(_ context.Context, threshold time.Duration) ([]*models.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-threshold)
	var orphans []*models.Task
	for _, task := range s.tasks {
		if task.Status != models.TaskStatusRunning {
			continue
		}
		if task.LastHeartbeatAt == nil || task.LastHeartbeatAt.Before(cutoff) {
			copied := *task
			orphans = append(orphans, &copied)
		}
	}
	return orphans, nil
}

func (s *TaskStore) Requeue(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	task.Status = models.TaskStatusPending
	task.PodID = ""
	task.StartedAt = nil
	task.LastHeartbeatAt = nil
	delete(s.leases, id)
	return nil
}

// FindingStore is the in-memory store.FindingStore.
type FindingStore struct {
	mu   sync.Mutex
	rows map[string]map[string]*models.Finding // task ID → fingerprint → finding
}

// NewFindingStore creates an empty in-memory finding store.
func NewFindingStore() *FindingStore {
	return &FindingStore{rows: make(map[string]map[string]*models.Finding)}
}

func (s *FindingStore) UpsertByFingerprint(_ context.Context, f *models.Finding) (*models.Finding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byFP, ok := s.rows[f.TaskID]
	if !ok {
		byFP = make(map[string]*models.Finding)
		s.rows[f.TaskID] = byFP
	}

	if existing, ok := byFP[f.Fingerprint]; ok {
		merged := findings.Merge(existing, f)
		*existing = merged
		copied := merged
		return &copied, true, nil
	}

	copied := *f
	if copied.ID == "" {
		copied.ID = uuid.NewString()
	}
	byFP[f.Fingerprint] = &copied
	result := copied
	return &result, false, nil
}

func (s *FindingStore) ListForTask(_ context.Context, taskID string) ([]models.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byFP := s.rows[taskID]
	out := make([]models.Finding, 0, len(byFP))
	for _, f := range byFP {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// EventStore is the in-memory store.EventStore.
type EventStore struct {
	mu     sync.Mutex
	events map[string][]models.Event
}

// NewEventStore creates an empty in-memory event store.
func NewEventStore() *EventStore {
	return &EventStore{events: make(map[string][]models.Event)}
}

func (s *EventStore) AppendBatch(_ context.Context, taskID string, batch []models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[taskID] = append(s.events[taskID], batch...)
	return nil
}

// EventsForTask returns a copy of the persisted events, in append order.
func (s *EventStore) EventsForTask(taskID string) []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events[taskID]...)
}

// EventsSince returns up to limit persisted events with sequence greater
// than sinceSeq, in sequence order.
func (s *EventStore) EventsSince(_ context.Context, taskID string, sinceSeq int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Event
	for _, ev := range s.events[taskID] {
		if ev.Sequence > sinceSeq {
			out = append(out, ev)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// LatestSequence returns the highest persisted sequence for the task,
// or -1 when no events exist.
func (s *EventStore) LatestSequence(_ context.Context, taskID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := int64(-1)
	for _, ev := range s.events[taskID] {
		if ev.Sequence > latest {
			latest = ev.Sequence
		}
	}
	return latest, nil
}

// CheckpointStore is the in-memory store.CheckpointStore.
type CheckpointStore struct {
	mu          sync.Mutex
	checkpoints map[string][]*models.Checkpoint
}

// NewCheckpointStore creates an empty in-memory checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{checkpoints: make(map[string][]*models.Checkpoint)}
}

func (s *CheckpointStore) Put(_ context.Context, cp *models.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *cp
	copied.Blob = append([]byte(nil), cp.Blob...)
	s.checkpoints[cp.TaskID] = append(s.checkpoints[cp.TaskID], &copied)
	return nil
}

func (s *CheckpointStore) GetLatest(_ context.Context, taskID string) (*models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[taskID]
	if len(cps) == 0 {
		return nil, store.ErrNotFound
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Index > latest.Index {
			latest = cp
		}
	}
	copied := *latest
	copied.Blob = append([]byte(nil), latest.Blob...)
	return &copied, nil
}

func (s *CheckpointStore) Prune(_ context.Context, taskID string, keepN int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[taskID]
	if len(cps) <= keepN {
		return nil
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Index > cps[j].Index })
	s.checkpoints[taskID] = cps[:keepN]
	return nil
}

// KV is the in-memory store.KV with TTL support.
type KV struct {
	mu      sync.Mutex
	entries map[string]kvEntry
	now     func() time.Time
}

type kvEntry struct {
	value   []byte
	expires time.Time
}

// NewKV creates an empty in-memory KV.
func NewKV() *KV {
	return &KV{entries: make(map[string]kvEntry), now: time.Now}
}

func (s *KV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expires.IsZero() && s.now().After(entry.expires) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *KV) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := kvEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expires = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *KV) Close() error { return nil }
