package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/queue"
	"github.com/argus-audit/argus/pkg/store/memory"
)

type fakePool struct {
	cancelled []string
	cancelOK  bool
	health    *queue.PoolHealth
}

func (f *fakePool) CancelTask(taskID string) bool {
	f.cancelled = append(f.cancelled, taskID)
	return f.cancelOK
}

func (f *fakePool) Health() *queue.PoolHealth { return f.health }

type apiHarness struct {
	tasks    *memory.TaskStore
	findings *memory.FindingStore
	pool     *fakePool
	router   *gin.Engine
}

func newAPIHarness(t *testing.T, opts ...func(*Options)) *apiHarness {
	t.Helper()
	h := &apiHarness{
		tasks:    memory.NewTaskStore(),
		findings: memory.NewFindingStore(),
		pool:     &fakePool{cancelOK: true, health: &queue.PoolHealth{IsHealthy: true, TotalWorkers: 2}},
	}
	o := Options{Tasks: h.tasks, Findings: h.findings, Pool: h.pool}
	for _, fn := range opts {
		fn(&o)
	}
	h.router = New(o).Router()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func (h *apiHarness) seedTask(t *testing.T, id string, status models.TaskStatus) *models.Task {
	t.Helper()
	task := &models.Task{
		ID:        id,
		RepoPath:  "/repos/" + id,
		Status:    status,
		CreatedAt: time.Now(),
	}
	require.NoError(t, h.tasks.Create(context.Background(), task))
	if status != models.TaskStatusPending {
		require.NoError(t, h.tasks.UpdateStatus(context.Background(), id, status, "", ""))
	}
	return task
}

func TestCreateTask(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/tasks", gin.H{
		"project_id": "proj-1",
		"repo_path":  "/repos/demo",
		"config_overrides": gin.H{
			"agent.orchestrator.max_iterations": "2",
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.TaskStatusPending, created.Status)

	loaded, err := h.tasks.Load(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "/repos/demo", loaded.RepoPath)
	assert.Equal(t, "2", loaded.ConfigOverrides["agent.orchestrator.max_iterations"])
}

func TestCreateTask_RepoPathRequired(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodPost, "/api/v1/tasks", gin.H{"project_id": "proj-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetTask(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", models.TaskStatusPending)

	w := h.do(t, http.MethodGet, "/api/v1/tasks/task-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var task models.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "task-1", task.ID)

	w = h.do(t, http.MethodGet, "/api/v1/tasks/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelTask_PendingIsCancelledInPlace(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", models.TaskStatusPending)

	w := h.do(t, http.MethodPost, "/api/v1/tasks/task-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	loaded, err := h.tasks.Load(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, loaded.Status)
	assert.Empty(t, h.pool.cancelled, "pending cancel must not touch the pool")
}

func TestCancelTask_RunningGoesThroughPool(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", models.TaskStatusRunning)

	w := h.do(t, http.MethodPost, "/api/v1/tasks/task-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, []string{"task-1"}, h.pool.cancelled)
}

func TestCancelTask_Conflicts(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-done", models.TaskStatusSucceeded)
	h.seedTask(t, "task-elsewhere", models.TaskStatusRunning)
	h.pool.cancelOK = false

	w := h.do(t, http.MethodPost, "/api/v1/tasks/task-done/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/tasks/task-elsewhere/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListFindings(t *testing.T) {
	h := newAPIHarness(t)
	h.seedTask(t, "task-1", models.TaskStatusSucceeded)

	_, _, err := h.findings.UpsertByFingerprint(context.Background(), &models.Finding{
		TaskID:       "task-1",
		VulnType:     "xss",
		Severity:     models.SeverityMedium,
		Title:        "Reflected XSS in search",
		Verification: models.VerificationConfirmed,
		Fingerprint:  "fp-1",
	})
	require.NoError(t, err)

	w := h.do(t, http.MethodGet, "/api/v1/tasks/task-1/findings", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		TaskID   string           `json:"task_id"`
		Findings []models.Finding `json:"findings"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Findings, 1)
	assert.Equal(t, "xss", resp.Findings[0].VulnType)

	// Task with no findings returns an empty array, not null.
	h.seedTask(t, "task-2", models.TaskStatusSucceeded)
	w = h.do(t, http.MethodGet, "/api/v1/tasks/task-2/findings", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"findings":[]`)

	w = h.do(t, http.MethodGet, "/api/v1/tasks/missing/findings", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)

	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusHealthy, resp.Status)
	assert.NotEmpty(t, resp.Version)
	assert.Equal(t, healthStatusHealthy, resp.Checks["worker_pool"].Status)

	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
}

func TestHealth_UnreachableStoreIsUnhealthy(t *testing.T) {
	h := newAPIHarness(t, func(o *Options) {
		o.StoreCheck = func(ctx context.Context) error {
			return errors.New("connection refused")
		}
	})

	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusUnhealthy, resp.Status)
	assert.Contains(t, resp.Checks["store"].Message, "connection refused")
}

func TestHealth_DegradedPool(t *testing.T) {
	h := newAPIHarness(t)
	h.pool.health = &queue.PoolHealth{IsHealthy: false, StoreError: "store ping failed"}

	w := h.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code, "degraded still answers 200")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, healthStatusDegraded, resp.Status)
	assert.Equal(t, "store ping failed", resp.Checks["worker_pool"].Message)
}
