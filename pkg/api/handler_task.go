package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/argus-audit/argus/pkg/models"
	"github.com/argus-audit/argus/pkg/store"
)

// CreateTaskRequest is the body of POST /api/v1/tasks. RepoPath must
// point at an already cloned/unpacked project root on local disk.
type CreateTaskRequest struct {
	ProjectID       string         `json:"project_id"`
	RepoPath        string         `json:"repo_path" binding:"required"`
	ConfigOverrides map[string]any `json:"config_overrides"`
}

// createTask handles POST /api/v1/tasks. The task lands in the queue
// as pending; a worker on any replica picks it up.
func (s *Server) createTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task := &models.Task{
		ID:              uuid.NewString(),
		ProjectID:       req.ProjectID,
		RepoPath:        req.RepoPath,
		ConfigOverrides: req.ConfigOverrides,
		Status:          models.TaskStatusPending,
		CreatedAt:       time.Now(),
	}
	if err := s.tasks.Create(c.Request.Context(), task); err != nil {
		slog.Error("Failed to create task", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create task"})
		return
	}

	slog.Info("Task submitted", "task_id", task.ID, "project_id", task.ProjectID)
	c.JSON(http.StatusCreated, task)
}

// getTask handles GET /api/v1/tasks/:id.
func (s *Server) getTask(c *gin.Context) {
	task, err := s.tasks.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// cancelTask handles POST /api/v1/tasks/:id/cancel. Pending tasks are
// cancelled in place; running tasks are cancelled through the local
// worker pool. A task running on another replica is reported as a
// conflict, its own pool handles cancellation there.
func (s *Server) cancelTask(c *gin.Context) {
	id := c.Param("id")
	task, err := s.tasks.Load(c.Request.Context(), id)
	if err != nil {
		abortStoreError(c, err)
		return
	}

	switch {
	case task.Status.IsTerminal():
		c.JSON(http.StatusConflict, gin.H{"error": "task is already terminal"})
		return

	case task.Status == models.TaskStatusPending:
		err := s.tasks.UpdateStatus(c.Request.Context(), id,
			models.TaskStatusCancelled, "Cancelled", "cancelled before pickup")
		if err != nil {
			abortStoreError(c, err)
			return
		}

	default:
		if s.pool == nil || !s.pool.CancelTask(id) {
			c.JSON(http.StatusConflict, gin.H{"error": "task is not running on this replica"})
			return
		}
	}

	slog.Info("Task cancellation requested", "task_id", id, "status", task.Status)
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// listFindings handles GET /api/v1/tasks/:id/findings.
func (s *Server) listFindings(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.tasks.Load(c.Request.Context(), id); err != nil {
		abortStoreError(c, err)
		return
	}
	list, err := s.findings.ListForTask(c.Request.Context(), id)
	if err != nil {
		abortStoreError(c, err)
		return
	}
	if list == nil {
		list = []models.Finding{}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": id, "findings": list})
}

// abortStoreError maps store errors to HTTP responses.
func abortStoreError(c *gin.Context, err error) {
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	slog.Error("Store error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
