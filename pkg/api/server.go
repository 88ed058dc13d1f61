// Package api serves the minimal HTTP surface of the engine: task
// submission and inspection, cancellation, the SSE event stream, health
// and Prometheus metrics. Report rendering and auth live in outer
// services; this server exposes only what the engine itself owns.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/queue"
	"github.com/argus-audit/argus/pkg/store"
)

// WorkerPool is the slice of the queue pool the API needs: local
// cancellation and the health snapshot.
type WorkerPool interface {
	CancelTask(taskID string) bool
	Health() *queue.PoolHealth
}

// Options wires the server's collaborators. Stream, Pool, StoreCheck
// and Metrics are optional; their routes degrade gracefully when nil.
type Options struct {
	Tasks    store.TaskStore
	Findings store.FindingStore
	Stream   *events.SSEHandler
	Pool     WorkerPool

	// StoreCheck pings the backing database for /health. Nil means the
	// store has no remote dependency (memory mode).
	StoreCheck func(ctx context.Context) error

	// Metrics is mounted at /metrics when non-nil.
	Metrics http.Handler
}

// Server is the gin HTTP server for the engine API.
type Server struct {
	tasks      store.TaskStore
	findings   store.FindingStore
	stream     *events.SSEHandler
	pool       WorkerPool
	storeCheck func(ctx context.Context) error
	metrics    http.Handler
}

// New creates the server.
func New(opts Options) *Server {
	return &Server{
		tasks:      opts.Tasks,
		findings:   opts.Findings,
		stream:     opts.Stream,
		pool:       opts.Pool,
		storeCheck: opts.StoreCheck,
		metrics:    opts.Metrics,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), securityHeaders())

	r.GET("/health", s.healthHandler)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}

	v1 := r.Group("/api/v1")
	{
		v1.POST("/tasks", s.createTask)
		v1.GET("/tasks/:id", s.getTask)
		v1.POST("/tasks/:id/cancel", s.cancelTask)
		v1.GET("/tasks/:id/findings", s.listFindings)
		if s.stream != nil {
			v1.GET("/tasks/:id/events", s.stream.Stream)
		}
	}
	return r
}
