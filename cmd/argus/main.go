// Argus audit engine server: serves the task API and SSE stream,
// runs the queue workers, and orchestrates audit execution.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/argus-audit/argus/pkg/api"
	"github.com/argus-audit/argus/pkg/config"
	"github.com/argus-audit/argus/pkg/engine"
	"github.com/argus-audit/argus/pkg/events"
	"github.com/argus-audit/argus/pkg/llm"
	"github.com/argus-audit/argus/pkg/metrics"
	"github.com/argus-audit/argus/pkg/queue"
	"github.com/argus-audit/argus/pkg/store"
	"github.com/argus-audit/argus/pkg/store/badgerkv"
	"github.com/argus-audit/argus/pkg/store/blob"
	"github.com/argus-audit/argus/pkg/store/memory"
	"github.com/argus-audit/argus/pkg/store/postgres"
	"github.com/argus-audit/argus/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica
// coordination. Priority: POD_ID env > HOSTNAME env > "local".
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

// engineStores are the persistence ports selected at startup.
type engineStores struct {
	tasks       store.TaskStore
	findings    store.FindingStore
	events      store.EventStore
	checkpoints store.CheckpointStore
	lister      events.EventLister
	check       func(ctx context.Context) error
	close       func()
}

// buildStores picks PostgreSQL when DATABASE_URL is set, otherwise the
// in-memory single-node stores.
func buildStores(ctx context.Context, cfg *config.Config) (*engineStores, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory stores (single replica, no durability)")
		evs := memory.NewEventStore()
		return &engineStores{
			tasks:       memory.NewTaskStore(),
			findings:    memory.NewFindingStore(),
			events:      evs,
			checkpoints: memory.NewCheckpointStore(),
			lister:      evs,
			close:       func() {},
		}, nil
	}

	pg, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &engineStores{
		tasks:       pg.Tasks,
		findings:    pg.Findings,
		events:      pg.Events,
		checkpoints: pg.Checkpoints,
		lister:      pg.Events,
		check: func(ctx context.Context) error {
			_, err := pg.CheckHealth(ctx)
			return err
		},
		close: pg.Close,
	}, nil
}

// buildCache opens the badger-backed completion cache when CACHE_DIR is
// set, otherwise an in-memory KV.
func buildCache(cfg *config.Config) (store.KV, error) {
	dir := os.Getenv("CACHE_DIR")
	if dir == "" {
		return memory.NewKV(), nil
	}
	kv, err := badgerkv.Open(dir)
	if err != nil {
		return nil, err
	}
	slog.Info("LLM completion cache opened", "dir", dir, "ttl", cfg.LLM.CacheTTL)
	return kv, nil
}

func main() {
	configPath := flag.String("config",
		getEnv("CONFIG_FILE", ""),
		"Path to the YAML configuration file (empty for defaults)")
	flag.Parse()

	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env")
	}

	podID := resolvePodID()
	slog.Info("Starting argus",
		"version", version.Full(), "pod_id", podID, "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	stores, err := buildStores(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize stores", "error", err)
		os.Exit(1)
	}
	defer stores.close()

	blobs, err := blob.NewLocalStore(getEnv("BLOB_DIR", "./data/blobs"))
	if err != nil {
		slog.Error("Failed to initialize blob store", "error", err)
		os.Exit(1)
	}

	kv, err := buildCache(cfg)
	if err != nil {
		slog.Error("Failed to open completion cache", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := kv.Close(); err != nil {
			slog.Error("Error closing completion cache", "error", err)
		}
	}()

	providers, err := llm.BuildProviders(cfg.LLM)
	if err != nil {
		slog.Error("Failed to build LLM providers", "error", err)
		os.Exit(1)
	}
	pool := llm.NewPool(cfg.LLM, providers, llm.NewCache(kv, cfg.LLM.CacheTTL))
	slog.Info("LLM providers initialized", "count", len(providers))

	bus := events.NewBus(cfg.Event, stores.events, store.SystemClock{})
	m := metrics.New()

	eng := engine.New(engine.Options{
		Config:      cfg,
		Pool:        pool,
		Bus:         bus,
		Tasks:       stores.tasks,
		Findings:    stores.findings,
		Events:      stores.events,
		Checkpoints: stores.checkpoints,
		Blobs:       blobs,
		Metrics:     m,
	})

	workerPool := queue.NewWorkerPool(podID, stores.tasks, cfg.Queue, eng)
	workerPool.OnOrphansRequeued(m.OrphansRequeued)
	if err := workerPool.Start(ctx); err != nil {
		slog.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	server := api.New(api.Options{
		Tasks:      stores.tasks,
		Findings:   stores.findings,
		Stream:     events.NewSSEHandler(bus, stores.lister),
		Pool:       workerPool,
		StoreCheck: stores.check,
		Metrics:    m.Handler(),
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Argus started", "pod_id", podID, "workers", cfg.Queue.WorkerCount)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Wait for active tasks up to the drain budget; anything still
	// running after that is orphan-recovered by another replica.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Worker pool stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Shutdown timeout exceeded, incomplete tasks will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
