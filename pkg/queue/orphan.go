package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// orphanState tracks the detector's last scan for health reporting.
type orphanState struct {
	mu       sync.Mutex
	lastScan time.Time
	requeued int
}

// runOrphanDetection periodically re-queues tasks whose heartbeat went
// stale. Orphans are reset to pending rather than failed: the next
// worker to claim them resumes from the latest checkpoint.
func (p *WorkerPool) runOrphanDetection(ctx context.Context) {
	interval := p.config.OrphanDetectionInterval
	if interval <= 0 {
		slog.Info("Orphan detection disabled", "pod_id", p.podID)
		return
	}

	log := slog.With("pod_id", p.podID)
	log.Info("Orphan detection started",
		"interval", interval, "threshold", p.config.OrphanThreshold)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			log.Info("Orphan detection stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.scanForOrphans(ctx)
		}
	}
}

func (p *WorkerPool) scanForOrphans(ctx context.Context) {
	orphans, err := p.tasks.FindOrphans(ctx, p.config.OrphanThreshold)

	p.orphans.mu.Lock()
	p.orphans.lastScan = time.Now()
	p.orphans.mu.Unlock()

	if err != nil {
		slog.Error("Orphan scan failed", "pod_id", p.podID, "error", err)
		return
	}
	if len(orphans) == 0 {
		return
	}

	requeued := 0
	for _, task := range orphans {
		// Skip tasks running on this pod; their heartbeat may simply be
		// behind under load.
		if p.CancelTask(task.ID) {
			slog.Warn("Stale heartbeat for a locally running task, cancelled it",
				"task_id", task.ID)
			continue
		}
		if err := p.tasks.Requeue(ctx, task.ID); err != nil {
			slog.Error("Failed to requeue orphaned task",
				"task_id", task.ID, "error", err)
			continue
		}
		slog.Warn("Requeued orphaned task",
			"task_id", task.ID, "last_pod", task.PodID, "phase", task.Phase)
		requeued++
	}

	if requeued > 0 {
		p.orphans.mu.Lock()
		p.orphans.requeued += requeued
		p.orphans.mu.Unlock()
		if p.onOrphansRequeued != nil {
			p.onOrphansRequeued(requeued)
		}
		slog.Info("Orphan scan complete",
			"pod_id", p.podID, "found", len(orphans), "requeued", requeued)
	}
}
