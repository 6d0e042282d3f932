package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/factstore/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
// Implemented by store.SQLiteStore.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	SnapshotPath() (string, error)
}

// SnapshotGenerationWorker generates periodic database snapshots and
// uploads each one when an uploader is configured.
type SnapshotGenerationWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
}

// NewSnapshotGenerationWorker creates a worker with the given store and
// interval. A nil uploader keeps snapshots local.
func NewSnapshotGenerationWorker(store SnapshotStore, uploader snapshot.Uploader, interval time.Duration) *SnapshotGenerationWorker {
	return &SnapshotGenerationWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
	}
}

// Run starts the worker loop. Generates snapshot immediately on start,
// then on each interval. Respects context cancellation for graceful shutdown.
func (w *SnapshotGenerationWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-generation",
		"interval", w.interval.String(),
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	// Generate snapshot immediately on start
	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-generation",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce generates one snapshot and uploads it. Failures are logged; an
// upload failure leaves the local snapshot in place. It reports whether
// the local snapshot was written.
func (w *SnapshotGenerationWorker) RunOnce(ctx context.Context) bool {
	start := time.Now()
	if err := w.store.GenerateSnapshot(ctx); err != nil {
		// Check if it's a context cancellation (graceful shutdown)
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}
	slog.Info("snapshot generated",
		"component", "worker",
		"action", "snapshot_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if w.uploader != nil {
		w.upload(ctx)
	}
	return true
}

func (w *SnapshotGenerationWorker) upload(ctx context.Context) {
	path, err := w.store.SnapshotPath()
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}
	if err := w.uploader.Upload(ctx, path); err != nil {
		slog.Warn("snapshot upload failed",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
	}
}
