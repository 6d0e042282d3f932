package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/factstore/internal/engine"
	"golang.org/x/time/rate"
)

// MarkedDisposer purges identifiers flagged as outdated or deleted.
// Implemented by engine.Engine.
type MarkedDisposer interface {
	DisposeMarked(ctx context.Context, afterID int64, limit int) (engine.DisposalPass, error)
}

// DisposalCycle summarizes one sweep over the marked identifiers.
type DisposalCycle struct {
	Batches  int `json:"batches"`
	Scanned  int `json:"scanned"`
	Disposed int `json:"disposed"`
}

// DisposalCoordinator periodically sweeps marked identifiers in batches.
// Batches are throttled to the configured number of identifiers per second.
type DisposalCoordinator struct {
	disposer  MarkedDisposer
	interval  time.Duration
	batchSize int
	limiter   *rate.Limiter
}

// NewDisposalCoordinator creates a coordinator. A perSecond of zero
// disables throttling.
func NewDisposalCoordinator(disposer MarkedDisposer, interval time.Duration, batchSize int, perSecond float64) *DisposalCoordinator {
	if batchSize <= 0 {
		batchSize = 1
	}
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &DisposalCoordinator{
		disposer:  disposer,
		interval:  interval,
		batchSize: batchSize,
		limiter:   rate.NewLimiter(limit, batchSize),
	}
}

// Run starts the disposal loop. It blocks until ctx is cancelled.
//
// The first sweep waits for one interval so startup does not compete with
// the initial imports.
func (c *DisposalCoordinator) Run(ctx context.Context) {
	slog.Info("disposal coordinator started",
		"component", "worker",
		"worker", "disposal-coordinator",
		"interval", c.interval.String(),
		"batch_size", c.batchSize,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("disposal coordinator stopped",
				"component", "worker",
				"worker", "disposal-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce sweeps every marked identifier once, batch by batch. A failed
// batch ends the sweep; the next one starts over from the lowest id.
func (c *DisposalCoordinator) RunOnce(ctx context.Context) DisposalCycle {
	start := time.Now()
	var cycle DisposalCycle
	var afterID int64

	for {
		if err := c.limiter.WaitN(ctx, c.batchSize); err != nil {
			return cycle // Graceful shutdown
		}
		pass, err := c.disposer.DisposeMarked(ctx, afterID, c.batchSize)
		if err != nil {
			if ctx.Err() != nil {
				return cycle
			}
			slog.Error("disposal batch failed",
				"component", "worker",
				"worker", "disposal-coordinator",
				"after_id", afterID,
				"error", err,
			)
			break
		}
		cycle.Batches++
		cycle.Scanned += pass.Scanned
		cycle.Disposed += pass.Disposed
		if pass.Scanned < c.batchSize || pass.LastID <= afterID {
			break
		}
		afterID = pass.LastID
	}

	if cycle.Scanned > 0 {
		slog.Info("disposal cycle completed",
			"component", "worker",
			"worker", "disposal-coordinator",
			"batches", cycle.Batches,
			"scanned", cycle.Scanned,
			"disposed", cycle.Disposed,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return cycle
}
