package catalog

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/throneworks/quoteflow/internal/config"
)

// DefaultSyncInterval is the periodic trigger interval when none is configured.
const DefaultSyncInterval = 15 * time.Minute

// Worker runs the Syncer on a periodic ticker, at startup if no snapshot
// exists, and on demand via Trigger (the admin endpoint's entry point).
// Concurrent triggers coalesce: Trigger calls straight through to the
// Syncer, so the Syncer's distributed lock (pkg/catalog/lock.go) is the only
// arbiter of "already running" — a collision returns ErrAlreadyRunning
// immediately, to the caller that lost the race, rather than queuing behind
// whichever sync is in flight.
type Worker struct {
	syncer   *Syncer
	logger   *slog.Logger
	interval time.Duration
	live     *config.Live
}

// NewWorker creates a Worker. interval<=0 uses DefaultSyncInterval.
func NewWorker(syncer *Syncer, logger *slog.Logger, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = DefaultSyncInterval
	}
	return &Worker{
		syncer:   syncer,
		logger:   logger,
		interval: interval,
	}
}

// WithLive attaches the hot-reloadable config accessor: once set, the
// periodic loop re-checks CATALOG_SYNC_INTERVAL_S against the live snapshot
// on every tick and resets its ticker when an admin reload has changed it.
func (w *Worker) WithLive(live *config.Live) *Worker {
	w.live = live
	return w
}

func (w *Worker) currentInterval() time.Duration {
	if w.live == nil {
		return w.interval
	}
	return w.live.Get().CatalogSyncInterval()
}

// Trigger requests an immediate sync and blocks until it completes. It never
// queues behind the periodic loop or another Trigger call: every caller races
// for the same distributed lock, and whichever loses gets ErrAlreadyRunning
// back right away.
func (w *Worker) Trigger(ctx context.Context) error {
	_, err := w.syncer.Sync(ctx)
	return err
}

// Run starts the periodic loop. It blocks until ctx is cancelled. If no
// snapshot currently exists, it syncs once immediately before entering the
// ticker loop.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("catalog sync worker started", "interval", w.interval)

	if _, found, err := w.syncer.Current(ctx); err != nil {
		w.logger.Error("catalog sync worker: reading current snapshot at startup", "error", err)
	} else if !found {
		w.runOnce(ctx)
	}

	interval := w.interval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("catalog sync worker stopped")
			return nil
		case <-ticker.C:
			if next := w.currentInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
				w.logger.Info("catalog sync worker interval changed", "interval", interval)
			}
			w.runOnce(ctx)
		}
	}
}

func (w *Worker) runOnce(ctx context.Context) {
	if _, err := w.syncer.Sync(ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			w.logger.Debug("catalog sync skipped, already running")
			return
		}
		w.logger.Error("catalog sync", "error", err)
	}
}
