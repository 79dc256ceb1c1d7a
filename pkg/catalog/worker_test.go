package catalog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func newTestWorker(t *testing.T, fetcher RangeFetcher) *Worker {
	t.Helper()
	syncer, _ := newTestSyncer(t, fetcher)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewWorker(syncer, logger, time.Hour)
}

func TestWorkerTriggerRunsSync(t *testing.T) {
	w := newTestWorker(t, &fakeFetcher{rows: validRangeRows()})

	if err := w.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	_, found, err := w.syncer.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !found {
		t.Fatalf("expected Trigger to install a snapshot")
	}
}

// TestWorkerConcurrentTriggersCoalesce is the regression test for the
// Trigger/Run handoff: a second Trigger arriving while one is already
// syncing must return ErrAlreadyRunning immediately, not queue behind the
// first and then succeed once the first has already released the lock.
func TestWorkerConcurrentTriggersCoalesce(t *testing.T) {
	gate := make(chan struct{})
	w := newTestWorker(t, &fakeFetcher{rows: validRangeRows(), gate: gate})

	var wg sync.WaitGroup
	started := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		if err := w.Trigger(context.Background()); err != nil {
			t.Errorf("first Trigger: %v", err)
		}
	}()

	<-started
	mustAcquireLockHeld(t, w.syncer)

	if err := w.Trigger(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second Trigger: got %v, want ErrAlreadyRunning", err)
	}

	close(gate)
	wg.Wait()
}

func TestWorkerRunSyncsOnceAtStartupWhenNoSnapshotExists(t *testing.T) {
	w := newTestWorker(t, &fakeFetcher{rows: validRangeRows()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := w.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, found, err := w.syncer.Current(context.Background()); err == nil && found {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, found, err := w.syncer.Current(context.Background())
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if !found {
		t.Fatalf("expected Run to sync once at startup when no snapshot exists")
	}

	cancel()
	<-done
}
