// Package audit durably records admin actions and catalog sync history to
// Postgres, buffered and flushed from a single background goroutine so the
// request path and the sync worker never block on a database round trip.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	bufferSize    = 256
	flushInterval = 2 * time.Second
	flushBatch    = 32
)

// AdminAction is one recorded call to an admin endpoint.
type AdminAction struct {
	ActorKeyPrefix string
	Action         string
	Outcome        string
	Detail         string
	At             time.Time
}

// SyncRun is one recorded catalog sync attempt.
type SyncRun struct {
	Outcome string
	Step    string
	Cause   string
	Version int64
	At      time.Time
}

type entry struct {
	admin *AdminAction
	sync  *SyncRun
}

// Writer is an async, buffered writer for the admin_actions and sync_runs
// ledgers.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan entry
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin processing entries.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger) *Writer {
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan entry, bufferSize),
	}
}

// Start launches the background flush loop and returns immediately. The loop
// exits once ctx is cancelled (after draining the entries already buffered)
// or once Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close waits for the background loop to drain and exit.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// LogAdminAction enqueues an admin action record. Never blocks; drops and
// logs a warning if the buffer is saturated.
func (w *Writer) LogAdminAction(a AdminAction) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	w.enqueue(entry{admin: &a})
}

// LogSyncRun enqueues a catalog sync run record.
func (w *Writer) LogSyncRun(s SyncRun) {
	if s.At.IsZero() {
		s.At = time.Now().UTC()
	}
	w.enqueue(entry{sync: &s})
}

func (w *Writer) enqueue(e entry) {
	select {
	case w.entries <- e:
	default:
		w.logger.Warn("audit writer buffer full, dropping entry")
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]entry, 0, flushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case e, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (w *Writer) flush(entries []entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		w.logger.Error("audit writer: acquiring connection", "error", err)
		return
	}
	defer conn.Release()

	for _, e := range entries {
		switch {
		case e.admin != nil:
			_, err := conn.Exec(ctx,
				`INSERT INTO admin_actions (actor_key_prefix, action, outcome, detail, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
				e.admin.ActorKeyPrefix, e.admin.Action, e.admin.Outcome, e.admin.Detail, e.admin.At,
			)
			if err != nil {
				w.logger.Error("audit writer: inserting admin action", "error", err, "action", e.admin.Action)
			}
		case e.sync != nil:
			_, err := conn.Exec(ctx,
				`INSERT INTO sync_runs (outcome, step, cause, version, occurred_at) VALUES ($1, $2, $3, $4, $5)`,
				e.sync.Outcome, e.sync.Step, e.sync.Cause, e.sync.Version, e.sync.At,
			)
			if err != nil {
				w.logger.Error("audit writer: inserting sync run", "error", err, "outcome", e.sync.Outcome)
			}
		}
	}
}
