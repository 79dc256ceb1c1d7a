// Package latency provides scoped measurements, recorded asynchronously so
// the request path never blocks on instrumentation. Callers wrap operations
// explicitly: the distance resolver's cache reads and maps calls, the quote
// build and the location lookup are measured; other cache operations and
// outbound calls (catalog sync, audit records, Slack) are not. A dedicated worker drains a bounded channel of
// samples and fans each one out to a sorted set (percentiles), sum/count
// counters (running mean), and a capped stream (recent-sample trend).
package latency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/pkg/cache"
)

// Supported service tags, per the component contract.
const (
	ServiceQuote    = "quote"
	ServiceLocation = "location"
	ServiceMaps     = "maps"
	ServiceCRM      = "crm"
	ServiceVoice    = "voice"
	ServiceCache    = "cache"
)

// Status tags recorded regardless of the underlying operation's outcome.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// Sample is a single scoped measurement.
type Sample struct {
	Service   string
	Operation string
	Ms        int64
	Status    string
	TS        time.Time
}

// Recorder accepts samples on a bounded channel and fans them out to the
// cache store from a single background goroutine. The request path only
// ever calls Record, which never blocks.
type Recorder struct {
	store     *cache.Store
	logger    *slog.Logger
	samples   chan Sample
	wg        sync.WaitGroup
	sortedCap int64
}

// NewRecorder creates a Recorder. capacity bounds the in-process channel;
// sortedCap bounds each service's percentile sorted set. Start must be
// called before samples are recorded and drained.
func NewRecorder(store *cache.Store, logger *slog.Logger, capacity, sortedCap int) *Recorder {
	return &Recorder{
		store:     store,
		logger:    logger,
		samples:   make(chan Sample, capacity),
		sortedCap: int64(sortedCap),
	}
}

// Start launches the background worker and returns immediately. The worker
// exits once ctx is cancelled, after draining the samples already buffered.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Close waits for the worker to drain and exit. Call after cancelling the
// context passed to Start.
func (r *Recorder) Close() {
	r.wg.Wait()
}

// Record enqueues a sample. If the channel is saturated, the oldest buffered
// sample is dropped to make room and latency_sample_dropped is incremented —
// dropping is preferable to blocking the request path.
func (r *Recorder) Record(service, operation string, ms int64, status string) {
	s := Sample{Service: service, Operation: operation, Ms: ms, Status: status, TS: time.Now()}
	select {
	case r.samples <- s:
		return
	default:
	}
	select {
	case old := <-r.samples:
		telemetry.LatencySampleDroppedTotal.WithLabelValues(old.Service).Inc()
		r.logger.Warn("latency sample dropped, channel saturated", "service", old.Service, "operation", old.Operation)
	default:
	}
	select {
	case r.samples <- s:
	default:
		telemetry.LatencySampleDroppedTotal.WithLabelValues(service).Inc()
		r.logger.Warn("latency sample dropped, channel saturated", "service", service, "operation", operation)
	}
}

// Measure starts a scoped measurement and returns a function to call on
// completion with the operation's error (nil on success). If ctx was
// cancelled before completion, the sample is still recorded, tagged
// status=cancelled.
func (r *Recorder) Measure(ctx context.Context, service, operation string) func(err error) {
	start := time.Now()
	return func(err error) {
		ms := time.Since(start).Milliseconds()
		status := StatusOK
		switch {
		case ctx.Err() != nil:
			status = StatusCancelled
		case err != nil:
			status = StatusError
		}
		r.Record(service, operation, ms, status)
	}
}

func (r *Recorder) run(ctx context.Context) {
	for {
		select {
		case s := <-r.samples:
			r.apply(s)
		case <-ctx.Done():
			// Drain whatever is already buffered, then stop.
			for {
				select {
				case s := <-r.samples:
					r.apply(s)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) apply(s Sample) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sortedKey := fmt.Sprintf("latency:%s:sorted", s.Service)
	sumKey := fmt.Sprintf("latency:%s:sum", s.Service)
	countKey := fmt.Sprintf("latency:%s:count", s.Service)
	streamKey := fmt.Sprintf("latency:%s:stream", s.Service)

	member := fmt.Sprintf("%d:%s", s.Ms, uuid.NewString())
	if err := r.store.AddSorted(ctx, sortedKey, float64(s.Ms), member); err != nil {
		r.logger.Warn("latency recorder: add_sorted failed", "error", err, "service", s.Service)
	}
	if err := r.store.TrimSorted(ctx, sortedKey, r.sortedCap); err != nil {
		r.logger.Warn("latency recorder: trim_sorted failed", "error", err, "service", s.Service)
	}
	if _, err := r.store.IncrBy(ctx, sumKey, s.Ms); err != nil {
		r.logger.Warn("latency recorder: incr sum failed", "error", err, "service", s.Service)
	}
	if _, err := r.store.Incr(ctx, countKey); err != nil {
		r.logger.Warn("latency recorder: incr count failed", "error", err, "service", s.Service)
	}
	err := r.store.StreamAppend(ctx, streamKey, map[string]any{
		"operation": s.Operation,
		"ms":        s.Ms,
		"status":    s.Status,
		"ts":        s.TS.UnixMilli(),
	}, r.sortedCap)
	if err != nil {
		r.logger.Warn("latency recorder: stream_append failed", "error", err, "service", s.Service)
	}
}
