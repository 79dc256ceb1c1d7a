package latency

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/throneworks/quoteflow/pkg/cache"
)

func newTestRecorder(t *testing.T) (*Recorder, *Reader, context.CancelFunc) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := cache.NewStore(rdb)
	logger := slog.New(slog.DiscardHandler)

	rec := NewRecorder(store, logger, 64, 200)
	ctx, cancel := context.WithCancel(context.Background())
	rec.Start(ctx)

	reader := NewReader(store, 1)
	return rec, reader, cancel
}

func TestRecordThenReadPercentiles(t *testing.T) {
	rec, reader, cancel := newTestRecorder(t)

	for _, ms := range []int64{10, 20, 30, 40, 50} {
		rec.Record(ServiceQuote, "build", ms, StatusOK)
	}

	cancel()
	rec.Close()

	ctx := context.Background()
	p50, err := reader.Percentiles(ctx, ServiceQuote, 50)
	if err != nil {
		t.Fatalf("Percentiles: %v", err)
	}
	if p50.SampleCount != 5 {
		t.Fatalf("sample count = %d, want 5", p50.SampleCount)
	}
	if p50.ValueMs != 30 {
		t.Fatalf("p50 = %d, want 30", p50.ValueMs)
	}

	avg, err := reader.Average(ctx, ServiceQuote)
	if err != nil {
		t.Fatalf("Average: %v", err)
	}
	if avg.AverageMs != 30 {
		t.Fatalf("average = %v, want 30", avg.AverageMs)
	}
}

func TestPercentilesRejectsUnsupported(t *testing.T) {
	_, reader, cancel := newTestRecorder(t)
	defer cancel()

	_, err := reader.Percentiles(context.Background(), ServiceQuote, 77)
	if !errors.Is(err, ErrUnsupportedPercentile) {
		t.Fatalf("expected ErrUnsupportedPercentile, got %v", err)
	}
}

func TestMeasureTagsCancelledStatus(t *testing.T) {
	rec, reader, cancel := newTestRecorder(t)

	ctx, cancelOp := context.WithCancel(context.Background())
	done := rec.Measure(ctx, ServiceCache, "get_json")
	cancelOp()
	done(nil)

	time.Sleep(50 * time.Millisecond)
	cancel()
	rec.Close()

	recent, err := reader.Recent(context.Background(), ServiceCache, 5)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Status != StatusCancelled {
		t.Fatalf("recent = %+v, want one cancelled sample", recent)
	}
}
