package location

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/throneworks/quoteflow/pkg/cache"
	"github.com/throneworks/quoteflow/pkg/catalog"
	"github.com/throneworks/quoteflow/pkg/distance"
	"github.com/throneworks/quoteflow/pkg/latency"
)

type fakeReader struct {
	snap  *catalog.CatalogSnapshot
	found bool
	err   error
}

func (f *fakeReader) Current(ctx context.Context) (*catalog.CatalogSnapshot, bool, error) {
	return f.snap, f.found, f.err
}

type fakeDistanceProvider struct {
	byDestination map[string]decimal.Decimal
	geocodeFails  bool
}

func (f *fakeDistanceProvider) DistanceMatrix(ctx context.Context, origin, destination string) (decimal.Decimal, int64, bool, error) {
	miles, ok := f.byDestination[destination]
	if !ok {
		return decimal.Zero, 0, false, nil
	}
	return miles, 0, true, nil
}

func (f *fakeDistanceProvider) Geocode(ctx context.Context, address string) (float64, float64, error) {
	if f.geocodeFails {
		return 0, 0, errGeocodeFailed
	}
	return 41, -96, nil
}

var errGeocodeFailed = errors.New("geocode unavailable")

func newTestLookup(t *testing.T, snap *catalog.CatalogSnapshot, provider distance.Provider) *Lookup {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewStore(rdb)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := latency.NewRecorder(store, logger, 100, 100)
	ctx, cancel := context.WithCancel(context.Background())
	recorder.Start(ctx)
	// Cleanups run last-registered first: cancel must run before Close.
	t.Cleanup(recorder.Close)
	t.Cleanup(cancel)

	resolver := distance.NewResolver(store, provider, recorder, logger, time.Hour, time.Hour)
	reader := &fakeReader{snap: snap, found: true}
	return NewLookup(store, reader, resolver, recorder, logger, 5*time.Second, time.Hour)
}

func isTerminal(s Status) bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusFallbackUsed, StatusGeocodingFailed, StatusDistanceCalcFailed:
		return true
	default:
		return false
	}
}

func waitForTerminal(t *testing.T, l *Lookup, id string) Audit {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		audit, found, err := l.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if found && isTerminal(audit.Status) {
			return audit
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("audit %s never reached a terminal status", id)
	return Audit{}
}

func TestScheduleResolvesNearestBranch(t *testing.T) {
	snap := &catalog.CatalogSnapshot{
		Branches: []catalog.Branch{
			{ID: "OMA", NormalizedAddress: "omaha"},
			{ID: "LNK", NormalizedAddress: "lincoln"},
		},
	}
	provider := &fakeDistanceProvider{byDestination: map[string]decimal.Decimal{
		"omaha":   decimal.NewFromInt(40),
		"lincoln": decimal.NewFromInt(10),
	}}
	lookup := newTestLookup(t, snap, provider)

	id, err := lookup.Schedule(context.Background(), "123 Main St")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	audit := waitForTerminal(t, lookup, id)
	if audit.Status != StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", audit.Status, audit.ErrorMessage)
	}
	if audit.NearestBranchID != "LNK" {
		t.Fatalf("expected LNK nearest, got %s", audit.NearestBranchID)
	}
	if audit.BranchesAttempted != 2 {
		t.Fatalf("expected 2 branches attempted, got %d", audit.BranchesAttempted)
	}
	if audit.APICallsMade != 2 {
		t.Fatalf("expected 2 api calls made, got %d", audit.APICallsMade)
	}
	if audit.QueryRaw != "123 Main St" {
		t.Fatalf("expected query_raw to echo the request, got %q", audit.QueryRaw)
	}
	if audit.QueryNormalized != "123 main st" {
		t.Fatalf("expected query_normalized to be lowercased, got %q", audit.QueryNormalized)
	}
	if audit.CompletedAt.IsZero() {
		t.Fatalf("expected completed_at to be stamped on a terminal audit")
	}
}

func TestScheduleFailsGeocodingWhenAllBranchesFail(t *testing.T) {
	snap := &catalog.CatalogSnapshot{
		Branches: []catalog.Branch{{ID: "OMA", NormalizedAddress: "omaha"}},
	}
	provider := &fakeDistanceProvider{byDestination: map[string]decimal.Decimal{}, geocodeFails: true}
	lookup := newTestLookup(t, snap, provider)

	id, err := lookup.Schedule(context.Background(), "nowhere")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	audit := waitForTerminal(t, lookup, id)
	if audit.Status != StatusGeocodingFailed {
		t.Fatalf("expected geocoding_failed, got %s", audit.Status)
	}
	if audit.BranchesFailed != 1 {
		t.Fatalf("expected 1 branch failed, got %d", audit.BranchesFailed)
	}
}

func TestScheduleUsesFallbackDistance(t *testing.T) {
	snap := &catalog.CatalogSnapshot{
		Branches: []catalog.Branch{{ID: "OMA", NormalizedAddress: "omaha"}},
	}
	// No DistanceMatrix entry for "omaha" means not-routable; Geocode
	// succeeds, so the resolver falls back to a great-circle estimate.
	provider := &fakeDistanceProvider{byDestination: map[string]decimal.Decimal{}}
	lookup := newTestLookup(t, snap, provider)

	id, err := lookup.Schedule(context.Background(), "123 Main St")
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}

	audit := waitForTerminal(t, lookup, id)
	if audit.Status != StatusFallbackUsed {
		t.Fatalf("expected fallback_used, got %s (%s)", audit.Status, audit.ErrorMessage)
	}
	if audit.NearestBranchID != "OMA" {
		t.Fatalf("expected OMA nearest, got %s", audit.NearestBranchID)
	}
}
