package quote

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

type fakeCatalogReader struct {
	snap  *catalog.CatalogSnapshot
	found bool
}

func (f *fakeCatalogReader) Current(ctx context.Context) (*catalog.CatalogSnapshot, bool, error) {
	return f.snap, f.found, nil
}

type scriptedProvider struct {
	routableMiles map[string]decimal.Decimal
	geocode       map[string][2]float64
	geocodeErr    error
	calls         int
}

func (p *scriptedProvider) DistanceMatrix(ctx context.Context, origin, destination string) (decimal.Decimal, int64, bool, error) {
	p.calls++
	miles, ok := p.routableMiles[destination]
	if !ok {
		return decimal.Zero, 0, false, nil
	}
	return miles, int64(miles.IntPart()) * 60, true, nil
}

func (p *scriptedProvider) Geocode(ctx context.Context, address string) (float64, float64, error) {
	if p.geocodeErr != nil {
		return 0, 0, p.geocodeErr
	}
	coord, ok := p.geocode[address]
	if !ok {
		return 0, 0, errors.New("no geocode fixture for " + address)
	}
	return coord[0], coord[1], nil
}

func omahaSnapshot() *catalog.CatalogSnapshot {
	return &catalog.CatalogSnapshot{
		Products: map[string]catalog.ProductRule{
			"3stall_combo": {
				ID:       "3stall_combo",
				Category: catalog.CategoryComboTrailer,
				RatesByDuration: []catalog.DurationTier{
					{
						MinDays:        1,
						MaxDays:        28,
						EventRate:      decimal.NewFromInt(1200),
						Rate28Day:      decimal.NewFromInt(1000),
						Rate2to5Month:  decimal.NewFromInt(900),
						Rate6PlusMonth: decimal.NewFromInt(800),
					},
					{
						MinDays:        29,
						MaxDays:        365,
						EventRate:      decimal.NewFromInt(1200),
						Rate28Day:      decimal.NewFromInt(1000),
						Rate2to5Month:  decimal.NewFromInt(900),
						Rate6PlusMonth: decimal.NewFromInt(800),
					},
				},
			},
		},
		Extras: map[string]catalog.ExtraRule{},
		Branches: []catalog.Branch{
			{ID: "OMA", Label: "Omaha", Address: "3035 Whitmore Street, Omaha, NE", NormalizedAddress: "3035 whitmore street, omaha, ne"},
		},
		Config: catalog.DeliveryConfig{
			SeasonalMultipliers: []catalog.SeasonalWindow{
				{StartMonthDay: "06-01", EndMonthDay: "08-31", Factor: decimal.NewFromFloat(1.15)},
			},
			DistanceTiers: []catalog.DistanceTier{
				{Name: "tier_0", UpperBoundMiles: decimal.NewFromInt(10), BaseFee: decimal.NewFromInt(150), PerMileRate: decimal.Zero},
				{Name: "tier_3", IsUnbounded: true, BaseFee: decimal.NewFromInt(500), PerMileRate: decimal.NewFromFloat(2.50)},
			},
		},
		Version:     1,
		InstalledAt: time.Now().UTC(),
	}
}

func newTestBuilder(t *testing.T, snap *catalog.CatalogSnapshot, provider distance.Provider) *Builder {
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
	reader := &fakeCatalogReader{snap: snap, found: true}
	return NewBuilder(reader, resolver, recorder, logger, time.Second)
}

func TestBuildS1EventPeakSeasonInArea(t *testing.T) {
	snap := omahaSnapshot()
	provider := &scriptedProvider{routableMiles: map[string]decimal.Decimal{
		"3035 whitmore street, omaha, ne": decimal.Zero,
	}}
	builder := newTestBuilder(t, snap, provider)

	req := Request{
		DeliveryLocation: "3035 Whitmore Street, Omaha, NE",
		TrailerTypeID:    "3stall_combo",
		RentalStartDate:  "2025-07-04",
		RentalDays:       3,
		UsageType:        catalog.UsageEvent,
	}
	res, qerr := builder.Build(context.Background(), req)
	if qerr != nil {
		t.Fatalf("Build: %v", qerr)
	}
	if !res.LineItems[0].Subtotal.Equal(decimal.NewFromFloat(4140.00)) {
		t.Fatalf("trailer line = %s, want 4140.00", res.LineItems[0].Subtotal)
	}
	if !res.Delivery.Subtotal.Equal(decimal.NewFromFloat(150.00)) {
		t.Fatalf("delivery = %s, want 150.00", res.Delivery.Subtotal)
	}
	if !res.Totals.GrandTotal.Equal(decimal.NewFromFloat(4290.00)) {
		t.Fatalf("grand total = %s, want 4290.00", res.Totals.GrandTotal)
	}
	if res.CatalogVersion < 1 {
		t.Fatalf("expected catalog_version >= 1, got %d", res.CatalogVersion)
	}
	if len(res.Notes) != 0 {
		t.Fatalf("expected no notes, got %v", res.Notes)
	}
}

func TestBuildS2LongTermCommercialFallbackDistance(t *testing.T) {
	snap := omahaSnapshot()
	provider := &scriptedProvider{
		routableMiles: map[string]decimal.Decimal{},
		geocode: map[string][2]float64{
			"Aspen, CO":                        {39.1911, -106.8175},
			"3035 whitmore street, omaha, ne":  {41.2565, -95.9345},
		},
	}
	builder := newTestBuilder(t, snap, provider)

	req := Request{
		DeliveryLocation: "Aspen, CO",
		TrailerTypeID:    "3stall_combo",
		RentalStartDate:  "2025-01-15",
		RentalDays:       120,
		UsageType:        catalog.UsageCommercial,
	}
	res, qerr := builder.Build(context.Background(), req)
	if qerr != nil {
		t.Fatalf("Build: %v", qerr)
	}
	found := false
	for _, n := range res.Notes {
		if n == "fallback distance used" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a fallback-distance note, got %v", res.Notes)
	}
	if res.Delivery.Tier != "tier_3" {
		t.Fatalf("expected tier_3, got %s", res.Delivery.Tier)
	}
}

func TestBuildS3Undeliverable(t *testing.T) {
	snap := omahaSnapshot()
	provider := &scriptedProvider{
		routableMiles: map[string]decimal.Decimal{},
		geocodeErr:    errors.New("geocoding failed"),
	}
	builder := newTestBuilder(t, snap, provider)

	req := Request{
		DeliveryLocation: "Nowhere",
		TrailerTypeID:    "3stall_combo",
		RentalStartDate:  "2025-07-04",
		RentalDays:       3,
		UsageType:        catalog.UsageEvent,
	}
	_, qerr := builder.Build(context.Background(), req)
	if qerr == nil {
		t.Fatalf("expected an error")
	}
	if qerr.Kind != KindUndeliverable {
		t.Fatalf("expected undeliverable, got %s", qerr.Kind)
	}
}

func TestBuildS5CacheMissThenHitCallsProviderOnce(t *testing.T) {
	snap := omahaSnapshot()
	provider := &scriptedProvider{routableMiles: map[string]decimal.Decimal{
		"3035 whitmore street, omaha, ne": decimal.NewFromInt(5),
	}}
	builder := newTestBuilder(t, snap, provider)

	req := Request{
		DeliveryLocation: "123 Elsewhere Ave",
		TrailerTypeID:    "3stall_combo",
		RentalStartDate:  "2025-07-04",
		RentalDays:       3,
		UsageType:        catalog.UsageEvent,
	}

	first, qerr := builder.Build(context.Background(), req)
	if qerr != nil {
		t.Fatalf("first Build: %v", qerr)
	}
	second, qerr := builder.Build(context.Background(), req)
	if qerr != nil {
		t.Fatalf("second Build: %v", qerr)
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly 1 provider call across both builds, got %d", provider.calls)
	}
	if !first.Delivery.Miles.Equal(second.Delivery.Miles) {
		t.Fatalf("expected identical miles, got %s vs %s", first.Delivery.Miles, second.Delivery.Miles)
	}
}

func TestValidateRejectsUnknownTrailerType(t *testing.T) {
	snap := omahaSnapshot()
	req := Request{
		DeliveryLocation: "Omaha",
		TrailerTypeID:    "does_not_exist",
		RentalStartDate:  "2025-07-04",
		RentalDays:       3,
		UsageType:        catalog.UsageEvent,
	}
	_, err := validate(req, snap)
	if err == nil || err.Kind != KindInvalidRequest {
		t.Fatalf("expected invalid_request, got %v", err)
	}
}
