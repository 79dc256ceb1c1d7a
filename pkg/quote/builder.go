package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/throneworks/quoteflow/internal/config"
	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/pkg/catalog"
	"github.com/throneworks/quoteflow/pkg/distance"
	"github.com/throneworks/quoteflow/pkg/latency"
)

// DefaultMapsTimeout bounds a single per-branch distance resolution.
const DefaultMapsTimeout = 1500 * time.Millisecond

// CatalogReader is the subset of *catalog.Syncer the builder needs.
type CatalogReader interface {
	Current(ctx context.Context) (*catalog.CatalogSnapshot, bool, error)
}

// Builder implements the C6 pricing algorithm.
type Builder struct {
	catalog     CatalogReader
	resolver    *distance.Resolver
	recorder    *latency.Recorder
	logger      *slog.Logger
	mapsTimeout time.Duration
	live        *config.Live
}

// NewBuilder builds a Builder. mapsTimeout<=0 uses DefaultMapsTimeout.
func NewBuilder(reader CatalogReader, resolver *distance.Resolver, recorder *latency.Recorder, logger *slog.Logger, mapsTimeout time.Duration) *Builder {
	if mapsTimeout <= 0 {
		mapsTimeout = DefaultMapsTimeout
	}
	return &Builder{catalog: reader, resolver: resolver, recorder: recorder, logger: logger, mapsTimeout: mapsTimeout}
}

// WithLive attaches the hot-reloadable config accessor: once set, each
// per-branch distance resolution is bounded by the latest reloaded
// T_maps_ms instead of the value fixed at construction time.
func (b *Builder) WithLive(live *config.Live) *Builder {
	b.live = live
	return b
}

func (b *Builder) currentMapsTimeout() time.Duration {
	if b.live == nil {
		return b.mapsTimeout
	}
	return b.live.Get().TMaps()
}

// Build runs the full validate → snapshot → distance → seasonal → duration
// tier → line items → totals → result pipeline. Any panic in a sub-step is
// converted to a KindInternal error rather than propagating.
func (b *Builder) Build(ctx context.Context, req Request) (result *Result, quoteErr *Error) {
	start := time.Now()
	done := b.recorder.Measure(ctx, latency.ServiceQuote, "build")

	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("quote builder panic", "panic", r)
			quoteErr = &Error{Kind: KindInternal, Message: "internal error"}
			result = nil
		}
		done(quoteErr)
		if quoteErr != nil {
			telemetry.QuotesTotal.WithLabelValues(string(quoteErr.Kind)).Inc()
		} else {
			telemetry.QuotesTotal.WithLabelValues("ok").Inc()
		}
	}()

	// Phase 2 — snapshot read. One atomic pointer read covers both the
	// catalog-resolution needs of Phase 1 and every later phase.
	snap, found, err := b.catalog.Current(ctx)
	if err != nil || !found {
		return nil, &Error{Kind: KindCatalogUnavailable, Message: "catalog not yet installed", RetryAfter: 5 * time.Second, Cause: err}
	}

	// Phase 1 — validate.
	startDate, verr := validate(req, snap)
	if verr != nil {
		return nil, verr
	}

	var notes []string

	// Phase 3 — distance.
	_, record, distNotes, derr := b.resolveDistance(ctx, req.DeliveryLocation, snap.Branches)
	if derr != nil {
		return nil, derr
	}
	notes = append(notes, distNotes...)

	// Phase 4 — seasonal factor.
	factor, windowLabel := seasonalFactor(snap.Config.SeasonalMultipliers, startDate)

	// Phase 5 — duration tier selection.
	product := snap.Products[req.TrailerTypeID]
	tier, ok := product.DurationTierFor(req.RentalDays)
	if !ok {
		return nil, invalidRequest("rental_days", "no duration tier covers this rental length")
	}
	rate := tier.RateForUsage(req.RentalDays, req.UsageType)

	// Phase 6 — line items.
	lineItems := []LineItem{
		trailerLineItem(req, rate, factor, tier),
	}
	for _, e := range req.Extras {
		rule := snap.Extras[e.ID]
		lineItems = append(lineItems, extraLineItem(e, rule, factor))
	}

	distanceTier, ok := snap.Config.TierForMiles(record.Miles)
	if !ok {
		return nil, &Error{Kind: KindInternal, Message: "no distance tier covers resolved miles"}
	}
	deliverySubtotal := distanceTier.BaseFee.Add(record.Miles.Mul(distanceTier.PerMileRate)).Round(2)
	delivery := DeliveryResult{
		Miles:    record.Miles,
		Tier:     distanceTier.Name,
		PerMile:  distanceTier.PerMileRate,
		Base:     distanceTier.BaseFee,
		Subtotal: deliverySubtotal,
	}

	// Phase 7 — totals.
	subtotal := decimal.Zero
	for _, li := range lineItems {
		subtotal = subtotal.Add(li.Subtotal)
	}
	grandTotal := subtotal.Add(delivery.Subtotal).Round(2)

	// Phase 8 — result.
	res := &Result{
		RequestEcho:    req,
		LineItems:      lineItems,
		Delivery:       delivery,
		Seasonal:       SeasonalResult{Multiplier: factor, WindowLabel: windowLabel},
		Totals:         Totals{Subtotal: subtotal, GrandTotal: grandTotal},
		CatalogVersion: snap.Version,
		ComputedAt:     time.Now().UTC(),
		LatencyMs:      time.Since(start).Milliseconds(),
		Notes:          notes,
	}
	return res, nil
}

func trailerLineItem(req Request, rate, factor decimal.Decimal, tier catalog.DurationTier) LineItem {
	product := rate.Mul(decimal.NewFromInt(int64(req.RentalDays))).Round(6)
	subtotal := product.Mul(factor).Round(6).Round(2)
	return LineItem{
		Label:       req.TrailerTypeID,
		UnitPrice:   rate,
		Qty:         req.RentalDays,
		Subtotal:    subtotal,
		RuleApplied: fmt.Sprintf("duration_tier[%d-%d]", tier.MinDays, tier.MaxDays),
	}
}

func extraLineItem(req ExtraRequest, rule catalog.ExtraRule, factor decimal.Decimal) LineItem {
	effectiveFactor := factor
	if rule.SeasonalExempt {
		effectiveFactor = decimal.NewFromInt(1)
	}
	product := rule.UnitPrice.Mul(decimal.NewFromInt(int64(req.Qty))).Round(6)
	subtotal := product.Mul(effectiveFactor).Round(6).Round(2)
	return LineItem{
		Label:       req.ID,
		UnitPrice:   rule.UnitPrice,
		Qty:         req.Qty,
		Subtotal:    subtotal,
		RuleApplied: "extra",
	}
}

// seasonalFactor locates the window containing the given date, matched on
// MM-DD, handling windows that wrap across the new year. Defaults to 1.0.
func seasonalFactor(windows []catalog.SeasonalWindow, date time.Time) (decimal.Decimal, string) {
	md := monthDay(date)
	for _, w := range windows {
		if monthDayInWindow(md, w.StartMonthDay, w.EndMonthDay) {
			return w.Factor, w.StartMonthDay + ".." + w.EndMonthDay
		}
	}
	return decimal.NewFromInt(1), ""
}

func monthDay(t time.Time) string {
	return fmt.Sprintf("%02d-%02d", t.Month(), t.Day())
}

func monthDayInWindow(md, start, end string) bool {
	if start <= end {
		return md >= start && md <= end
	}
	// Window wraps across Dec 31 / Jan 1.
	return md >= start || md <= end
}

// resolveDistance picks the nearest branch. If any branch already has a
// cached DistanceRecord, the minimum among cached hits is used with zero
// outbound calls; otherwise every branch is resolved in parallel, bounded by
// T_maps each.
func (b *Builder) resolveDistance(ctx context.Context, deliveryLocation string, branches []catalog.Branch) (catalog.Branch, distance.Record, []string, *Error) {
	type hit struct {
		branch catalog.Branch
		record distance.Record
	}

	var cachedHits []hit
	for _, br := range branches {
		if rec, found, err := b.resolver.Peek(ctx, deliveryLocation, br.NormalizedAddress); err == nil && found {
			cachedHits = append(cachedHits, hit{branch: br, record: rec})
		}
	}
	if len(cachedHits) > 0 {
		best := cachedHits[0]
		for _, h := range cachedHits[1:] {
			if h.record.Miles.LessThan(best.record.Miles) {
				best = h
			}
		}
		return best.branch, best.record, nil, nil
	}

	type outcome struct {
		branch catalog.Branch
		record distance.Record
		err    error
	}
	outcomes := make([]outcome, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, br := range branches {
		i, br := i, br
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, b.currentMapsTimeout())
			defer cancel()
			rec, err := b.resolver.Resolve(callCtx, deliveryLocation, br.NormalizedAddress)
			outcomes[i] = outcome{branch: br, record: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	var best *outcome
	allGeocodingFailed := true
	anyFailure := false
	for i := range outcomes {
		o := &outcomes[i]
		if o.err != nil {
			anyFailure = true
			var derr *distance.Error
			if !(errors.As(o.err, &derr) && derr.Kind == distance.KindGeocodingFailed) {
				allGeocodingFailed = false
			}
			continue
		}
		if best == nil || o.record.Miles.LessThan(best.record.Miles) {
			best = o
		}
	}

	if best == nil {
		if allGeocodingFailed && anyFailure {
			return catalog.Branch{}, distance.Record{}, nil, &Error{Kind: KindUndeliverable, Message: "could not geocode the delivery address"}
		}
		return catalog.Branch{}, distance.Record{}, nil, &Error{Kind: KindFallbackUnavailable, Message: "distance provider unavailable and no cached estimate"}
	}

	var notes []string
	if best.record.Method == distance.MethodFallbackGeocoded {
		notes = append(notes, "fallback distance used")
	}
	return best.branch, best.record, notes, nil
}
