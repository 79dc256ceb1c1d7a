package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/pkg/cache"
	"github.com/throneworks/quoteflow/pkg/catalog"
	"github.com/throneworks/quoteflow/pkg/distance"
	"github.com/throneworks/quoteflow/pkg/latency"
)

// DefaultDeadline bounds the background task regardless of whether the HTTP
// caller that triggered it is still waiting.
const DefaultDeadline = 30 * time.Second

// DefaultAuditTTL is how long a completed audit record stays readable.
const DefaultAuditTTL = 24 * time.Hour

func auditKey(id string) string {
	return fmt.Sprintf("audit:location:%s", id)
}

// CatalogReader is the subset of *catalog.Syncer the lookup needs.
type CatalogReader interface {
	Current(ctx context.Context) (*catalog.CatalogSnapshot, bool, error)
}

// Lookup schedules and runs the background nearest-branch resolution.
type Lookup struct {
	store    *cache.Store
	catalog  CatalogReader
	resolver *distance.Resolver
	recorder *latency.Recorder
	logger   *slog.Logger
	deadline time.Duration
	auditTTL time.Duration
	sf       singleflight.Group
}

// NewLookup builds a Lookup. deadline/auditTTL <= 0 use the package defaults.
func NewLookup(store *cache.Store, reader CatalogReader, resolver *distance.Resolver, recorder *latency.Recorder, logger *slog.Logger, deadline, auditTTL time.Duration) *Lookup {
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	if auditTTL <= 0 {
		auditTTL = DefaultAuditTTL
	}
	return &Lookup{
		store:    store,
		catalog:  reader,
		resolver: resolver,
		recorder: recorder,
		logger:   logger,
		deadline: deadline,
		auditTTL: auditTTL,
	}
}

// Schedule writes a pending audit record and launches the background
// resolution, returning the audit id immediately. The background task uses
// its own context, detached from the caller's request: an HTTP client
// disconnecting does not cancel it.
func (l *Lookup) Schedule(ctx context.Context, address string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()
	audit := Audit{
		ID:              id,
		QueryRaw:        address,
		QueryNormalized: normalizeForDedupe(address),
		Status:          StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := cache.SetJSON(ctx, l.store, auditKey(id), audit, l.auditTTL); err != nil {
		return "", err
	}

	go l.run(id, address)
	return id, nil
}

// Get returns the audit record for id.
func (l *Lookup) Get(ctx context.Context, id string) (Audit, bool, error) {
	return cache.GetJSON[Audit](ctx, l.store, auditKey(id))
}

func (l *Lookup) run(id, address string) {
	ctx, cancel := context.WithTimeout(context.Background(), l.deadline)
	defer cancel()

	done := l.recorder.Measure(ctx, latency.ServiceLocation, "lookup")
	start := time.Now()

	l.setStatus(ctx, id, StatusProcessing)

	snap, found, err := l.catalog.Current(ctx)
	if err != nil || !found {
		l.finish(ctx, id, Audit{Status: StatusFailed, ErrorMessage: "catalog not installed"}, start)
		done(err)
		return
	}

	res, sfErr, _ := l.sf.Do(normalizeForDedupe(address), func() (any, error) {
		return l.resolveNearest(ctx, address, snap.Branches)
	})
	if sfErr != nil {
		l.finish(ctx, id, Audit{Status: StatusFailed, ErrorMessage: sfErr.Error()}, start)
		done(sfErr)
		return
	}

	result := res.(resolveResult)
	if result.nearestBranchID == "" {
		status := StatusDistanceCalcFailed
		if result.allGeocodingFailed {
			status = StatusGeocodingFailed
		}
		l.finish(ctx, id, Audit{
			Status:            status,
			BranchesAttempted: result.attempted,
			BranchesFailed:    result.failed,
			APICallsMade:      result.apiCallsMade,
			ErrorMessage:      "all branches failed to resolve",
		}, start)
		done(fmt.Errorf("location: all branches failed"))
		return
	}

	status := StatusSuccess
	if result.method == distance.MethodFallbackGeocoded {
		status = StatusFallbackUsed
	}
	l.finish(ctx, id, Audit{
		Status:            status,
		NearestBranchID:   result.nearestBranchID,
		Miles:             result.miles,
		Seconds:           result.seconds,
		BranchesAttempted: result.attempted,
		BranchesFailed:    result.failed,
		APICallsMade:      result.apiCallsMade,
		CacheHit:          result.cacheHit,
	}, start)
	done(nil)
}

type resolveResult struct {
	nearestBranchID    string
	miles              decimal.Decimal
	seconds            int64
	method             distance.Method
	attempted          int
	failed             int
	cacheHit           bool
	apiCallsMade       int
	allGeocodingFailed bool
}

// apiCallsFor estimates how many outbound provider calls one branch
// resolution made: none on a cache hit, one for a routed distance-matrix
// call, or three when the provider could not route and the resolver fell
// back to geocoding both endpoints (one distance-matrix attempt plus two
// geocode calls) — the same count whether the fallback succeeded or the
// geocoding itself failed.
func apiCallsFor(rec distance.Record, err error) int {
	if err != nil {
		var derr *distance.Error
		if errors.As(err, &derr) && derr.Kind == distance.KindGeocodingFailed {
			return 3
		}
		return 1
	}
	switch rec.Method {
	case distance.MethodCached:
		return 0
	case distance.MethodFallbackGeocoded:
		return 3
	default:
		return 1
	}
}

// resolveNearest resolves the address against every branch concurrently
// and picks the minimum-mileage success.
func (l *Lookup) resolveNearest(ctx context.Context, address string, branches []catalog.Branch) (resolveResult, error) {
	if len(branches) == 0 {
		return resolveResult{}, fmt.Errorf("location: no branches configured")
	}

	type outcome struct {
		branch catalog.Branch
		rec    distance.Record
		err    error
	}
	outcomes := make([]outcome, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range branches {
		i, b := i, b
		g.Go(func() error {
			rec, err := l.resolver.Resolve(gctx, address, b.NormalizedAddress)
			outcomes[i] = outcome{branch: b, rec: rec, err: err}
			return nil
		})
	}
	_ = g.Wait()

	result := resolveResult{attempted: len(branches), allGeocodingFailed: true}
	best := -1
	for i, o := range outcomes {
		result.apiCallsMade += apiCallsFor(o.rec, o.err)
		if o.err != nil {
			result.failed++
			var derr *distance.Error
			if !(errors.As(o.err, &derr) && derr.Kind == distance.KindGeocodingFailed) {
				result.allGeocodingFailed = false
			}
			continue
		}
		if o.rec.Method == distance.MethodCached {
			result.cacheHit = true
		}
		if best == -1 || o.rec.Miles.LessThan(outcomes[best].rec.Miles) {
			best = i
		}
	}
	if best == -1 {
		return result, nil
	}
	result.nearestBranchID = outcomes[best].branch.ID
	result.miles = outcomes[best].rec.Miles
	result.seconds = outcomes[best].rec.Seconds
	result.method = outcomes[best].rec.Method
	return result, nil
}

// finish merges the terminal fields into the audit record, stamping
// processing time, and persists it. Status transitions are monotonic: by
// the time finish is called the record has already moved past pending.
func (l *Lookup) finish(ctx context.Context, id string, update Audit, start time.Time) {
	existing, found, err := l.Get(ctx, id)
	if err != nil || !found {
		existing = Audit{ID: id, CreatedAt: start}
	}

	existing.Status = update.Status
	existing.NearestBranchID = update.NearestBranchID
	existing.Miles = update.Miles
	existing.Seconds = update.Seconds
	existing.BranchesAttempted = update.BranchesAttempted
	existing.BranchesFailed = update.BranchesFailed
	existing.APICallsMade = update.APICallsMade
	existing.CacheHit = update.CacheHit
	existing.ErrorMessage = update.ErrorMessage
	existing.ProcessingMs = time.Since(start).Milliseconds()
	now := time.Now().UTC()
	existing.UpdatedAt = now
	existing.CompletedAt = now

	if err := cache.SetJSON(context.WithoutCancel(ctx), l.store, auditKey(id), existing, l.auditTTL); err != nil {
		l.logger.Warn("location lookup: persisting final audit failed", "error", err, "audit_id", id)
	}
	telemetry.LocationLookupsTotal.WithLabelValues(string(existing.Status)).Inc()
}

func (l *Lookup) setStatus(ctx context.Context, id string, status Status) {
	existing, found, err := l.Get(ctx, id)
	if err != nil || !found {
		return
	}
	existing.Status = status
	existing.UpdatedAt = time.Now().UTC()
	if err := cache.SetJSON(ctx, l.store, auditKey(id), existing, l.auditTTL); err != nil {
		l.logger.Warn("location lookup: status update failed", "error", err, "audit_id", id)
	}
}

func normalizeForDedupe(address string) string {
	return strings.Join(strings.Fields(strings.ToLower(address)), " ")
}
