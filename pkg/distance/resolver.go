package distance

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"

	"github.com/throneworks/quoteflow/internal/telemetry"
	"github.com/throneworks/quoteflow/pkg/cache"
	"github.com/throneworks/quoteflow/pkg/latency"
)

// DefaultTTL is how long a direct (provider-routed) record is cached.
const DefaultTTL = 24 * time.Hour

// DefaultFallbackTTL is how long a great-circle fallback estimate is cached
// — shorter than DefaultTTL since it's an approximation, not a routed result.
const DefaultFallbackTTL = 2 * time.Hour

// DefaultRoadFactor multiplies a great-circle estimate to approximate road
// distance when the provider cannot route but can geocode both endpoints.
var DefaultRoadFactor = decimal.NewFromFloat(1.3)

const earthRadiusMiles = 3958.8

// Resolver implements the resolve algorithm: cache hit returns immediately;
// a miss calls the provider, falling back to a geocoded great-circle
// estimate when the provider cannot route (component C4).
type Resolver struct {
	store       *cache.Store
	provider    Provider
	recorder    *latency.Recorder
	logger      *slog.Logger
	ttl         time.Duration
	fallbackTTL time.Duration
	roadFactor  decimal.Decimal
}

// NewResolver builds a Resolver. ttl/fallbackTTL <= 0 fall back to the
// package defaults.
func NewResolver(store *cache.Store, provider Provider, recorder *latency.Recorder, logger *slog.Logger, ttl, fallbackTTL time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if fallbackTTL <= 0 {
		fallbackTTL = DefaultFallbackTTL
	}
	return &Resolver{
		store:       store,
		provider:    provider,
		recorder:    recorder,
		logger:      logger,
		ttl:         ttl,
		fallbackTTL: fallbackTTL,
		roadFactor:  DefaultRoadFactor,
	}
}

func normalizeAddress(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

func cacheKey(origin, destination string) string {
	h := sha256.Sum256([]byte(normalizeAddress(origin) + "|" + normalizeAddress(destination)))
	return fmt.Sprintf("distance:%s", hex.EncodeToString(h[:16]))
}

// Peek returns the cached record for (origin, destination) without ever
// calling the external provider. Used by the quote builder's "prefer an
// already-cached branch" step before falling back to parallel resolution.
func (r *Resolver) Peek(ctx context.Context, origin, destination string) (Record, bool, error) {
	done := r.measure(ctx, "peek")
	rec, found, err := cache.GetJSON[Record](ctx, r.store, cacheKey(origin, destination))
	done(err)
	if found {
		rec.Method = MethodCached
	}
	return rec, found, err
}

// Resolve runs the full cache-hit / provider-call / geocoded-fallback
// algorithm for (origin, destination).
func (r *Resolver) Resolve(ctx context.Context, origin, destination string) (Record, error) {
	key := cacheKey(origin, destination)

	done := r.measure(ctx, "resolve_peek")
	rec, found, err := cache.GetJSON[Record](ctx, r.store, key)
	done(err)
	if err != nil {
		return Record{}, &Error{Kind: KindUnavailable, Err: err}
	}
	if found {
		rec.Method = MethodCached
		telemetry.DistanceResolutionsTotal.WithLabelValues(string(MethodCached)).Inc()
		return rec, nil
	}

	miles, seconds, routable, mmErr := r.distanceMatrixWithRetry(ctx, origin, destination)
	if mmErr == nil && routable {
		rec = Record{
			Miles:      miles,
			Seconds:    seconds,
			Provider:   "google_maps",
			ResolvedAt: time.Now().UTC(),
			Method:     MethodDirect,
		}
		if serr := cache.SetJSON(ctx, r.store, key, rec, r.ttl); serr != nil {
			r.logger.Warn("distance: caching direct record failed", "error", serr)
		}
		telemetry.DistanceResolutionsTotal.WithLabelValues(string(MethodDirect)).Inc()
		return rec, nil
	}

	// Not routable, or the provider call itself failed. Attempt the
	// geocoded great-circle fallback.
	originLat, originLng, oErr := r.geocodeWithRetry(ctx, origin)
	destLat, destLng, dErr := r.geocodeWithRetry(ctx, destination)
	if oErr != nil || dErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Record{}, &Error{Kind: KindUnavailable, Err: errors.Join(mmErr, oErr, dErr, ctxErr)}
		}
		telemetry.DistanceResolutionsTotal.WithLabelValues("geocoding_failed").Inc()
		return Record{}, &Error{Kind: KindGeocodingFailed, Err: errors.Join(mmErr, oErr, dErr)}
	}

	gcMiles := greatCircleMiles(originLat, originLng, destLat, destLng).Mul(r.roadFactor).Round(1)
	rec = Record{
		Miles:      gcMiles,
		Seconds:    estimateSeconds(gcMiles),
		Provider:   "great_circle_fallback",
		ResolvedAt: time.Now().UTC(),
		Method:     MethodFallbackGeocoded,
	}
	if serr := cache.SetJSON(ctx, r.store, key, rec, r.fallbackTTL); serr != nil {
		r.logger.Warn("distance: caching fallback record failed", "error", serr)
	}
	telemetry.DistanceResolutionsTotal.WithLabelValues(string(MethodFallbackGeocoded)).Inc()
	return rec, nil
}

type distanceMatrixResult struct {
	miles    decimal.Decimal
	seconds  int64
	routable bool
}

// distanceMatrixWithRetry bounds the provider call with one retry on
// transport error, 250ms backoff, and no retry on a 4xx response.
func (r *Resolver) distanceMatrixWithRetry(ctx context.Context, origin, destination string) (decimal.Decimal, int64, bool, error) {
	op := func() (distanceMatrixResult, error) {
		done := r.recorder.Measure(ctx, latency.ServiceMaps, "distance_matrix")
		miles, seconds, routable, err := r.provider.DistanceMatrix(ctx, origin, destination)
		done(err)
		if err != nil {
			if !isRetryable(err) {
				return distanceMatrixResult{}, backoff.Permanent(err)
			}
			return distanceMatrixResult{}, err
		}
		return distanceMatrixResult{miles: miles, seconds: seconds, routable: routable}, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(250*time.Millisecond)),
	)
	return res.miles, res.seconds, res.routable, err
}

type geocodeResult struct {
	lat, lng float64
}

func (r *Resolver) geocodeWithRetry(ctx context.Context, address string) (float64, float64, error) {
	op := func() (geocodeResult, error) {
		done := r.recorder.Measure(ctx, latency.ServiceMaps, "geocode")
		lat, lng, err := r.provider.Geocode(ctx, address)
		done(err)
		if err != nil {
			if !isRetryable(err) {
				return geocodeResult{}, backoff.Permanent(err)
			}
			return geocodeResult{}, err
		}
		return geocodeResult{lat: lat, lng: lng}, nil
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(250*time.Millisecond)),
	)
	return res.lat, res.lng, err
}

// isRetryable reports whether a provider failure is worth one retry: any
// non-4xx error, including plain transport/timeout errors that don't carry a
// googleapi status at all.
func isRetryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code >= 500
	}
	return true
}

func (r *Resolver) measure(ctx context.Context, op string) func(error) {
	if r.recorder == nil {
		return func(error) {}
	}
	return r.recorder.Measure(ctx, latency.ServiceCache, op)
}

// greatCircleMiles computes the haversine distance between two coordinates.
func greatCircleMiles(lat1, lng1, lat2, lng2 float64) decimal.Decimal {
	toRad := func(deg float64) float64 { return deg * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLng := toRad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return decimal.NewFromFloat(earthRadiusMiles * c)
}

// estimateSeconds assumes a 45mph average road speed for a fallback estimate
// that never made a routed call.
func estimateSeconds(miles decimal.Decimal) int64 {
	m, _ := miles.Float64()
	return int64(m / 45 * 3600)
}
