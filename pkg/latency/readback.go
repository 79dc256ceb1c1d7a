package latency

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/throneworks/quoteflow/pkg/cache"
)

// Services enumerates every service tag the readback surface reports on.
var Services = []string{ServiceQuote, ServiceLocation, ServiceMaps, ServiceCRM, ServiceVoice, ServiceCache}

// Reader is the read-only query surface over a cache store's latency
// counters and sorted sets (component C8, "Metrics Readback").
type Reader struct {
	store         *cache.Store
	minFreshCount int64
}

// NewReader creates a Reader. minFreshCount is the minimum sample count
// below which a result is marked stale (default 30).
func NewReader(store *cache.Store, minFreshCount int64) *Reader {
	if minFreshCount <= 0 {
		minFreshCount = 30
	}
	return &Reader{store: store, minFreshCount: minFreshCount}
}

// PercentileResult is the response shape for a single percentile query.
type PercentileResult struct {
	Service     string    `json:"service"`
	Percentile  int       `json:"p"`
	ValueMs     int64     `json:"value_ms"`
	SampleCount int64     `json:"sample_count"`
	Stale       bool      `json:"stale"`
	ComputedAt  time.Time `json:"computed_at"`
}

// AverageResult is the response shape for a single service's running mean.
type AverageResult struct {
	Service     string  `json:"service"`
	AverageMs   float64 `json:"average_ms"`
	SampleCount int64   `json:"sample_count"`
	Stale       bool    `json:"stale"`
}

// RecentSample is a single trend-window entry read back from the stream.
type RecentSample struct {
	Operation string    `json:"operation"`
	Ms        int64     `json:"ms"`
	Status    string    `json:"status"`
	TS        time.Time `json:"ts"`
}

var supportedPercentiles = map[int]bool{50: true, 90: true, 95: true, 99: true}

// ErrUnsupportedPercentile is returned for any p not in {50, 90, 95, 99}.
var ErrUnsupportedPercentile = fmt.Errorf("unsupported percentile")

func sortedKey(service string) string { return fmt.Sprintf("latency:%s:sorted", service) }
func sumKey(service string) string    { return fmt.Sprintf("latency:%s:sum", service) }
func countKey(service string) string  { return fmt.Sprintf("latency:%s:count", service) }
func streamKey(service string) string { return fmt.Sprintf("latency:%s:stream", service) }

// Percentiles computes the requested percentile for service by reading the
// capped sorted set, re-sorting by score defensively, and picking the index
// rounded up to the nearest sample.
func (rd *Reader) Percentiles(ctx context.Context, service string, p int) (PercentileResult, error) {
	if !supportedPercentiles[p] {
		return PercentileResult{}, ErrUnsupportedPercentile
	}

	zs, err := rd.store.RangeWithScores(ctx, sortedKey(service))
	if err != nil {
		return PercentileResult{}, err
	}

	ms := make([]int64, 0, len(zs))
	for _, z := range zs {
		ms = append(ms, int64(z.Score))
	}
	sort.Slice(ms, func(i, j int) bool { return ms[i] < ms[j] })

	res := PercentileResult{
		Service:     service,
		Percentile:  p,
		SampleCount: int64(len(ms)),
		Stale:       int64(len(ms)) < rd.minFreshCount,
		ComputedAt:  time.Now().UTC(),
	}
	if len(ms) == 0 {
		return res, nil
	}

	idx := int(math.Ceil(float64(p)/100*float64(len(ms)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(ms) {
		idx = len(ms) - 1
	}
	res.ValueMs = ms[idx]
	return res, nil
}

// Average computes the running mean for service from the sum/count counters.
func (rd *Reader) Average(ctx context.Context, service string) (AverageResult, error) {
	sum, _, err := rd.store.GetInt(ctx, sumKey(service))
	if err != nil {
		return AverageResult{}, err
	}
	count, _, err := rd.store.GetInt(ctx, countKey(service))
	if err != nil {
		return AverageResult{}, err
	}

	res := AverageResult{Service: service, SampleCount: count, Stale: count < rd.minFreshCount}
	if count > 0 {
		res.AverageMs = float64(sum) / float64(count)
	}
	return res, nil
}

// Recent returns the n most-recent raw samples for service.
func (rd *Reader) Recent(ctx context.Context, service string, n int64) ([]RecentSample, error) {
	msgs, err := rd.store.StreamRange(ctx, streamKey(service), n)
	if err != nil {
		return nil, err
	}

	out := make([]RecentSample, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, sampleFromStreamValues(m.Values))
	}
	return out, nil
}

// AllServicesSummary returns the average and sample count for every
// supported service, in a stable order.
func (rd *Reader) AllServicesSummary(ctx context.Context) ([]AverageResult, error) {
	out := make([]AverageResult, 0, len(Services))
	for _, svc := range Services {
		avg, err := rd.Average(ctx, svc)
		if err != nil {
			return nil, err
		}
		out = append(out, avg)
	}
	return out, nil
}

func sampleFromStreamValues(values map[string]any) RecentSample {
	var s RecentSample
	if v, ok := values["operation"].(string); ok {
		s.Operation = v
	}
	if v, ok := values["status"].(string); ok {
		s.Status = v
	}
	if v, ok := toInt64(values["ms"]); ok {
		s.Ms = v
	}
	if v, ok := toInt64(values["ts"]); ok {
		s.TS = time.UnixMilli(v).UTC()
	}
	return s
}

// toInt64 converts the loosely-typed values go-redis returns for stream
// fields (strings, since Redis streams store everything as strings) into an
// int64.
func toInt64(v any) (int64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var n int64
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}
