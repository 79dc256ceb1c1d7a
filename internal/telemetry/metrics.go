package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across the server.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "quoteflow",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// QuoteLatencySeconds is the end-to-end C7 quote request latency, observed
// independently of the C2 latency-recorder samples (which back C8); this
// one backs SLO alerting off the Prometheus side.
var QuoteLatencySeconds = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "quoteflow",
		Subsystem: "quote",
		Name:      "latency_seconds",
		Help:      "End-to-end /quote request latency in seconds.",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.4, 0.5, 0.75, 1, 2, 3},
	},
)

// QuotesTotal counts quote outcomes by result kind (ok, invalid_request,
// undeliverable, catalog_unavailable, deadline, internal, ...).
var QuotesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quoteflow",
		Subsystem: "quote",
		Name:      "total",
		Help:      "Total number of /quote responses by outcome kind.",
	},
	[]string{"kind"},
)

// CatalogSyncTotal counts catalog sync attempts by outcome.
var CatalogSyncTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quoteflow",
		Subsystem: "catalog",
		Name:      "sync_total",
		Help:      "Total number of catalog sync attempts by outcome.",
	},
	[]string{"outcome"},
)

// CatalogVersion reports the currently installed catalog version.
var CatalogVersion = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "quoteflow",
		Subsystem: "catalog",
		Name:      "version",
		Help:      "Currently installed catalog snapshot version.",
	},
)

// DistanceResolutionsTotal counts C4 resolutions by method (cached, direct,
// fallback_geocoded), with geocoding_failed counted under the same label.
var DistanceResolutionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quoteflow",
		Subsystem: "distance",
		Name:      "resolutions_total",
		Help:      "Total number of distance resolutions by method.",
	},
	[]string{"method"},
)

// LatencySampleDroppedTotal counts samples the latency recorder drops when
// its channel is saturated.
var LatencySampleDroppedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quoteflow",
		Subsystem: "latency",
		Name:      "sample_dropped_total",
		Help:      "Total number of latency samples dropped under backpressure, by service.",
	},
	[]string{"service"},
)

// LocationLookupsTotal counts C5 background lookups by terminal status.
var LocationLookupsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "quoteflow",
		Subsystem: "location",
		Name:      "lookups_total",
		Help:      "Total number of location lookup background tasks by terminal status.",
	},
	[]string{"status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP duration metric, and the quoteflow
// domain counters above.
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
		QuoteLatencySeconds,
		QuotesTotal,
		CatalogSyncTotal,
		CatalogVersion,
		DistanceResolutionsTotal,
		LatencySampleDroppedTotal,
		LocationLookupsTotal,
	)
	return reg
}
