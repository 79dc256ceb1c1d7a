// Package location runs the fire-and-forget address lookup: answer
// immediately with an audit id, then resolve the nearest branch against
// every configured branch in the background and persist the outcome
// (component C5, "Location Lookup").
package location

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the monotonic lifecycle of a location lookup audit record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"

	// StatusFallbackUsed is a terminal success where the winning branch's
	// distance came from the great-circle fallback rather than a routed
	// provider result.
	StatusFallbackUsed Status = "fallback_used"
	// StatusGeocodingFailed means every branch resolution failed because the
	// provider could not geocode the requested address (or a branch
	// address), so no distance, routed or estimated, was available.
	StatusGeocodingFailed Status = "geocoding_failed"
	// StatusDistanceCalcFailed means every branch resolution failed for a
	// reason other than geocoding (provider/cache unavailable, timeout).
	StatusDistanceCalcFailed Status = "distance_calc_failed"
)

// Audit is the persisted record of one background lookup, keyed by ID.
type Audit struct {
	ID                string          `json:"id"`
	QueryRaw          string          `json:"query_raw"`
	QueryNormalized   string          `json:"query_normalized"`
	Status            Status          `json:"status"`
	NearestBranchID   string          `json:"nearest_branch_id,omitempty"`
	Miles             decimal.Decimal `json:"miles,omitempty"`
	Seconds           int64           `json:"seconds,omitempty"`
	BranchesAttempted int             `json:"branches_attempted"`
	BranchesFailed    int             `json:"branches_failed"`
	APICallsMade      int             `json:"api_calls_made"`
	CacheHit          bool            `json:"cache_hit"`
	ProcessingMs      int64           `json:"processing_ms,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       time.Time       `json:"completed_at,omitempty"`
}
