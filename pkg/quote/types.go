// Package quote implements the synchronous pricing path: validate the
// request against the current catalog snapshot, resolve delivery distance,
// apply seasonal and duration-tier rules, and compute an itemized total
// (component C6, "Quote Builder").
package quote

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/throneworks/quoteflow/pkg/catalog"
)

// UsageType mirrors catalog.UsageType at the request boundary so callers
// don't need to import the catalog package just to build a request.
type UsageType = catalog.UsageType

// ExtraRequest is one requested non-trailer line item.
type ExtraRequest struct {
	ID  string `json:"id"`
	Qty int    `json:"qty"`
}

// Request is the inbound quote request body.
type Request struct {
	DeliveryLocation string         `json:"delivery_location"`
	TrailerTypeID    string         `json:"trailer_type_id"`
	RentalStartDate  string         `json:"rental_start_date"`
	RentalDays       int            `json:"rental_days"`
	UsageType        UsageType      `json:"usage_type"`
	Extras           []ExtraRequest `json:"extras"`
}

// Kind classifies a quote failure using the taxonomy every response and log
// line dispatches on.
type Kind string

const (
	KindInvalidRequest      Kind = "invalid_request"
	KindUndeliverable       Kind = "undeliverable"
	KindCatalogUnavailable  Kind = "catalog_unavailable"
	KindFallbackUnavailable Kind = "fallback_unavailable"
	KindDeadline            Kind = "deadline"
	KindInternal            Kind = "internal"
)

// Error is the structured failure returned by Build. Field is set only for
// KindInvalidRequest. RetryAfter is set only for KindCatalogUnavailable.
type Error struct {
	Kind       Kind
	Field      string
	Message    string
	RetryAfter time.Duration
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("quote: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("quote: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func invalidRequest(field, message string) *Error {
	return &Error{Kind: KindInvalidRequest, Field: field, Message: message}
}

// LineItem is one priced row: the trailer rental or an extra.
type LineItem struct {
	Label       string          `json:"label"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Qty         int             `json:"qty"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	RuleApplied string          `json:"rule_applied"`
}

// DeliveryResult is the priced delivery line.
type DeliveryResult struct {
	Miles    decimal.Decimal `json:"miles"`
	Tier     string          `json:"tier"`
	PerMile  decimal.Decimal `json:"per_mile"`
	Base     decimal.Decimal `json:"base"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// SeasonalResult reports which seasonal window (if any) applied.
type SeasonalResult struct {
	Multiplier  decimal.Decimal `json:"multiplier"`
	WindowLabel string          `json:"window_label,omitempty"`
}

// Totals is the final rolled-up price.
type Totals struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	GrandTotal decimal.Decimal `json:"grand_total"`
}

// Result is the priced, itemized quote.
type Result struct {
	RequestEcho    Request        `json:"request_echo"`
	LineItems      []LineItem     `json:"line_items"`
	Delivery       DeliveryResult `json:"delivery"`
	Seasonal       SeasonalResult `json:"seasonal"`
	Totals         Totals         `json:"totals"`
	CatalogVersion int64          `json:"catalog_version"`
	ComputedAt     time.Time      `json:"computed_at"`
	LatencyMs      int64          `json:"latency_ms"`
	Notes          []string       `json:"notes"`
}
