// Package catalog pulls the product/generator/branch/config tabs from an
// external spreadsheet and atomically installs a new CatalogSnapshot into
// the cache store, under a single-writer distributed lock.
package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category enumerates the product categories this system prices.
type Category string

const (
	CategoryRestroomTrailer  Category = "restroom_trailer"
	CategoryShowerTrailer    Category = "shower_trailer"
	CategoryComboTrailer     Category = "combo_trailer"
	CategorySpecialtyTrailer Category = "specialty_trailer"
	CategoryPortableToilet   Category = "portable_toilet"
)

// UsageType distinguishes one-off event rentals from ongoing commercial ones.
type UsageType string

const (
	UsageEvent      UsageType = "event"
	UsageCommercial UsageType = "commercial"
)

// DurationTier maps a rental-length bracket to the per-day rate to charge,
// selected by usage type and length (see RateForUsage).
type DurationTier struct {
	MinDays          int
	MaxDays          int
	EventRate        decimal.Decimal
	Rate28Day        decimal.Decimal
	Rate2to5Month    decimal.Decimal
	Rate6PlusMonth   decimal.Decimal
	FeaturesIncluded []string
}

// Contains reports whether days falls within [MinDays, MaxDays].
func (t DurationTier) Contains(days int) bool {
	return days >= t.MinDays && days <= t.MaxDays
}

// RateForUsage selects the per-day rate for this tier given rental length and
// usage type, per the duration-tier rate-selection rule.
func (t DurationTier) RateForUsage(days int, usage UsageType) decimal.Decimal {
	switch {
	case days <= 7 && usage == UsageEvent:
		return t.EventRate
	case days <= 28:
		return t.Rate28Day
	case days <= 75:
		return t.Rate2to5Month
	default:
		return t.Rate6PlusMonth
	}
}

// ProductRule is a single rentable product's pricing rules.
type ProductRule struct {
	ID             string
	Category       Category
	RatesByDuration []DurationTier
}

// DurationTierFor returns the tier containing days, preferring the tier with
// the smaller MinDays on overlap.
func (p ProductRule) DurationTierFor(days int) (DurationTier, bool) {
	var best DurationTier
	found := false
	for _, t := range p.RatesByDuration {
		if !t.Contains(days) {
			continue
		}
		if !found || t.MinDays < best.MinDays {
			best = t
			found = true
		}
	}
	return best, found
}

// GeneratorRule prices a generator add-on by its own duration brackets.
type GeneratorRule struct {
	ID        string
	KW        decimal.Decimal
	EventRate decimal.Decimal
	Rate7Day  decimal.Decimal
	Rate28Day decimal.Decimal
}

// ExtraRule prices a non-trailer, non-generator line item (e.g. hand-wash
// station, extra pump-out). SeasonalExempt carries the catalog-level flag
// controlling whether the seasonal multiplier applies to this extra.
type ExtraRule struct {
	ID             string
	UnitPrice      decimal.Decimal
	SeasonalExempt bool
}

// Branch is a physical dispatch origin deliveries are priced from.
type Branch struct {
	ID                string
	Label             string
	Address           string
	NormalizedAddress string
}

// SeasonalWindow is a calendar-day range carrying a rental-line multiplier.
// StartMonthDay/EndMonthDay use "MM-DD" and are inclusive.
type SeasonalWindow struct {
	StartMonthDay string
	EndMonthDay   string
	Factor        decimal.Decimal
}

// DistanceTier brackets road miles into a (base fee, per-mile rate) pair.
// IsUnbounded marks the final tier, whose UpperBoundMiles is +inf.
type DistanceTier struct {
	Name            string
	UpperBoundMiles decimal.Decimal
	IsUnbounded     bool
	BaseFee         decimal.Decimal
	PerMileRate     decimal.Decimal
}

// DeliveryConfig holds the pricing rules for the delivery line item and the
// seasonal multiplier schedule.
type DeliveryConfig struct {
	SeasonalMultipliers []SeasonalWindow
	DistanceTiers       []DistanceTier // ordered, strictly increasing upper bound
}

// TierForMiles returns the distance tier covering the given mileage.
func (c DeliveryConfig) TierForMiles(miles decimal.Decimal) (DistanceTier, bool) {
	for _, t := range c.DistanceTiers {
		if t.IsUnbounded || miles.LessThanOrEqual(t.UpperBoundMiles) {
			return t, true
		}
	}
	return DistanceTier{}, false
}

// CatalogSnapshot is the immutable, versioned bundle C3 installs atomically.
// It is never mutated after construction; readers dereference a pointer to
// one instance per request.
type CatalogSnapshot struct {
	Products    map[string]ProductRule
	Generators  map[string]GeneratorRule
	Extras      map[string]ExtraRule
	Branches    []Branch
	Config      DeliveryConfig
	Version     int64
	InstalledAt time.Time
}
