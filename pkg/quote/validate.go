package quote

import (
	"time"

	"github.com/throneworks/quoteflow/pkg/catalog"
)

// dateLayout is the wire format for rental_start_date.
const dateLayout = "2006-01-02"

// validate runs Phase 1: required fields non-empty, rental_days sane, the
// start date parseable, and the trailer/extras ids resolving inside the
// given snapshot. It returns the parsed start date for later phases.
func validate(req Request, snap *catalog.CatalogSnapshot) (time.Time, *Error) {
	if req.DeliveryLocation == "" {
		return time.Time{}, invalidRequest("delivery_location", "must not be empty")
	}
	if req.TrailerTypeID == "" {
		return time.Time{}, invalidRequest("trailer_type_id", "must not be empty")
	}
	if req.RentalDays < 1 {
		return time.Time{}, invalidRequest("rental_days", "must be at least 1")
	}
	if req.UsageType != catalog.UsageEvent && req.UsageType != catalog.UsageCommercial {
		return time.Time{}, invalidRequest("usage_type", "must be \"event\" or \"commercial\"")
	}

	start, err := time.Parse(dateLayout, req.RentalStartDate)
	if err != nil {
		return time.Time{}, invalidRequest("rental_start_date", "must be an ISO-8601 date (YYYY-MM-DD)")
	}

	if _, ok := snap.Products[req.TrailerTypeID]; !ok {
		return time.Time{}, invalidRequest("trailer_type_id", "does not resolve in the current catalog")
	}

	for _, e := range req.Extras {
		if e.ID == "" {
			return time.Time{}, invalidRequest("extras.id", "must not be empty")
		}
		if e.Qty < 1 {
			return time.Time{}, invalidRequest("extras.qty", "must be at least 1")
		}
		if _, ok := snap.Extras[e.ID]; !ok {
			return time.Time{}, invalidRequest("extras.id", "extra \""+e.ID+"\" does not resolve in the current catalog")
		}
	}

	return start, nil
}
