package catalog

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseError reports which row (1-indexed, after the header) and column
// failed to parse or validate.
type ParseError struct {
	Tab    string
	Row    int
	Column string
	Cause  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog: %s row %d column %q: %v", e.Tab, e.Row, e.Column, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

// rowsToMaps converts a raw tabular range (header row first) into one map
// per data row, keyed by header name. Column order is not assumed.
func rowsToMaps(tab string, rows [][]string) ([]map[string]string, error) {
	if len(rows) == 0 {
		return nil, &ParseError{Tab: tab, Row: 0, Column: "", Cause: fmt.Errorf("no header row")}
	}
	headers := rows[0]
	out := make([]map[string]string, 0, len(rows)-1)
	for i, row := range rows[1:] {
		m := make(map[string]string, len(headers))
		for c, h := range headers {
			if c < len(row) {
				m[strings.TrimSpace(h)] = strings.TrimSpace(row[c])
			} else {
				m[strings.TrimSpace(h)] = ""
			}
		}
		out = append(out, m)
		_ = i
	}
	return out, nil
}

func parseDecimal(tab string, rowNum int, col string, m map[string]string) (decimal.Decimal, error) {
	v, ok := m[col]
	if !ok || v == "" {
		return decimal.Zero, &ParseError{Tab: tab, Row: rowNum, Column: col, Cause: fmt.Errorf("missing value")}
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &ParseError{Tab: tab, Row: rowNum, Column: col, Cause: err}
	}
	return d, nil
}

func parseInt(tab string, rowNum int, col string, m map[string]string) (int, error) {
	v, ok := m[col]
	if !ok || v == "" {
		return 0, &ParseError{Tab: tab, Row: rowNum, Column: col, Cause: fmt.Errorf("missing value")}
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &ParseError{Tab: tab, Row: rowNum, Column: col, Cause: err}
	}
	return n, nil
}

func requireString(tab string, rowNum int, col string, m map[string]string) (string, error) {
	v, ok := m[col]
	if !ok || v == "" {
		return "", &ParseError{Tab: tab, Row: rowNum, Column: col, Cause: fmt.Errorf("missing value")}
	}
	return v, nil
}

// normalizeID lowercases and trims a product/generator/extra identifier.
func normalizeID(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeAddress collapses whitespace and casefolds an address for use as
// a stable cache/dedup key.
func normalizeAddress(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	return strings.Join(fields, " ")
}

// ParseProducts groups one row per (product_id, duration tier) into
// ProductRule entries.
func ParseProducts(rows [][]string) (map[string]ProductRule, error) {
	maps, err := rowsToMaps("products", rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string]ProductRule)
	for i, m := range maps {
		rowNum := i + 1
		rawID, err := requireString("products", rowNum, "product_id", m)
		if err != nil {
			return nil, err
		}
		id := normalizeID(rawID)

		category, err := requireString("products", rowNum, "category", m)
		if err != nil {
			return nil, err
		}

		minDays, err := parseInt("products", rowNum, "min_days", m)
		if err != nil {
			return nil, err
		}
		maxDays, err := parseInt("products", rowNum, "max_days", m)
		if err != nil {
			return nil, err
		}
		eventRate, err := parseDecimal("products", rowNum, "event_rate", m)
		if err != nil {
			return nil, err
		}
		rate28, err := parseDecimal("products", rowNum, "rate_28_day", m)
		if err != nil {
			return nil, err
		}
		rate2to5, err := parseDecimal("products", rowNum, "rate_2_5_month", m)
		if err != nil {
			return nil, err
		}
		rate6plus, err := parseDecimal("products", rowNum, "rate_6_plus_month", m)
		if err != nil {
			return nil, err
		}

		var features []string
		if raw := m["features_included"]; raw != "" {
			for _, f := range strings.Split(raw, ",") {
				if f = strings.TrimSpace(f); f != "" {
					features = append(features, f)
				}
			}
		}

		tier := DurationTier{
			MinDays:        minDays,
			MaxDays:        maxDays,
			EventRate:      eventRate,
			Rate28Day:      rate28,
			Rate2to5Month:  rate2to5,
			Rate6PlusMonth: rate6plus,
			FeaturesIncluded: features,
		}

		rule, exists := out[id]
		if !exists {
			rule = ProductRule{ID: id, Category: Category(category)}
		}
		rule.RatesByDuration = append(rule.RatesByDuration, tier)
		out[id] = rule
	}

	return out, nil
}

// ParseGenerators parses one row per generator_id.
func ParseGenerators(rows [][]string) (map[string]GeneratorRule, error) {
	maps, err := rowsToMaps("generators", rows)
	if err != nil {
		return nil, err
	}

	out := make(map[string]GeneratorRule)
	for i, m := range maps {
		rowNum := i + 1
		rawID, err := requireString("generators", rowNum, "generator_id", m)
		if err != nil {
			return nil, err
		}
		id := normalizeID(rawID)

		kw, err := parseDecimal("generators", rowNum, "kw", m)
		if err != nil {
			return nil, err
		}
		eventRate, err := parseDecimal("generators", rowNum, "event_rate", m)
		if err != nil {
			return nil, err
		}
		rate7, err := parseDecimal("generators", rowNum, "rate_7_day", m)
		if err != nil {
			return nil, err
		}
		rate28, err := parseDecimal("generators", rowNum, "rate_28_day", m)
		if err != nil {
			return nil, err
		}

		out[id] = GeneratorRule{ID: id, KW: kw, EventRate: eventRate, Rate7Day: rate7, Rate28Day: rate28}
	}

	return out, nil
}

// ParseBranches parses one row per branch.
func ParseBranches(rows [][]string) ([]Branch, error) {
	maps, err := rowsToMaps("branches", rows)
	if err != nil {
		return nil, err
	}

	out := make([]Branch, 0, len(maps))
	for i, m := range maps {
		rowNum := i + 1
		id, err := requireString("branches", rowNum, "branch_id", m)
		if err != nil {
			return nil, err
		}
		label, err := requireString("branches", rowNum, "label", m)
		if err != nil {
			return nil, err
		}
		address, err := requireString("branches", rowNum, "address", m)
		if err != nil {
			return nil, err
		}

		out = append(out, Branch{
			ID:                normalizeID(id),
			Label:             label,
			Address:           address,
			NormalizedAddress: normalizeAddress(address),
		})
	}

	if len(out) == 0 {
		return nil, &ParseError{Tab: "branches", Row: 0, Column: "branch_id", Cause: fmt.Errorf("branches must be non-empty")}
	}

	return out, nil
}

// ParseConfig parses the config tab, a mixed-row sheet distinguished by a
// row_type column ∈ {seasonal, distance_tier, extra}.
func ParseConfig(rows [][]string) (DeliveryConfig, map[string]ExtraRule, error) {
	maps, err := rowsToMaps("config", rows)
	if err != nil {
		return DeliveryConfig{}, nil, err
	}

	var cfg DeliveryConfig
	extras := make(map[string]ExtraRule)

	for i, m := range maps {
		rowNum := i + 1
		rowType, err := requireString("config", rowNum, "row_type", m)
		if err != nil {
			return DeliveryConfig{}, nil, err
		}

		switch rowType {
		case "seasonal":
			start, err := requireString("config", rowNum, "start_month_day", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			end, err := requireString("config", rowNum, "end_month_day", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			factor, err := parseDecimal("config", rowNum, "factor", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			cfg.SeasonalMultipliers = append(cfg.SeasonalMultipliers, SeasonalWindow{
				StartMonthDay: start, EndMonthDay: end, Factor: factor,
			})

		case "distance_tier":
			name, err := requireString("config", rowNum, "tier_name", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			baseFee, err := parseDecimal("config", rowNum, "base_fee", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			perMile, err := parseDecimal("config", rowNum, "per_mile_rate", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}

			raw := strings.ToLower(strings.TrimSpace(m["upper_bound_miles"]))
			if raw == "inf" || raw == "+inf" || raw == "" {
				cfg.DistanceTiers = append(cfg.DistanceTiers, DistanceTier{
					Name: name, IsUnbounded: true, BaseFee: baseFee, PerMileRate: perMile,
				})
				continue
			}
			upper, err := parseDecimal("config", rowNum, "upper_bound_miles", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			cfg.DistanceTiers = append(cfg.DistanceTiers, DistanceTier{
				Name: name, UpperBoundMiles: upper, BaseFee: baseFee, PerMileRate: perMile,
			})

		case "extra":
			rawID, err := requireString("config", rowNum, "extra_id", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			unitPrice, err := parseDecimal("config", rowNum, "unit_price", m)
			if err != nil {
				return DeliveryConfig{}, nil, err
			}
			exempt := strings.EqualFold(strings.TrimSpace(m["seasonal_exempt"]), "true")
			id := normalizeID(rawID)
			extras[id] = ExtraRule{ID: id, UnitPrice: unitPrice, SeasonalExempt: exempt}

		default:
			return DeliveryConfig{}, nil, &ParseError{
				Tab: "config", Row: rowNum, Column: "row_type",
				Cause: fmt.Errorf("unrecognized row_type %q", rowType),
			}
		}
	}

	return cfg, extras, nil
}
