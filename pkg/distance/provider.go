package distance

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	gmaps "googlemaps.github.io/maps"
)

// milesPerMeter converts the provider's metric distance into miles.
const milesPerMeter = 1.0 / 1609.344

// Provider is the external maps contract C4 depends on: a distance-matrix
// operation and a geocoding operation. Implemented by *GoogleMapsProvider in
// production and faked in tests.
type Provider interface {
	// DistanceMatrix returns driving miles and seconds between origin and
	// destination. routable=false (with a nil error) means the provider
	// understood the request but found no drivable route.
	DistanceMatrix(ctx context.Context, origin, destination string) (miles decimal.Decimal, seconds int64, routable bool, err error)
	// Geocode resolves address to a (lat, lng) pair.
	Geocode(ctx context.Context, address string) (lat, lng float64, err error)
}

// GoogleMapsProvider implements Provider against the Google Maps Distance
// Matrix and Geocoding APIs.
type GoogleMapsProvider struct {
	client *gmaps.Client
}

// NewGoogleMapsProvider builds a provider from an API key.
func NewGoogleMapsProvider(apiKey string) (*GoogleMapsProvider, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("distance: building maps client: %w", err)
	}
	return &GoogleMapsProvider{client: client}, nil
}

// DistanceMatrix calls the Distance Matrix API in driving mode.
func (p *GoogleMapsProvider) DistanceMatrix(ctx context.Context, origin, destination string) (decimal.Decimal, int64, bool, error) {
	resp, err := p.client.DistanceMatrix(ctx, &gmaps.DistanceMatrixRequest{
		Origins:      []string{origin},
		Destinations: []string{destination},
		Mode:         gmaps.TravelModeDriving,
	})
	if err != nil {
		return decimal.Zero, 0, false, err
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return decimal.Zero, 0, false, nil
	}

	el := resp.Rows[0].Elements[0]
	switch el.Status {
	case "OK":
		miles := decimal.NewFromFloat(float64(el.Distance.Meters) * milesPerMeter).Round(1)
		return miles, int64(el.Duration.Seconds()), true, nil
	case "NOT_FOUND", "ZERO_RESULTS":
		return decimal.Zero, 0, false, nil
	default:
		return decimal.Zero, 0, false, fmt.Errorf("distance matrix: element status %s", el.Status)
	}
}

// Geocode calls the Geocoding API and returns the first result's coordinates.
func (p *GoogleMapsProvider) Geocode(ctx context.Context, address string) (float64, float64, error) {
	results, err := p.client.Geocode(ctx, &gmaps.GeocodingRequest{Address: address})
	if err != nil {
		return 0, 0, err
	}
	if len(results) == 0 {
		return 0, 0, errors.New("distance: geocoding returned no results")
	}
	loc := results[0].Geometry.Location
	return loc.Lat, loc.Lng, nil
}
