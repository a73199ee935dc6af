// README: Google Directions route provider for the route planner.
package maps

import (
	"context"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"coursier/internal/modules/route"
	"coursier/internal/types"
)

// directionsClient is the part of *maps.Client the provider uses.
type directionsClient interface {
	Directions(ctx context.Context, r *maps.DirectionsRequest) ([]maps.Route, []maps.GeocodedWaypoint, error)
}

// RouteService fetches driving routes from the Google Directions API.
type RouteService struct {
	client directionsClient
}

var _ route.Provider = (*RouteService)(nil)

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// FetchRoute returns the decoded overview polyline of the first route with
// the summed duration and distance of its legs.
func (s *RouteService) FetchRoute(ctx context.Context, origin, destination types.Point) (*route.Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(origin),
		Destination: latLng(destination),
		Mode:        maps.TravelModeDriving,
		Language:    "fr",
		Region:      "ci",
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 {
		return nil, route.ErrRouteUnavailable
	}

	best := routes[0]
	path, err := best.OverviewPolyline.Decode()
	if err != nil {
		return nil, fmt.Errorf("decode polyline: %w", err)
	}
	out := &route.Route{Coordinates: make([]types.Point, len(path))}
	for i, p := range path {
		out.Coordinates[i] = types.Point{Lat: p.Lat, Lng: p.Lng}
	}
	for _, leg := range best.Legs {
		out.DurationSec += leg.Duration.Seconds()
		out.DistanceM += float64(leg.Distance.Meters)
	}
	return out, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
