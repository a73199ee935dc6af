// README: Route planning: fetch once per origin/destination, fall back to a straight line, simplify and anchor.
package route

import (
	"context"
	"errors"
	"log/slog"

	"coursier/internal/geo"
	"coursier/internal/logging"
	"coursier/internal/types"
)

var (
	ErrRouteUnavailable = errors.New("route unavailable")
	ErrBadRequest       = errors.New("bad request")
)

// Provider fetches driving geometry between two points.
type Provider interface {
	FetchRoute(ctx context.Context, origin, destination types.Point) (*Route, error)
}

type Route struct {
	Coordinates []types.Point `json:"coordinates"`
	DurationSec float64       `json:"duration_sec"`
	DistanceM   float64       `json:"distance_m"`
	Fallback    bool          `json:"fallback"`
}

// Cache stores planned routes per origin/destination pair.
type Cache interface {
	Get(ctx context.Context, origin, destination types.Point) (*Route, bool)
	Set(ctx context.Context, origin, destination types.Point, r *Route)
}

type Options struct {
	Cache        Cache
	ToleranceDeg float64
	Logger       *slog.Logger
}

type Service struct {
	provider  Provider
	cache     Cache
	tolerance float64
	log       *slog.Logger
}

// NewService accepts a nil provider; every plan is then a straight line.
func NewService(provider Provider, opts Options) *Service {
	if opts.ToleranceDeg <= 0 {
		opts.ToleranceDeg = DefaultToleranceDeg
	}
	return &Service{
		provider:  provider,
		cache:     opts.Cache,
		tolerance: opts.ToleranceDeg,
		log:       logging.OrNop(opts.Logger),
	}
}

// Plan returns the route to draw from origin to destination. Provider
// failures never surface: the result is then the straight line
// [origin, destination] with Fallback set.
func (s *Service) Plan(ctx context.Context, origin, destination types.Point) (*Route, error) {
	if !origin.Valid() || !destination.Valid() {
		return nil, ErrBadRequest
	}
	if s.cache != nil {
		if r, ok := s.cache.Get(ctx, origin, destination); ok {
			return r, nil
		}
	}

	fetched, err := s.fetch(ctx, origin, destination)
	if err != nil {
		s.log.Warn("route provider failed, drawing straight line",
			"origin", origin, "destination", destination, "error", err)
		return StraightLine(origin, destination), nil
	}

	r := &Route{
		Coordinates: AnchorEndpoints(Simplify(fetched.Coordinates, s.tolerance), &origin, &destination),
		DurationSec: fetched.DurationSec,
		DistanceM:   fetched.DistanceM,
	}
	if s.cache != nil {
		s.cache.Set(ctx, origin, destination, r)
	}
	return r, nil
}

func (s *Service) fetch(ctx context.Context, origin, destination types.Point) (*Route, error) {
	if s.provider == nil {
		return nil, ErrRouteUnavailable
	}
	r, err := s.provider.FetchRoute(ctx, origin, destination)
	if err != nil {
		return nil, errors.Join(ErrRouteUnavailable, err)
	}
	if r == nil || len(r.Coordinates) < 2 {
		return nil, ErrRouteUnavailable
	}
	return r, nil
}

// StraightLine is the fallback route between two points.
func StraightLine(origin, destination types.Point) *Route {
	return &Route{
		Coordinates: []types.Point{origin, destination},
		DistanceM:   geo.HaversineMeters(origin, destination),
		Fallback:    true,
	}
}
