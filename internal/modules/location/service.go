// README: Location service records broadcast positions in the GEO index and snapshot log.
package location

import (
	"context"
	"errors"
	"time"

	"coursier/internal/types"
)

// Repository is implemented by Store.
type Repository interface {
	SetGeo(ctx context.Context, driverID types.ID, pos types.Point) error
	GetGeo(ctx context.Context, driverID types.ID) (types.Point, error)
	RemoveGeo(ctx context.Context, driverID types.ID) error
	Nearby(ctx context.Context, center types.Point, radiusM float64, limit int) ([]types.ID, error)
	AppendSnapshot(ctx context.Context, snap Snapshot) error
}

type Service struct {
	store Repository
}

func NewService(store Repository) *Service {
	return &Service{store: store}
}

type Update struct {
	DriverID types.ID
	OrderID  types.ID
	Sample   Sample
}

// Record stores an emitted sample. Malformed positions are ignored.
func (s *Service) Record(ctx context.Context, u Update) error {
	if u.DriverID == "" || !u.Sample.Point.Valid() {
		return nil
	}
	if err := s.store.SetGeo(ctx, u.DriverID, u.Sample.Point); err != nil {
		return err
	}
	snap := Snapshot{
		DriverID:   u.DriverID,
		Position:   u.Sample.Point,
		RecordedAt: sampleTime(u.Sample),
	}
	if u.OrderID != "" {
		id := u.OrderID
		snap.OrderID = &id
	}
	return s.store.AppendSnapshot(ctx, snap)
}

// Last returns the last recorded position of a driver; ok is false when
// none is known.
func (s *Service) Last(ctx context.Context, driverID types.ID) (types.Point, bool, error) {
	p, err := s.store.GetGeo(ctx, driverID)
	if errors.Is(err, ErrNoPosition) {
		return types.Point{}, false, nil
	}
	if err != nil {
		return types.Point{}, false, err
	}
	return p, true, nil
}

// Forget removes a driver from the GEO index when they go offline.
func (s *Service) Forget(ctx context.Context, driverID types.ID) error {
	return s.store.RemoveGeo(ctx, driverID)
}

func (s *Service) Nearby(ctx context.Context, center types.Point, radiusM float64, limit int) ([]types.ID, error) {
	if limit <= 0 {
		limit = 20
	}
	return s.store.Nearby(ctx, center, radiusM, limit)
}

func sampleTime(s Sample) time.Time {
	if s.TimestampMs <= 0 {
		return time.Now()
	}
	return time.UnixMilli(s.TimestampMs)
}
