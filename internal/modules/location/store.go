// README: Location store backed by Redis GEO and Postgres snapshots.
package location

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"coursier/internal/types"
)

const driversGeoKey = "geo:drivers"

var ErrNoPosition = errors.New("no known position")

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

// NewStore accepts a nil db; snapshots are then not persisted.
func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) SetGeo(ctx context.Context, driverID types.ID, pos types.Point) error {
	return s.redis.GeoAdd(ctx, driversGeoKey, &redis.GeoLocation{
		Name:      string(driverID),
		Longitude: pos.Lng,
		Latitude:  pos.Lat,
	}).Err()
}

func (s *Store) GetGeo(ctx context.Context, driverID types.ID) (types.Point, error) {
	res, err := s.redis.GeoPos(ctx, driversGeoKey, string(driverID)).Result()
	if err != nil {
		return types.Point{}, err
	}
	if len(res) == 0 || res[0] == nil {
		return types.Point{}, ErrNoPosition
	}
	return types.Point{Lat: res[0].Latitude, Lng: res[0].Longitude}, nil
}

func (s *Store) RemoveGeo(ctx context.Context, driverID types.ID) error {
	return s.redis.ZRem(ctx, driversGeoKey, string(driverID)).Err()
}

// Nearby lists drivers within radiusM of center, closest first.
func (s *Store) Nearby(ctx context.Context, center types.Point, radiusM float64, limit int) ([]types.ID, error) {
	res, err := s.redis.GeoSearch(ctx, driversGeoKey, &redis.GeoSearchQuery{
		Longitude:  center.Lng,
		Latitude:   center.Lat,
		Radius:     radiusM,
		RadiusUnit: "m",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(res))
	for i, name := range res {
		out[i] = types.ID(name)
	}
	return out, nil
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	if s.db == nil {
		return nil
	}
	var orderID *string
	if snap.OrderID != nil {
		v := string(*snap.OrderID)
		orderID = &v
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO location_snapshots (driver_id, order_id, lat, lng, recorded_at)
        VALUES ($1, $2, $3, $4, $5)`,
		string(snap.DriverID), orderID, snap.Position.Lat, snap.Position.Lng, snap.RecordedAt,
	)
	return err
}
