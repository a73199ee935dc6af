// README: Order store backed by PostgreSQL.
package order

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"coursier/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Create inserts a new order and reports false when the id already exists.
func (s *Store) Create(ctx context.Context, o *Order) (bool, error) {
	pickLat, pickLng := coords(o.Pickup)
	dropLat, dropLng := coords(o.Dropoff)
	tag, err := s.db.Exec(ctx, `
        INSERT INTO orders (
            id, user_id, driver_id, status, status_version,
            pickup_address, pickup_lat, pickup_lng,
            dropoff_address, dropoff_lat, dropoff_lng,
            delivery_method, price, currency, distance_km,
            created_at, offer_expires_at
        ) VALUES (
            $1, $2, $3, $4, $5,
            $6, $7, $8,
            $9, $10, $11,
            $12, $13, $14, $15,
            $16, $17
        )
        ON CONFLICT (id) DO NOTHING`,
		string(o.ID),
		string(o.UserID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		o.Pickup.Address, pickLat, pickLng,
		o.Dropoff.Address, dropLat, dropLng,
		string(o.DeliveryMethod),
		o.Price.Amount,
		o.Price.Currency,
		o.DistanceKm,
		o.CreatedAt,
		o.OfferExpiresAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	row := s.db.QueryRow(ctx, `
        SELECT id, user_id, driver_id, status, status_version,
               pickup_address, pickup_lat, pickup_lng,
               dropoff_address, dropoff_lat, dropoff_lng,
               delivery_method, price, currency, distance_km,
               created_at, offer_expires_at, accepted_at, departed_at,
               picked_up_at, completed_at, cancelled_at, cancellation_reason
        FROM orders
        WHERE id = $1`, string(id),
	)

	var o Order
	var driverID *string
	var pickLat, pickLng, dropLat, dropLng *float64

	err := row.Scan(
		&o.ID, &o.UserID, &driverID, &o.Status, &o.StatusVersion,
		&o.Pickup.Address, &pickLat, &pickLng,
		&o.Dropoff.Address, &dropLat, &dropLng,
		&o.DeliveryMethod, &o.Price.Amount, &o.Price.Currency, &o.DistanceKm,
		&o.CreatedAt, &o.OfferExpiresAt, &o.AcceptedAt, &o.DepartedAt,
		&o.PickedUpAt, &o.CompletedAt, &o.CancelledAt, &o.CancelReason,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	o.Pickup.Coordinates = toPoint(pickLat, pickLng)
	o.Dropoff.Coordinates = toPoint(dropLat, dropLng)
	if o.Price.Currency == "" {
		o.Price.Currency = types.CurrencyXOF
	}
	return &o, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID, reason *string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = $1,
            status_version = status_version + 1,
            driver_id = COALESCE($2, driver_id),
            cancellation_reason = COALESCE($3, cancellation_reason),
            accepted_at = CASE WHEN $1 = 'accepted' THEN NOW() ELSE accepted_at END,
            departed_at = CASE WHEN $1 = 'enroute' THEN NOW() ELSE departed_at END,
            picked_up_at = CASE WHEN $1 = 'picked_up' THEN NOW() ELSE picked_up_at END,
            completed_at = CASE WHEN $1 = 'completed' THEN NOW() ELSE completed_at END,
            cancelled_at = CASE WHEN $1 IN ('cancelled','declined') THEN NOW() ELSE cancelled_at END
        WHERE id = $4 AND status = $5 AND status_version = $6`,
		string(to),
		toStringPtr(driverID),
		reason,
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO order_state_events (
            order_id, from_status, to_status, actor_type, actor_id, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		e.ActorType,
		toStringPtr(e.ActorID),
		e.CreatedAt,
	)
	return err
}

// ListExpiredOffers returns pending orders whose offer window has closed.
func (s *Store) ListExpiredOffers(ctx context.Context, now time.Time) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id FROM orders
        WHERE status = 'pending'
          AND offer_expires_at IS NOT NULL
          AND offer_expires_at <= $1
        ORDER BY offer_expires_at
        LIMIT 200`, now,
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(ids))
	for i, id := range ids {
		out[i] = types.ID(id)
	}
	return out, nil
}

func coords(s Stop) (*float64, *float64) {
	if !s.Located() {
		return nil, nil
	}
	lat, lng := s.Coordinates.Lat, s.Coordinates.Lng
	return &lat, &lng
}

func toPoint(lat, lng *float64) *types.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
