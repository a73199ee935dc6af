// README: Delivery order aggregate, status definitions and the transition table.
package order

import (
	"time"

	"coursier/internal/transport"
	"coursier/internal/types"
)

type Status string

const (
	StatusNone       Status = "none"
	StatusPending    Status = "pending"
	StatusAccepted   Status = "accepted"
	StatusEnroute    Status = "enroute"
	StatusPickedUp   Status = "picked_up"
	StatusDelivering Status = "delivering"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusDeclined   Status = "declined"
)

type DeliveryMethod string

const (
	MethodMoto     DeliveryMethod = "moto"
	MethodVehicule DeliveryMethod = "vehicule"
	MethodCargo    DeliveryMethod = "cargo"
)

// Actor is who asked for a transition.
type Actor string

const (
	ActorDriver     Actor = "driver"
	ActorAdmin      Actor = "admin"
	ActorSystem     Actor = "system"
	ActorNavigation Actor = "navigation"
)

// Leg names the stop a driver is heading to.
type Leg string

const (
	LegPickup  Leg = "pickup"
	LegDropoff Leg = "dropoff"
)

// Stop is a pickup or dropoff. Coordinates are nil for phone and B2B orders
// entered without GPS.
type Stop struct {
	Address     string
	Coordinates *types.Point
}

// Located reports whether the stop has usable coordinates.
func (s Stop) Located() bool {
	return s.Coordinates != nil && s.Coordinates.Valid()
}

type Order struct {
	ID             types.ID
	UserID         types.ID
	DriverID       *types.ID
	Status         Status
	StatusVersion  int
	Pickup         Stop
	Dropoff        Stop
	DeliveryMethod DeliveryMethod
	Price          types.Money
	DistanceKm     float64
	CreatedAt      time.Time
	OfferExpiresAt *time.Time
	AcceptedAt     *time.Time
	DepartedAt     *time.Time
	PickedUpAt     *time.Time
	CompletedAt    *time.Time
	CancelledAt    *time.Time
	CancelReason   *string
}

// StopFor returns the stop the given leg heads to.
func (o *Order) StopFor(leg Leg) Stop {
	if leg == LegDropoff {
		return o.Dropoff
	}
	return o.Pickup
}

// ActiveLeg is the leg whose zone matters in the current status; ok is false
// when no zone applies.
func (o *Order) ActiveLeg() (Leg, bool) {
	switch o.Status {
	case StatusAccepted, StatusEnroute:
		return LegPickup, true
	case StatusPickedUp, StatusDelivering:
		return LegDropoff, true
	default:
		return "", false
	}
}

type Event struct {
	ID         int64
	OrderID    types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  string
	ActorID    *types.ID
	CreatedAt  time.Time
}

// AllowedTransitions represents the order state flow (diagram) as code.
var AllowedTransitions = map[Status][]Status{
	StatusPending:    {StatusAccepted, StatusDeclined, StatusCancelled},
	StatusAccepted:   {StatusEnroute, StatusCancelled},
	StatusEnroute:    {StatusPickedUp, StatusCancelled},
	StatusPickedUp:   {StatusDelivering, StatusCancelled},
	StatusDelivering: {StatusCompleted, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeclined
}

// ParseStatus accepts the wire names of the statuses.
func ParseStatus(v string) (Status, bool) {
	s := Status(v)
	switch s {
	case StatusPending, StatusAccepted, StatusEnroute, StatusPickedUp,
		StatusDelivering, StatusCompleted, StatusCancelled, StatusDeclined:
		return s, true
	}
	return "", false
}

// FromOffer builds a pending order from an inbound offer.
func FromOffer(offer transport.OrderOffer) *Order {
	p := offer.Order
	o := &Order{
		ID:             p.ID,
		UserID:         p.UserID,
		Status:         StatusPending,
		Pickup:         Stop{Address: p.Pickup.Address, Coordinates: p.Pickup.Coordinates},
		Dropoff:        Stop{Address: p.Dropoff.Address, Coordinates: p.Dropoff.Coordinates},
		DeliveryMethod: DeliveryMethod(p.DeliveryMethod),
		Price:          types.FCFA(p.Price),
		DistanceKm:     p.DistanceKm,
	}
	if offer.DriverID != "" {
		d := offer.DriverID
		o.DriverID = &d
	}
	if !offer.ExpiresAt.IsZero() {
		exp := offer.ExpiresAt
		o.OfferExpiresAt = &exp
	}
	return o
}

// Payload renders the order as it is sent to the driver app.
func (o *Order) Payload() transport.OfferPayload {
	return transport.OfferPayload{
		ID:             o.ID,
		UserID:         o.UserID,
		Pickup:         transport.StopPayload{Address: o.Pickup.Address, Coordinates: o.Pickup.Coordinates},
		Dropoff:        transport.StopPayload{Address: o.Dropoff.Address, Coordinates: o.Dropoff.Coordinates},
		DeliveryMethod: string(o.DeliveryMethod),
		Price:          o.Price.Amount,
		DistanceKm:     o.DistanceKm,
	}
}
