// README: Geofence engine: one-shot entry/exit events around the active stop of each order.
package geofence

import (
	"sync"

	"coursier/internal/geo"
	"coursier/internal/modules/order"
	"coursier/internal/types"
)

// DefaultRadiusMeters is the arrival radius around a stop.
const DefaultRadiusMeters = 80.0

type Event string

const (
	EventNone    Event = "none"
	EventEntered Event = "entered"
	EventExited  Event = "exited"
)

// Zone is the circle around the stop an order is heading to. Announced is
// set on entry and cleared on exit, so loitering inside fires nothing.
type Zone struct {
	Kind         order.Leg
	Center       types.Point
	RadiusMeters float64
	Announced    bool
}

// Result of one evaluation. Kind is empty when no zone is active.
type Result struct {
	Kind           order.Leg
	Event          Event
	DistanceMeters float64
}

type tracked struct {
	status order.Status
	zone   *Zone
}

// Engine keeps zone state per order id. It is safe for concurrent use.
type Engine struct {
	radius float64

	mu     sync.Mutex
	orders map[types.ID]*tracked
}

func NewEngine(radiusMeters float64) *Engine {
	if radiusMeters <= 0 {
		radiusMeters = DefaultRadiusMeters
	}
	return &Engine{radius: radiusMeters, orders: make(map[types.ID]*tracked)}
}

func (e *Engine) RadiusMeters() float64 { return e.radius }

// Evaluate checks one driver position against the active zone of o.
// The pickup zone is evaluated only once the driver is enroute; missing
// coordinates or a malformed position never raise an event.
func (e *Engine) Evaluate(pos types.Point, o *order.Order) Result {
	none := Result{Event: EventNone}
	if o == nil || o.ID == "" {
		return none
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.sync(o)
	if t.zone == nil || o.Status == order.StatusAccepted || !pos.Valid() {
		return none
	}

	z := t.zone
	d := geo.HaversineMeters(pos, z.Center)
	res := Result{Kind: z.Kind, Event: EventNone, DistanceMeters: d}
	switch {
	case d <= z.RadiusMeters && !z.Announced:
		z.Announced = true
		res.Event = EventEntered
	case d > z.RadiusMeters && z.Announced:
		z.Announced = false
		res.Event = EventExited
	}
	return res
}

// sync rebuilds the zone whenever the tracked status differs from o.
func (e *Engine) sync(o *order.Order) *tracked {
	t, ok := e.orders[o.ID]
	if ok && t.status == o.Status {
		return t
	}
	t = &tracked{status: o.Status}
	if leg, active := o.ActiveLeg(); active {
		if stop := o.StopFor(leg); stop.Located() {
			t.zone = &Zone{Kind: leg, Center: *stop.Coordinates, RadiusMeters: e.radius}
		}
	}
	e.orders[o.ID] = t
	return t
}

// Zone returns a copy of the active zone of an order.
func (e *Engine) Zone(orderID types.ID) (Zone, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.orders[orderID]
	if !ok || t.zone == nil {
		return Zone{}, false
	}
	return *t.zone, true
}

func (e *Engine) Release(orderID types.ID) {
	e.mu.Lock()
	delete(e.orders, orderID)
	e.mu.Unlock()
}

// Reset drops every order's zone state.
func (e *Engine) Reset() {
	e.mu.Lock()
	e.orders = make(map[types.ID]*tracked)
	e.mu.Unlock()
}
