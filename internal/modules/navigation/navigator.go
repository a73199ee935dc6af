// README: Navigation capability: native turn-by-turn guidance or handoff to an external maps app.
package navigation

import (
	"fmt"
	"net/url"
	"strconv"
	"sync"

	"coursier/internal/geo"
	"coursier/internal/modules/route"
	"coursier/internal/types"
)

const (
	KindNative  = "native"
	KindHandoff = "handoff"
)

type EventKind string

const (
	EventProgress EventKind = "progress"
	EventArrival  EventKind = "arrival"
)

type Event struct {
	OrderID         types.ID
	Kind            EventKind
	RemainingMeters float64
	Progress        float64
}

// Guidance tells the driver app how the trip is being guided.
type Guidance struct {
	Mode string `json:"mode"`
	URL  string `json:"url,omitempty"`
}

// Navigator is what the driver session needs from a guidance backend:
// progress and a one-shot arrival per order.
type Navigator interface {
	Start(orderID types.ID, r *route.Route, destination types.Point) Guidance
	Update(pos types.Point) []Event
	ReportArrival(orderID types.ID) []Event
	Stop(orderID types.ID)
	Reset()
}

// New picks the implementation named by kind.
func New(kind string, arrivalRadiusM float64) (Navigator, error) {
	switch kind {
	case "", KindNative:
		return NewNative(arrivalRadiusM), nil
	case KindHandoff:
		return NewHandoff(), nil
	default:
		return nil, fmt.Errorf("unknown navigator %q", kind)
	}
}

type trip struct {
	path        []types.Point
	destination types.Point
	totalM      float64
	arrived     bool
}

// Native guides along the planned route itself.
type Native struct {
	radius float64

	mu    sync.Mutex
	trips map[types.ID]*trip
}

func NewNative(arrivalRadiusM float64) *Native {
	if arrivalRadiusM <= 0 {
		arrivalRadiusM = 80
	}
	return &Native{radius: arrivalRadiusM, trips: make(map[types.ID]*trip)}
}

func (n *Native) Start(orderID types.ID, r *route.Route, destination types.Point) Guidance {
	t := &trip{destination: destination}
	if r != nil && len(r.Coordinates) >= 2 {
		t.path = append([]types.Point(nil), r.Coordinates...)
		t.totalM = geo.PathLengthKm(t.path) * 1000
	}
	n.mu.Lock()
	n.trips[orderID] = t
	n.mu.Unlock()
	return Guidance{Mode: KindNative}
}

// Update emits progress for every active trip and arrival once the driver
// is within the arrival radius of a destination.
func (n *Native) Update(pos types.Point) []Event {
	if !pos.Valid() {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	var events []Event
	for id, t := range n.trips {
		if t.arrived {
			continue
		}
		remaining := t.remaining(pos)
		ev := Event{OrderID: id, Kind: EventProgress, RemainingMeters: remaining, Progress: progress(remaining, t.totalM)}
		events = append(events, ev)
		if geo.HaversineMeters(pos, t.destination) <= n.radius {
			t.arrived = true
			events = append(events, Event{OrderID: id, Kind: EventArrival, Progress: 1})
		}
	}
	return events
}

func (n *Native) ReportArrival(orderID types.ID) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return reportArrival(n.trips, orderID)
}

func (n *Native) Stop(orderID types.ID) {
	n.mu.Lock()
	delete(n.trips, orderID)
	n.mu.Unlock()
}

func (n *Native) Reset() {
	n.mu.Lock()
	n.trips = make(map[types.ID]*trip)
	n.mu.Unlock()
}

// remaining is the distance to the nearest route vertex plus the route
// length after it; without a route it is the straight distance.
func (t *trip) remaining(pos types.Point) float64 {
	if len(t.path) == 0 {
		return geo.HaversineMeters(pos, t.destination)
	}
	nearest, best := 0, geo.HaversineMeters(pos, t.path[0])
	for i := 1; i < len(t.path); i++ {
		if d := geo.HaversineMeters(pos, t.path[i]); d < best {
			nearest, best = i, d
		}
	}
	return best + geo.PathLengthKm(t.path[nearest:])*1000
}

func progress(remaining, total float64) float64 {
	if total <= 0 {
		return 0
	}
	p := 1 - remaining/total
	if p < 0 {
		return 0
	}
	if p > 1 {
		return 1
	}
	return p
}

func reportArrival(trips map[types.ID]*trip, orderID types.ID) []Event {
	t, ok := trips[orderID]
	if !ok || t.arrived {
		return nil
	}
	t.arrived = true
	return []Event{{OrderID: orderID, Kind: EventArrival, Progress: 1}}
}

// Handoff opens the destination in an external maps app. It never sees the
// driver's progress; arrival comes only from ReportArrival.
type Handoff struct {
	mu    sync.Mutex
	trips map[types.ID]*trip
}

func NewHandoff() *Handoff {
	return &Handoff{trips: make(map[types.ID]*trip)}
}

func (h *Handoff) Start(orderID types.ID, _ *route.Route, destination types.Point) Guidance {
	h.mu.Lock()
	h.trips[orderID] = &trip{destination: destination}
	h.mu.Unlock()
	return Guidance{Mode: KindHandoff, URL: DirectionsURL(destination)}
}

func (h *Handoff) Update(types.Point) []Event { return nil }

func (h *Handoff) ReportArrival(orderID types.ID) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return reportArrival(h.trips, orderID)
}

func (h *Handoff) Stop(orderID types.ID) {
	h.mu.Lock()
	delete(h.trips, orderID)
	h.mu.Unlock()
}

func (h *Handoff) Reset() {
	h.mu.Lock()
	h.trips = make(map[types.ID]*trip)
	h.mu.Unlock()
}

// DirectionsURL is a universal Google Maps driving link to destination.
func DirectionsURL(destination types.Point) string {
	q := url.Values{}
	q.Set("api", "1")
	q.Set("destination", strconv.FormatFloat(destination.Lat, 'f', 6, 64)+","+strconv.FormatFloat(destination.Lng, 'f', 6, 64))
	q.Set("travelmode", "driving")
	return "https://www.google.com/maps/dir/?" + q.Encode()
}
