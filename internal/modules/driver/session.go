// README: Driver session: the per-driver event loop tying location samples to geofence, throttle, navigation and order transitions.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"coursier/internal/logging"
	"coursier/internal/metrics"
	"coursier/internal/modules/geofence"
	"coursier/internal/modules/location"
	"coursier/internal/modules/navigation"
	"coursier/internal/modules/order"
	"coursier/internal/modules/route"
	"coursier/internal/transport"
	"coursier/internal/types"
)

var (
	ErrOffline       = errors.New("driver is offline")
	ErrInvalidSample = errors.New("invalid location sample")
	ErrNotTracked    = errors.New("order not assigned to this driver")
	ErrOfferExpired  = errors.New("offer window already closed")
)

// Orders is the slice of the order controller a session drives.
type Orders interface {
	Get(ctx context.Context, id types.ID) (*order.Order, error)
	Offer(ctx context.Context, o *order.Order, window time.Duration) (*order.Order, bool, error)
	RequestTransition(ctx context.Context, req order.TransitionRequest) (*order.Result, error)
	MarkArrival(orderID types.ID, leg order.Leg)
	Release(orderID types.ID)
}

type Locations interface {
	Record(ctx context.Context, u location.Update) error
	Forget(ctx context.Context, driverID types.ID) error
}

type nopLocations struct{}

func (nopLocations) Record(context.Context, location.Update) error { return nil }
func (nopLocations) Forget(context.Context, types.ID) error        { return nil }

type Planner interface {
	Plan(ctx context.Context, origin, destination types.Point) (*route.Route, error)
}

type Config struct {
	GeofenceRadiusM float64
	Throttle        location.Policy
	Navigator       string
	Animation       route.AnimationConfig
	FrameInterval   time.Duration
	Heartbeat       time.Duration
	AutoComplete    bool
	OfferWindow     time.Duration
}

// Deps are shared by every session of a registry.
type Deps struct {
	Orders    Orders
	Locations Locations
	Planner   Planner
	Publisher transport.Publisher
	Notifier  transport.OfferNotifier
	Metrics   *metrics.Engine
	Logger    *slog.Logger
	// OnRouteFrame receives each animation frame of the route to the
	// active stop.
	OnRouteFrame func(driverID, orderID types.ID, frame []types.Point)
	Config       Config
}

type Session struct {
	driverID  types.ID
	deps      Deps
	log       *slog.Logger
	geofence  *geofence.Engine
	throttle  *location.Throttle
	navigator navigation.Navigator
	animator  *route.Animator

	mu              sync.Mutex
	online          bool
	tracked         map[types.ID]*order.Order
	guidance        map[types.ID]navigation.Guidance
	animations      map[types.ID]func()
	lastPos         *types.Point
	cancelHeartbeat context.CancelFunc
}

func NewSession(driverID types.ID, deps Deps) (*Session, error) {
	nav, err := navigation.New(deps.Config.Navigator, deps.Config.GeofenceRadiusM)
	if err != nil {
		return nil, err
	}
	if deps.Publisher == nil {
		deps.Publisher = transport.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = transport.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if deps.Locations == nil {
		deps.Locations = nopLocations{}
	}
	policy := deps.Config.Throttle
	if policy.MinInterval <= 0 && policy.MinDistanceM <= 0 {
		policy = location.DefaultPolicy()
	}
	anim := deps.Config.Animation
	if anim.Max <= 0 {
		anim = route.DefaultAnimationConfig()
	}
	log := logging.OrNop(deps.Logger).With("driver_id", driverID)
	return &Session{
		driverID:   driverID,
		deps:       deps,
		log:        log,
		geofence:   geofence.NewEngine(deps.Config.GeofenceRadiusM),
		throttle:   location.NewThrottle(policy),
		navigator:  nav,
		animator:   route.NewAnimator(anim, deps.Config.FrameInterval),
		tracked:    make(map[types.ID]*order.Order),
		guidance:   make(map[types.ID]navigation.Guidance),
		animations: make(map[types.ID]func()),
	}, nil
}

func (s *Session) DriverID() types.ID { return s.driverID }

func (s *Session) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// GoOnline starts the heartbeat loop and resumes guidance for orders kept
// while offline. It is a no-op when already online.
func (s *Session) GoOnline(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online {
		return
	}
	s.online = true
	for _, id := range s.trackedIDs() {
		s.startLeg(ctx, s.tracked[id])
	}
	if s.deps.Config.Heartbeat > 0 {
		hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.cancelHeartbeat = cancel
		go s.RunHeartbeat(hbCtx)
	}
	s.log.Info("driver online")
}

// GoOffline stops the heartbeat and animations and drops all per-order
// geofence, throttle and navigation state. Tracked orders are kept so an
// active delivery resumes when the driver comes back.
func (s *Session) GoOffline(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return
	}
	s.online = false
	if s.cancelHeartbeat != nil {
		s.cancelHeartbeat()
		s.cancelHeartbeat = nil
	}
	s.animator.StopAll()
	clear(s.animations)
	s.geofence.Reset()
	s.throttle.Reset()
	s.navigator.Reset()
	s.lastPos = nil
	if err := s.deps.Locations.Forget(ctx, s.driverID); err != nil {
		s.log.Warn("forget driver position", "error", err)
	}
	s.log.Info("driver offline")
}

// Tracked returns the orders the session currently follows, by id.
func (s *Session) Tracked() []*order.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*order.Order, 0, len(s.tracked))
	for _, id := range s.trackedIDs() {
		cp := *s.tracked[id]
		out = append(out, &cp)
	}
	return out
}

// Guidance returns how the active leg of orderID is being navigated.
func (s *Session) Guidance(orderID types.ID) (navigation.Guidance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.guidance[orderID]
	return g, ok
}

// Track starts following an order assigned to this driver and begins
// guidance to its active stop.
func (s *Session) Track(ctx context.Context, o *order.Order) {
	if o == nil || order.IsTerminal(o.Status) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackLocked(ctx, o)
}

func (s *Session) trackLocked(ctx context.Context, o *order.Order) {
	prev, had := s.tracked[o.ID]
	cp := *o
	s.tracked[o.ID] = &cp
	if had {
		pl, _ := prev.ActiveLeg()
		nl, _ := cp.ActiveLeg()
		if pl == nl {
			return
		}
	}
	s.startLeg(ctx, &cp)
}

// startLeg plans the route to the active stop, starts the navigator on it
// and animates it for the driver app.
func (s *Session) startLeg(ctx context.Context, o *order.Order) {
	s.navigator.Stop(o.ID)
	if cancel, ok := s.animations[o.ID]; ok {
		cancel()
		delete(s.animations, o.ID)
	}
	delete(s.guidance, o.ID)

	leg, ok := o.ActiveLeg()
	if !ok {
		return
	}
	stop := o.StopFor(leg)
	if !stop.Located() {
		return
	}
	dest := *stop.Coordinates

	var r *route.Route
	if s.lastPos != nil && s.deps.Planner != nil {
		planned, err := s.deps.Planner.Plan(ctx, *s.lastPos, dest)
		if err != nil {
			s.log.Warn("plan route", "order_id", o.ID, "error", err)
		} else {
			r = planned
		}
	}
	s.guidance[o.ID] = s.navigator.Start(o.ID, r, dest)

	if r != nil && s.deps.OnRouteFrame != nil {
		orderID, driverID, sink := o.ID, s.driverID, s.deps.OnRouteFrame
		s.animations[o.ID] = s.animator.Animate(string(o.ID), r.Coordinates, func(frame []types.Point) {
			sink(driverID, orderID, frame)
		})
	}
}

func (s *Session) untrackLocked(orderID types.ID) {
	delete(s.tracked, orderID)
	delete(s.guidance, orderID)
	if cancel, ok := s.animations[orderID]; ok {
		cancel()
		delete(s.animations, orderID)
	}
	s.geofence.Release(orderID)
	s.throttle.Release(orderID)
	s.navigator.Stop(orderID)
	s.deps.Orders.Release(orderID)
}

// HandleSample processes one position from the device: geofence arrival,
// throttled broadcast and navigation progress for every tracked order.
func (s *Session) HandleSample(ctx context.Context, sample location.Sample) error {
	if !sample.Point.Valid() {
		return ErrInvalidSample
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.online {
		return ErrOffline
	}
	p := sample.Point
	s.lastPos = &p

	ids := s.trackedIDs()
	if len(ids) == 0 {
		if s.throttle.Offer("", sample) {
			s.record(ctx, "", sample)
		}
		return nil
	}

	for _, id := range ids {
		o := s.tracked[id]
		res := s.geofence.Evaluate(p, o)
		if res.Event != geofence.EventNone {
			s.deps.Metrics.GeofenceEvents.WithLabelValues(string(res.Kind), string(res.Event)).Inc()
			s.log.Info("geofence event", "order_id", id, "zone", res.Kind,
				"event", res.Event, "distance_m", res.DistanceMeters)
		}
		if res.Event == geofence.EventEntered {
			s.deps.Orders.MarkArrival(id, res.Kind)
		}

		if !s.throttle.Offer(id, sample) {
			s.deps.Metrics.LocationSamples.WithLabelValues("suppressed").Inc()
			continue
		}
		s.deps.Metrics.LocationSamples.WithLabelValues("emitted").Inc()
		err := s.deps.Publisher.PublishLocation(ctx, transport.LocationMessage{
			DriverID:  s.driverID,
			OrderID:   id,
			Latitude:  p.Lat,
			Longitude: p.Lng,
			Timestamp: sample.TimestampMs,
		})
		if err != nil {
			s.deps.Metrics.PublishFailures.WithLabelValues("location").Inc()
			s.log.Warn("location not delivered", "order_id", id, "error", err)
		}
		s.record(ctx, id, sample)
	}

	for _, ev := range s.navigator.Update(p) {
		if ev.Kind == navigation.EventArrival {
			s.onNavigationArrival(ctx, ev.OrderID)
		}
	}
	return nil
}

func (s *Session) record(ctx context.Context, orderID types.ID, sample location.Sample) {
	err := s.deps.Locations.Record(ctx, location.Update{DriverID: s.driverID, OrderID: orderID, Sample: sample})
	if err != nil {
		s.log.Warn("record location", "order_id", orderID, "error", err)
	}
}

// ReportArrival is the driver's own "I'm here" from an external navigation
// app.
func (s *Session) ReportArrival(ctx context.Context, orderID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.tracked[orderID]
	if !ok {
		return ErrNotTracked
	}
	if leg, ok := o.ActiveLeg(); !ok || leg != order.LegDropoff {
		return fmt.Errorf("%w: pickup arrival is detected from position", order.ErrArrivalRequired)
	}
	for _, ev := range s.navigator.ReportArrival(orderID) {
		if ev.Kind == navigation.EventArrival {
			s.onNavigationArrival(ctx, ev.OrderID)
		}
	}
	return nil
}

// onNavigationArrival records arrival at the dropoff and, when enabled,
// completes a delivering order on the driver's behalf. Pickup arrival is
// only ever recorded by the geofence.
func (s *Session) onNavigationArrival(ctx context.Context, orderID types.ID) {
	o, ok := s.tracked[orderID]
	if !ok {
		return
	}
	if leg, ok := o.ActiveLeg(); !ok || leg != order.LegDropoff {
		return
	}
	s.deps.Orders.MarkArrival(orderID, order.LegDropoff)
	if !s.deps.Config.AutoComplete || o.Status != order.StatusDelivering {
		return
	}
	_, err := s.transitionLocked(ctx, order.TransitionRequest{
		OrderID: orderID,
		Target:  order.StatusCompleted,
		Actor:   order.ActorNavigation,
	})
	if err != nil {
		s.log.Warn("complete on arrival", "order_id", orderID, "error", err)
	}
}

// Confirm applies a status change requested by the driver.
func (s *Session) Confirm(ctx context.Context, orderID types.ID, target order.Status) (*order.Result, error) {
	return s.Transition(ctx, order.TransitionRequest{
		OrderID: orderID,
		Target:  target,
		Actor:   order.ActorDriver,
	})
}

// Decline refuses an offer before its window closes.
func (s *Session) Decline(ctx context.Context, orderID types.ID, reason string) (*order.Result, error) {
	return s.Transition(ctx, order.TransitionRequest{
		OrderID: orderID,
		Target:  order.StatusDeclined,
		Actor:   order.ActorDriver,
		Reason:  reason,
	})
}

// Transition routes any actor's request for one of this driver's orders
// through the session so its tracking follows the new status.
func (s *Session) Transition(ctx context.Context, req order.TransitionRequest) (*order.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transitionLocked(ctx, req)
}

func (s *Session) transitionLocked(ctx context.Context, req order.TransitionRequest) (*order.Result, error) {
	req.DriverID = s.driverID
	if req.Actor == order.ActorDriver && req.ActorID == nil {
		id := s.driverID
		req.ActorID = &id
	}
	if req.Location == nil && s.lastPos != nil {
		p := *s.lastPos
		req.Location = &p
	}
	res, err := s.deps.Orders.RequestTransition(ctx, req)
	if err != nil {
		return nil, err
	}
	s.follow(ctx, res.Order)
	return res, nil
}

// follow updates tracking after the order changed status.
func (s *Session) follow(ctx context.Context, o *order.Order) {
	if o == nil {
		return
	}
	if order.IsTerminal(o.Status) {
		s.untrackLocked(o.ID)
		return
	}
	if o.Status == order.StatusPending {
		return
	}
	if o.DriverID == nil || *o.DriverID != s.driverID {
		return
	}
	s.trackLocked(ctx, o)
}

// Offer stores an order offered to this driver and pushes it to the app. A
// redelivered offer that is already stored and open is returned without a
// second push.
func (s *Session) Offer(ctx context.Context, o *order.Order, window time.Duration) (*order.Order, error) {
	if o == nil {
		return nil, order.ErrBadRequest
	}
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		return nil, ErrOffline
	}
	if window <= 0 {
		window = s.deps.Config.OfferWindow
	}
	id := s.driverID
	o.DriverID = &id
	stored, created, err := s.deps.Orders.Offer(ctx, o, window)
	if err != nil {
		return nil, err
	}
	if !created {
		return stored, nil
	}
	offer := transport.OrderOffer{DriverID: s.driverID, Order: stored.Payload()}
	if stored.OfferExpiresAt != nil {
		offer.ExpiresAt = *stored.OfferExpiresAt
	}
	if err := s.deps.Notifier.NotifyOffer(ctx, offer); err != nil {
		s.deps.Metrics.PublishFailures.WithLabelValues("offer").Inc()
		s.log.Warn("offer not delivered", "order_id", stored.ID, "error", err)
	}
	return stored, nil
}

// Heartbeat re-reads every tracked order, drops the ones that ended
// elsewhere and re-publishes the status of the rest.
func (s *Session) Heartbeat(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.trackedIDs() {
		o, err := s.deps.Orders.Get(ctx, id)
		if errors.Is(err, order.ErrNotFound) {
			s.untrackLocked(id)
			continue
		}
		if err != nil {
			s.log.Warn("heartbeat refresh", "order_id", id, "error", err)
			continue
		}
		if order.IsTerminal(o.Status) {
			s.untrackLocked(id)
			continue
		}
		s.trackLocked(ctx, o)

		msg := transport.StatusUpdate{OrderID: id, DriverID: s.driverID, Status: string(o.Status), Heartbeat: true}
		if s.lastPos != nil {
			p := *s.lastPos
			msg.Location = &p
		}
		if err := s.deps.Publisher.PublishStatus(ctx, msg); err != nil {
			s.deps.Metrics.PublishFailures.WithLabelValues("heartbeat").Inc()
			s.log.Warn("heartbeat not delivered", "order_id", id, "error", err)
		}
	}
}

func (s *Session) RunHeartbeat(ctx context.Context) {
	interval := s.deps.Config.Heartbeat
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Heartbeat(ctx)
		}
	}
}

func (s *Session) trackedIDs() []types.ID {
	ids := make([]types.ID, 0, len(s.tracked))
	for id := range s.tracked {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
