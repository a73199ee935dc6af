// README: Order lifecycle controller: guarded, idempotent status transitions with side effects.
package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"coursier/internal/logging"
	"coursier/internal/metrics"
	"coursier/internal/modules/commission"
	"coursier/internal/transport"
	"coursier/internal/types"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("order not found")
	ErrConflict          = errors.New("order state conflict")
	ErrSuspended         = errors.New("driver commission account suspended")
	ErrArrivalRequired   = errors.New("arrival at stop not confirmed")
	ErrBadRequest        = errors.New("bad request")
)

const (
	MinOfferWindow = 25 * time.Second
	MaxOfferWindow = 30 * time.Second
)

// Repository is the persistence the controller needs. Create never overwrites
// and reports whether it inserted. UpdateStatus is an optimistic write
// guarded by (from, version) and reports whether it applied.
type Repository interface {
	Create(ctx context.Context, o *Order) (bool, error)
	Get(ctx context.Context, id types.ID) (*Order, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID, reason *string) (bool, error)
	AppendEvent(ctx context.Context, e *Event) error
	ListExpiredOffers(ctx context.Context, now time.Time) ([]types.ID, error)
}

// Ledger is the slice of the commission ledger the controller calls.
type Ledger interface {
	CanAcceptOrder(ctx context.Context, driverID types.ID) (bool, error)
	PostDeduction(ctx context.Context, cmd commission.DeductionCommand) (*commission.Transaction, error)
}

type TransitionRequest struct {
	OrderID  types.ID
	Target   Status
	Actor    Actor
	ActorID  *types.ID
	DriverID types.ID
	Location *types.Point
	Reason   string
}

// Result of a transition request. Applied is false when the request was
// absorbed as a duplicate. LedgerErr carries a failed deduction on
// completion; the completion itself has committed.
type Result struct {
	Order     *Order
	Applied   bool
	LedgerErr error
}

// orderState is the per-order context: a lock serializing requests, the
// statuses validated by the latest applied request (its target and any
// automatic follow-on), and arrivals recorded for the current status.
type orderState struct {
	mu        sync.Mutex
	validated map[Status]bool
	arrived   map[Leg]bool
}

type Options struct {
	Ledger      Ledger
	Publisher   transport.Publisher
	Metrics     *metrics.Engine
	Logger      *slog.Logger
	AutoDepart  bool
	OfferWindow time.Duration
	ExpiryTick  time.Duration
}

type Service struct {
	store       Repository
	ledger      Ledger
	publisher   transport.Publisher
	metrics     *metrics.Engine
	log         *slog.Logger
	autoDepart  bool
	offerWindow time.Duration
	expiryTick  time.Duration
	now         func() time.Time

	mu     sync.Mutex
	orders map[types.ID]*orderState
}

func NewService(store Repository, opts Options) *Service {
	if opts.Publisher == nil {
		opts.Publisher = transport.Nop{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop()
	}
	if opts.ExpiryTick <= 0 {
		opts.ExpiryTick = time.Second
	}
	return &Service{
		store:       store,
		ledger:      opts.Ledger,
		publisher:   opts.Publisher,
		metrics:     opts.Metrics,
		log:         logging.OrNop(opts.Logger),
		autoDepart:  opts.AutoDepart,
		offerWindow: ClampOfferWindow(opts.OfferWindow),
		expiryTick:  opts.ExpiryTick,
		now:         time.Now,
		orders:      make(map[types.ID]*orderState),
	}
}

// ClampOfferWindow keeps an offer window inside the 25-30 s auto-decline range.
func ClampOfferWindow(d time.Duration) time.Duration {
	if d < MinOfferWindow {
		return MinOfferWindow
	}
	if d > MaxOfferWindow {
		return MaxOfferWindow
	}
	return d
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Order, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) CurrentStatus(ctx context.Context, id types.ID) (Status, error) {
	o, err := s.store.Get(ctx, id)
	if err != nil {
		return StatusNone, err
	}
	return o.Status, nil
}

// Offer stores a pending order offered to a driver. The window is clamped;
// a zero window uses the configured default. created is false when the same
// offer is already stored and still open; the stored order is returned and
// nothing is written. An id already used by any other order is ErrConflict.
func (s *Service) Offer(ctx context.Context, o *Order, window time.Duration) (stored *Order, created bool, err error) {
	if o == nil || o.ID == "" {
		return nil, false, ErrBadRequest
	}
	if window <= 0 {
		window = s.offerWindow
	}
	now := s.now()
	exp := now.Add(ClampOfferWindow(window))
	o.Status = StatusPending
	o.StatusVersion = 0
	o.OfferExpiresAt = &exp
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.Price.Currency == "" {
		o.Price.Currency = types.CurrencyXOF
	}
	inserted, err := s.store.Create(ctx, o)
	if err != nil {
		return nil, false, err
	}
	if !inserted {
		cur, err := s.store.Get(ctx, o.ID)
		if err != nil {
			return nil, false, err
		}
		if !sameOpenOffer(cur, o, now) {
			return nil, false, fmt.Errorf("%w: order %s already exists as %s", ErrConflict, o.ID, cur.Status)
		}
		return cur, false, nil
	}
	s.appendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: StatusNone,
		ToStatus:   StatusPending,
		ActorType:  string(ActorSystem),
		CreatedAt:  now,
	})
	return o, true, nil
}

// sameOpenOffer reports whether cur is still the pending offer of o to the
// same driver.
func sameOpenOffer(cur, o *Order, now time.Time) bool {
	if cur.Status != StatusPending || cur.OfferExpiresAt == nil || !cur.OfferExpiresAt.After(now) {
		return false
	}
	if (cur.DriverID == nil) != (o.DriverID == nil) {
		return false
	}
	return cur.DriverID == nil || *cur.DriverID == *o.DriverID
}

// MarkArrival records that the driver reached the stop of leg. The flag
// unlocks the matching confirmation and stays set until the status changes.
func (s *Service) MarkArrival(orderID types.ID, leg Leg) {
	st := s.state(orderID)
	st.mu.Lock()
	st.arrived[leg] = true
	st.mu.Unlock()
}

// Arrived reports whether arrival at leg is recorded for the current status.
func (s *Service) Arrived(orderID types.ID, leg Leg) bool {
	s.mu.Lock()
	st, ok := s.orders[orderID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.arrived[leg]
}

// Release forgets the per-order context once the order leaves the driver.
func (s *Service) Release(orderID types.ID) {
	s.mu.Lock()
	delete(s.orders, orderID)
	s.mu.Unlock()
}

// RequestTransition applies one status change. Requests for the same order
// are serialized; a repeated target is absorbed without side effects.
func (s *Service) RequestTransition(ctx context.Context, req TransitionRequest) (*Result, error) {
	if req.OrderID == "" || req.Target == "" {
		return nil, ErrBadRequest
	}
	if req.Actor == "" {
		req.Actor = ActorDriver
	}
	st := s.state(req.OrderID)
	st.mu.Lock()
	defer st.mu.Unlock()

	res, err := s.transition(ctx, st, req, false)
	if err != nil || !res.Applied {
		return res, err
	}

	var follow Status
	switch res.Order.Status {
	case StatusPickedUp:
		follow = StatusDelivering
	case StatusAccepted:
		if s.autoDepart {
			follow = StatusEnroute
		}
	}
	if follow == "" {
		return res, nil
	}
	next, err := s.transition(ctx, st, TransitionRequest{
		OrderID:  req.OrderID,
		Target:   follow,
		Actor:    ActorSystem,
		Location: req.Location,
	}, true)
	if err != nil {
		s.log.Warn("automatic follow-on transition failed",
			"order_id", req.OrderID, "target", follow, "error", err)
		return res, nil
	}
	res.Order = next.Order
	return res, nil
}

func (s *Service) transition(ctx context.Context, st *orderState, req TransitionRequest, followOn bool) (*Result, error) {
	o, err := s.store.Get(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if heldByOther(o, req) {
		return nil, fmt.Errorf("%w: order held by another driver", ErrConflict)
	}
	if st.validated[req.Target] || o.Status == req.Target {
		st.validated[req.Target] = true
		return &Result{Order: o, Applied: false}, nil
	}
	if !CanTransition(o.Status, req.Target) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, req.Target)
	}
	if err := s.guard(ctx, st, o, &req); err != nil {
		return nil, err
	}

	driverID := o.DriverID
	if req.Target == StatusAccepted {
		driverID = &req.DriverID
	}
	var reason *string
	if req.Reason != "" && (req.Target == StatusCancelled || req.Target == StatusDeclined) {
		reason = &req.Reason
	}
	from := o.Status
	ok, err := s.store.UpdateStatus(ctx, o.ID, from, req.Target, o.StatusVersion, driverID, reason)
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.store.Get(ctx, o.ID)
		if err == nil && cur.Status == req.Target && !heldByOther(cur, req) {
			st.validated[req.Target] = true
			return &Result{Order: cur, Applied: false}, nil
		}
		return nil, ErrConflict
	}

	now := s.now()
	if !followOn {
		clear(st.validated)
	}
	st.validated[req.Target] = true
	clear(st.arrived)
	o.Status = req.Target
	o.StatusVersion++
	o.DriverID = driverID
	if reason != nil {
		o.CancelReason = reason
	}
	stamp(o, now)

	actorID := req.ActorID
	if actorID == nil && req.Actor == ActorDriver {
		actorID = o.DriverID
	}
	s.appendEvent(ctx, &Event{
		OrderID:    o.ID,
		FromStatus: from,
		ToStatus:   o.Status,
		ActorType:  string(req.Actor),
		ActorID:    actorID,
		CreatedAt:  now,
	})
	s.metrics.Transitions.WithLabelValues(string(from), string(o.Status), string(req.Actor)).Inc()
	s.log.Info("order transition",
		"order_id", o.ID, "from", from, "to", o.Status, "actor", req.Actor)

	res := &Result{Order: o, Applied: true}
	if o.Status == StatusCompleted {
		res.LedgerErr = s.deduct(ctx, o)
	}
	s.publish(ctx, o, req.Location)
	if IsTerminal(o.Status) {
		s.Release(o.ID)
	}
	return res, nil
}

func (s *Service) guard(ctx context.Context, st *orderState, o *Order, req *TransitionRequest) error {
	switch req.Target {
	case StatusAccepted:
		if req.DriverID == "" && o.DriverID != nil {
			req.DriverID = *o.DriverID
		}
		if req.DriverID == "" {
			return fmt.Errorf("%w: driver id required to accept", ErrBadRequest)
		}
		if o.DriverID != nil && *o.DriverID != req.DriverID {
			return fmt.Errorf("%w: offered to another driver", ErrConflict)
		}
		if s.ledger == nil {
			return nil
		}
		ok, err := s.ledger.CanAcceptOrder(ctx, req.DriverID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrSuspended
		}
	case StatusPickedUp:
		if o.Pickup.Located() && req.Actor != ActorAdmin && !st.arrived[LegPickup] {
			return fmt.Errorf("%w: pickup", ErrArrivalRequired)
		}
	case StatusCompleted:
		if req.Actor == ActorAdmin || req.Actor == ActorNavigation {
			return nil
		}
		if o.Dropoff.Located() && !st.arrived[LegDropoff] {
			return fmt.Errorf("%w: dropoff", ErrArrivalRequired)
		}
	}
	return nil
}

// deduct posts the commission of a completed order. Failures are returned
// for reconciliation and never undo the completion.
func (s *Service) deduct(ctx context.Context, o *Order) error {
	if s.ledger == nil || o.DriverID == nil {
		return nil
	}
	tx, err := s.ledger.PostDeduction(ctx, commission.DeductionCommand{
		DriverID:   *o.DriverID,
		OrderID:    o.ID,
		OrderPrice: o.Price.Amount,
	})
	switch {
	case err == nil:
		s.metrics.Deductions.Inc()
		s.log.Info("commission posted", "order_id", o.ID, "amount", tx.Amount)
		return nil
	case errors.Is(err, commission.ErrAlreadyDeducted):
		return nil
	case errors.Is(err, commission.ErrAccountNotFound):
		s.log.Info("no commission account, deduction skipped", "order_id", o.ID, "driver_id", *o.DriverID)
		return nil
	default:
		s.metrics.LedgerFailures.Inc()
		s.log.Error("commission deduction failed, needs reconciliation",
			"order_id", o.ID, "driver_id", *o.DriverID, "price", o.Price.Amount, "error", err)
		return err
	}
}

func (s *Service) publish(ctx context.Context, o *Order, at *types.Point) {
	msg := transport.StatusUpdate{OrderID: o.ID, Status: string(o.Status), Location: at}
	if o.DriverID != nil {
		msg.DriverID = *o.DriverID
	}
	if err := s.publisher.PublishStatus(ctx, msg); err != nil {
		s.metrics.PublishFailures.WithLabelValues("status").Inc()
		s.log.Warn("status update not delivered", "order_id", o.ID, "status", o.Status, "error", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, e *Event) {
	if err := s.store.AppendEvent(ctx, e); err != nil {
		s.log.Warn("append order event", "order_id", e.OrderID, "error", err)
	}
}

// ExpireOffers declines every pending offer whose window has passed and
// returns how many it declined.
func (s *Service) ExpireOffers(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.store.ListExpiredOffers(ctx, now)
	if err != nil {
		return 0, err
	}
	declined := 0
	for _, id := range ids {
		res, err := s.RequestTransition(ctx, TransitionRequest{
			OrderID: id,
			Target:  StatusDeclined,
			Actor:   ActorSystem,
			Reason:  "offer expired",
		})
		if errors.Is(err, ErrInvalidTransition) {
			continue
		}
		if err != nil {
			s.log.Warn("expire offer", "order_id", id, "error", err)
			continue
		}
		if res.Applied {
			declined++
			s.metrics.OffersExpired.Inc()
		}
	}
	return declined, nil
}

func (s *Service) RunOfferExpiry(ctx context.Context) {
	ticker := time.NewTicker(s.expiryTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.ExpireOffers(ctx, s.now()); err != nil {
				s.log.Warn("offer expiry sweep", "error", err)
			}
		}
	}
}

func (s *Service) state(id types.ID) *orderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.orders[id]
	if !ok {
		st = &orderState{validated: make(map[Status]bool), arrived: make(map[Leg]bool)}
		s.orders[id] = st
	}
	return st
}

// heldByOther reports a request made for a driver other than the one the
// order is offered to or assigned to. An accept without a driver id is
// resolved to the offered driver by guard.
func heldByOther(o *Order, req TransitionRequest) bool {
	if o.DriverID == nil {
		return false
	}
	if req.Target == StatusAccepted {
		return req.DriverID != "" && req.DriverID != *o.DriverID
	}
	switch req.Actor {
	case ActorDriver, ActorNavigation:
		return req.DriverID != *o.DriverID
	}
	return false
}

func stamp(o *Order, now time.Time) {
	t := now
	switch o.Status {
	case StatusAccepted:
		o.AcceptedAt = &t
	case StatusEnroute:
		o.DepartedAt = &t
	case StatusPickedUp:
		o.PickedUpAt = &t
	case StatusCompleted:
		o.CompletedAt = &t
	case StatusCancelled, StatusDeclined:
		o.CancelledAt = &t
	}
}
