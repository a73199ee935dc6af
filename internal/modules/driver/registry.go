// README: Registry of live driver sessions keyed by driver id.
package driver

import (
	"context"
	"sync"
	"time"

	"coursier/internal/modules/order"
	"coursier/internal/transport"
	"coursier/internal/types"
)

type Registry struct {
	deps Deps

	mu       sync.Mutex
	sessions map[types.ID]*Session
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{deps: deps, sessions: make(map[types.ID]*Session)}
}

// Session returns the session of driverID, creating it on first use.
func (r *Registry) Session(driverID types.ID) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok {
		return s, nil
	}
	s, err := NewSession(driverID, r.deps)
	if err != nil {
		return nil, err
	}
	r.sessions[driverID] = s
	return s, nil
}

// Deliver hands an inbound offer to the addressed driver's session. The
// remaining window is measured from now; an offer that already lapsed is
// refused with ErrOfferExpired.
func (r *Registry) Deliver(ctx context.Context, offer transport.OrderOffer, now time.Time) error {
	if offer.DriverID == "" || offer.Order.ID == "" {
		return order.ErrBadRequest
	}
	var window time.Duration
	if !offer.ExpiresAt.IsZero() {
		window = offer.ExpiresAt.Sub(now)
		if window <= 0 {
			return ErrOfferExpired
		}
	}
	s, err := r.Session(offer.DriverID)
	if err != nil {
		return err
	}
	_, err = s.Offer(ctx, order.FromOffer(offer), window)
	return err
}

func (r *Registry) Lookup(driverID types.ID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[driverID]
	return s, ok
}

// Online lists the drivers whose session is online.
func (r *Registry) Online() []types.ID {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	var ids []types.ID
	for _, s := range sessions {
		if s.Online() {
			ids = append(ids, s.driverID)
		}
	}
	return ids
}

// Shutdown takes every session offline.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.GoOffline(ctx)
	}
}
