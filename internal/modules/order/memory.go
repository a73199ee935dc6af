// README: In-memory order store for offline replay and tests.
package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursier/internal/types"
)

// MemoryStore keeps orders in a map with the same optimistic update rule as
// Store. It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.Mutex
	orders map[types.ID]Order
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[types.ID]Order)}
}

func (m *MemoryStore) Create(_ context.Context, o *Order) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return false, nil
	}
	m.orders[o.ID] = *o
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id types.ID, from, to Status, version int, driverID *types.ID, reason *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from || o.StatusVersion != version {
		return false, nil
	}
	o.Status = to
	o.StatusVersion++
	if driverID != nil {
		d := *driverID
		o.DriverID = &d
	}
	if reason != nil {
		r := *reason
		o.CancelReason = &r
	}
	stamp(&o, time.Now())
	m.orders[id] = o
	return true, nil
}

func (m *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryStore) ListExpiredOffers(_ context.Context, now time.Time) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ID
	for id, o := range m.orders {
		if o.Status == StatusPending && o.OfferExpiresAt != nil && !o.OfferExpiresAt.After(now) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Events returns the audit trail of one order in append order.
func (m *MemoryStore) Events(orderID types.ID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.OrderID == orderID {
			out = append(out, e)
		}
	}
	return out
}
