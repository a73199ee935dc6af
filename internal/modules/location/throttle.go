// README: Broadcast throttle: decides which samples are worth sending over the network.
package location

import (
	"sync"
	"time"

	"coursier/internal/geo"
	"coursier/internal/types"
)

const (
	DefaultMinInterval  = 3 * time.Second
	DefaultMinDistanceM = 15.0
)

// Policy is the emission rule: a sample goes out when there is no previous
// one, when MinInterval has elapsed, or when the driver moved MinDistanceM.
type Policy struct {
	MinInterval  time.Duration
	MinDistanceM float64
}

func DefaultPolicy() Policy {
	return Policy{MinInterval: DefaultMinInterval, MinDistanceM: DefaultMinDistanceM}
}

// ShouldEmit applies the default policy.
func ShouldEmit(sample Sample, last *Sample) bool {
	return DefaultPolicy().ShouldEmit(sample, last)
}

func (p Policy) ShouldEmit(sample Sample, last *Sample) bool {
	if !sample.Point.Valid() {
		return false
	}
	if last == nil {
		return true
	}
	if sample.TimestampMs-last.TimestampMs >= p.MinInterval.Milliseconds() {
		return true
	}
	return geo.HaversineMeters(sample.Point, last.Point) >= p.MinDistanceM
}

// Throttle holds the last emitted sample per order id.
type Throttle struct {
	policy Policy

	mu   sync.Mutex
	last map[types.ID]Sample
}

func NewThrottle(p Policy) *Throttle {
	if p.MinInterval <= 0 {
		p.MinInterval = DefaultMinInterval
	}
	if p.MinDistanceM <= 0 {
		p.MinDistanceM = DefaultMinDistanceM
	}
	return &Throttle{policy: p, last: make(map[types.ID]Sample)}
}

// Offer evaluates sample for orderID and records it as the last emitted one
// when it passes.
func (t *Throttle) Offer(orderID types.ID, sample Sample) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	var last *Sample
	if prev, ok := t.last[orderID]; ok {
		last = &prev
	}
	if !t.policy.ShouldEmit(sample, last) {
		return false
	}
	t.last[orderID] = sample
	return true
}

func (t *Throttle) Last(orderID types.ID) (Sample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.last[orderID]
	return s, ok
}

func (t *Throttle) Release(orderID types.ID) {
	t.mu.Lock()
	delete(t.last, orderID)
	t.mu.Unlock()
}

func (t *Throttle) Reset() {
	t.mu.Lock()
	t.last = make(map[types.ID]Sample)
	t.mu.Unlock()
}
