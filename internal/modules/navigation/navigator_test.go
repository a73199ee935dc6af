package navigation

import (
	"strings"
	"testing"

	"coursier/internal/modules/route"
	"coursier/internal/types"
)

var (
	from = types.Point{Lat: 5.3000, Lng: -4.0000}
	mid  = types.Point{Lat: 5.3050, Lng: -4.0000}
	to   = types.Point{Lat: 5.3100, Lng: -4.0000}
)

func arrivals(events []Event) int {
	n := 0
	for _, e := range events {
		if e.Kind == EventArrival {
			n++
		}
	}
	return n
}

func TestNative_ProgressAndOneShotArrival(t *testing.T) {
	n := NewNative(50)
	g := n.Start("o1", &route.Route{Coordinates: []types.Point{from, mid, to}}, to)
	if g.Mode != KindNative || g.URL != "" {
		t.Fatalf("guidance = %+v", g)
	}

	events := n.Update(from)
	if len(events) != 1 || events[0].Kind != EventProgress || events[0].Progress > 0.01 {
		t.Fatalf("at start: %+v", events)
	}
	events = n.Update(mid)
	if len(events) != 1 || events[0].Progress < 0.45 || events[0].Progress > 0.55 {
		t.Fatalf("halfway: %+v", events)
	}
	if events[0].RemainingMeters < 500 || events[0].RemainingMeters > 600 {
		t.Errorf("remaining = %.0f m, want ~556", events[0].RemainingMeters)
	}

	if got := arrivals(n.Update(to)); got != 1 {
		t.Fatalf("arrivals at destination = %d, want 1", got)
	}
	if got := n.Update(to); len(got) != 0 {
		t.Fatalf("events after arrival: %+v", got)
	}
	if got := n.ReportArrival("o1"); len(got) != 0 {
		t.Fatal("reported arrival after automatic arrival must be absorbed")
	}
}

func TestNative_WithoutRouteUsesStraightDistance(t *testing.T) {
	n := NewNative(0)
	n.Start("o1", nil, to)
	events := n.Update(from)
	if len(events) != 1 || events[0].RemainingMeters < 1100 || events[0].RemainingMeters > 1120 {
		t.Fatalf("events = %+v", events)
	}
}

func TestNative_StopAndReset(t *testing.T) {
	n := NewNative(50)
	n.Start("o1", nil, to)
	n.Start("o2", nil, from)
	n.Stop("o1")
	for _, e := range n.Update(mid) {
		if e.OrderID == "o1" {
			t.Fatal("stopped trip still reporting")
		}
	}
	n.Reset()
	if got := n.Update(mid); len(got) != 0 {
		t.Fatalf("events after reset: %+v", got)
	}
}

func TestHandoff(t *testing.T) {
	h := NewHandoff()
	g := h.Start("o1", nil, to)
	if g.Mode != KindHandoff || !strings.Contains(g.URL, "destination=5.310000%2C-4.000000") {
		t.Fatalf("guidance = %+v", g)
	}
	if got := h.Update(to); got != nil {
		t.Fatalf("handoff must not emit on position: %+v", got)
	}
	if got := arrivals(h.ReportArrival("o1")); got != 1 {
		t.Fatalf("arrivals = %d", got)
	}
	if got := h.ReportArrival("o1"); len(got) != 0 {
		t.Fatal("second report must be absorbed")
	}
	if got := h.ReportArrival("unknown"); len(got) != 0 {
		t.Fatal("unknown order reported arrival")
	}
}

func TestNew(t *testing.T) {
	for kind, want := range map[string]string{"": KindNative, "native": KindNative, "handoff": KindHandoff} {
		nav, err := New(kind, 80)
		if err != nil {
			t.Fatalf("%q: %v", kind, err)
		}
		if g := nav.Start("o", nil, to); g.Mode != want {
			t.Errorf("%q: mode = %s, want %s", kind, g.Mode, want)
		}
	}
	if _, err := New("waze", 80); err == nil {
		t.Fatal("expected error for unknown navigator")
	}
}
