// README: Offline replay of a recorded driver trace through a full driver session on in-memory storage.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"coursier/internal/geo"
	"coursier/internal/metrics"
	"coursier/internal/modules/driver"
	"coursier/internal/modules/location"
	"coursier/internal/modules/order"
	"coursier/internal/modules/route"
	"coursier/internal/transport"
	"coursier/internal/types"
)

// Step is one recorded event: a device sample, a driver confirmation or a
// manual arrival report.
type Step struct {
	Sample  *transport.SampleFrame `json:"sample,omitempty"`
	Confirm string                 `json:"confirm,omitempty"`
	Arrival bool                   `json:"arrival,omitempty"`
}

type Trace struct {
	DriverID     types.ID               `json:"driver_id"`
	Order        transport.OfferPayload `json:"order"`
	Steps        []Step                 `json:"steps"`
	ExpectStatus string                 `json:"expect_status,omitempty"`
}

func LoadTrace(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var tr Trace
	if err := json.NewDecoder(f).Decode(&tr); err != nil {
		return nil, fmt.Errorf("decode trace %s: %w", path, err)
	}
	if tr.DriverID == "" || tr.Order.ID == "" {
		return nil, fmt.Errorf("trace %s: driver_id and order.id are required", path)
	}
	return &tr, nil
}

type Options struct {
	Navigator    string
	AutoComplete bool
	RadiusM      float64
	Policy       location.Policy
	ToleranceDeg float64
	Out          io.Writer
	Logger       *slog.Logger
}

type Report struct {
	Statuses         []string
	FinalStatus      order.Status
	Emitted          int
	Suppressed       int
	PickupEntered    int
	DropoffEntered   int
	StepErrors       int
	RawPoints        int
	Simplified       []types.Point
	TraveledKm       float64
	SimplifiedPathKm float64
}

// printer is the replay's outbound transport: it writes every message.
type printer struct {
	mu       sync.Mutex
	out      io.Writer
	statuses []string
}

func (p *printer) PublishLocation(_ context.Context, msg transport.LocationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  emit     %.5f,%.5f t=%d\n", msg.Latitude, msg.Longitude, msg.Timestamp)
	return nil
}

func (p *printer) PublishStatus(_ context.Context, msg transport.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if msg.Heartbeat {
		return nil
	}
	p.statuses = append(p.statuses, msg.Status)
	fmt.Fprintf(p.out, "  status   %s\n", msg.Status)
	return nil
}

func (p *printer) NotifyOffer(_ context.Context, offer transport.OrderOffer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "  offer    %s expires %s\n", offer.Order.ID, offer.ExpiresAt.Format("15:04:05"))
	return nil
}

// Replay offers the trace's order to its driver and plays every step.
// Step errors are printed and counted, never fatal, so a trace can show a
// rejected confirmation.
func Replay(ctx context.Context, tr *Trace, opts Options) (*Report, error) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	out := &printer{out: opts.Out}
	orders := order.NewService(order.NewMemoryStore(), order.Options{
		Publisher:  out,
		Metrics:    m,
		Logger:     opts.Logger,
		AutoDepart: true,
	})
	s, err := driver.NewSession(tr.DriverID, driver.Deps{
		Orders:    orders,
		Publisher: out,
		Notifier:  out,
		Metrics:   m,
		Logger:    opts.Logger,
		Config: driver.Config{
			GeofenceRadiusM: opts.RadiusM,
			Throttle:        opts.Policy,
			Navigator:       opts.Navigator,
			AutoComplete:    opts.AutoComplete,
		},
	})
	if err != nil {
		return nil, err
	}
	s.GoOnline(ctx)
	defer s.GoOffline(ctx)

	o := order.FromOffer(transport.OrderOffer{DriverID: tr.DriverID, Order: tr.Order})
	if _, err := s.Offer(ctx, o, 0); err != nil {
		return nil, err
	}

	rep := &Report{}
	var path []types.Point
	for i, step := range tr.Steps {
		var err error
		switch {
		case step.Sample != nil:
			p := types.Point{Lat: step.Sample.Latitude, Lng: step.Sample.Longitude}
			path = append(path, p)
			err = s.HandleSample(ctx, location.Sample{Point: p, TimestampMs: step.Sample.TimestampMs})
		case step.Confirm != "":
			target, ok := order.ParseStatus(step.Confirm)
			if !ok {
				err = fmt.Errorf("unknown status %q", step.Confirm)
				break
			}
			_, err = s.Confirm(ctx, tr.Order.ID, target)
		case step.Arrival:
			err = s.ReportArrival(ctx, tr.Order.ID)
		}
		if err != nil {
			rep.StepErrors++
			fmt.Fprintf(opts.Out, "  step %d  error: %v\n", i, err)
		}
	}

	final, err := orders.CurrentStatus(ctx, tr.Order.ID)
	if err != nil {
		return nil, err
	}
	rep.FinalStatus = final
	rep.Statuses = out.statuses
	rep.Emitted = int(testutil.ToFloat64(m.LocationSamples.WithLabelValues("emitted")))
	rep.Suppressed = int(testutil.ToFloat64(m.LocationSamples.WithLabelValues("suppressed")))
	rep.PickupEntered = int(testutil.ToFloat64(m.GeofenceEvents.WithLabelValues(string(order.LegPickup), "entered")))
	rep.DropoffEntered = int(testutil.ToFloat64(m.GeofenceEvents.WithLabelValues(string(order.LegDropoff), "entered")))
	rep.RawPoints = len(path)
	rep.TraveledKm = geo.PathLengthKm(path)
	rep.Simplified = route.Simplify(path, opts.ToleranceDeg)
	rep.SimplifiedPathKm = geo.PathLengthKm(rep.Simplified)
	return rep, nil
}
