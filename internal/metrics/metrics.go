// README: Prometheus collectors for the fulfillment engine and the HTTP surface.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Engine struct {
	Transitions     *prometheus.CounterVec
	GeofenceEvents  *prometheus.CounterVec
	LocationSamples *prometheus.CounterVec
	Deductions      prometheus.Counter
	LedgerFailures  prometheus.Counter
	OffersExpired   prometheus.Counter
	PublishFailures *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatencyMS   *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. Pass
// prometheus.NewRegistry() in tests to avoid duplicate registration panics.
func New(reg prometheus.Registerer) *Engine {
	m := &Engine{
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "order_transitions_total",
			Help:      "Applied order status transitions.",
		}, []string{"from", "to", "actor"}),
		GeofenceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "geofence_events_total",
			Help:      "Geofence zone entries and exits.",
		}, []string{"zone", "event"}),
		LocationSamples: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "location_samples_total",
			Help:      "Location samples by throttle outcome.",
		}, []string{"outcome"}),
		Deductions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "commission_deductions_total",
			Help:      "Commission deductions posted.",
		}),
		LedgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "ledger_failures_total",
			Help:      "Deductions that failed on completion and need reconciliation.",
		}),
		OffersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "offers_expired_total",
			Help:      "Order offers auto-declined on expiry.",
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursier",
			Name:      "publish_failures_total",
			Help:      "Outbound transport messages that could not be delivered.",
		}, []string{"kind"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursier",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		HTTPLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coursier",
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Transitions, m.GeofenceEvents, m.LocationSamples,
			m.Deductions, m.LedgerFailures, m.OffersExpired, m.PublishFailures,
			m.HTTPRequests, m.HTTPLatencyMS,
		)
	}
	return m
}

// Nop returns unregistered collectors, safe to use when metrics are not scraped.
func Nop() *Engine {
	return New(nil)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
