// Package metrics holds the Prometheus collectors for the checkout lock service.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Acquisition outcomes.
const (
	OutcomeCreated  = "created"
	OutcomeReplayed = "replayed"
	OutcomeConflict = "conflict"
	OutcomeInvalid  = "invalid"
	OutcomeError    = "error"
)

type Metrics struct {
	Acquisitions *prometheus.CounterVec
	Transitions  *prometheus.CounterVec
	Throttled    *prometheus.CounterVec
	SweepExpired prometheus.Counter
	SweepErrors  prometheus.Counter
	Requests     *prometheus.CounterVec
	LatencyMS    *prometheus.HistogramVec
}

// New builds the collectors and registers them on reg.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	m := &Metrics{
		Acquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "acquisitions_total",
			Help:      "Checkout lock acquisition attempts by outcome.",
		}, []string{"outcome"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "transitions_total",
			Help:      "Checkout lock transitions into a terminal state.",
		}, []string{"state"}),
		Throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "throttle",
			Name:      "rejections_total",
			Help:      "Checkout initiation attempts rejected by the throttle gate.",
		}, []string{"scope"}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Active locks transitioned to expired by the sweeper.",
		}),
		SweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "errors_total",
			Help:      "Sweeper passes or transitions that failed.",
		}),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"handler", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"handler"}),
	}
	reg.MustRegister(
		m.Acquisitions, m.Transitions, m.Throttled,
		m.SweepExpired, m.SweepErrors, m.Requests, m.LatencyMS,
	)
	return m
}

func (m *Metrics) Acquire(outcome string) {
	if m == nil {
		return
	}
	m.Acquisitions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Transition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) Throttle(scope string) {
	if m == nil {
		return
	}
	m.Throttled.WithLabelValues(scope).Inc()
}

func (m *Metrics) Swept(expired, failures int) {
	if m == nil {
		return
	}
	m.SweepExpired.Add(float64(expired))
	m.SweepErrors.Add(float64(failures))
}

func (m *Metrics) Request(handler, status string, ms float64) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(ms)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves a specific gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
