package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "costgate"

// Metrics owns a private registry so tests can build as many as they like.
type Metrics struct {
	registry  *prometheus.Registry
	decisions *prometheus.CounterVec
	attempts  *prometheus.HistogramVec
	fallbacks *prometheus.CounterVec
	trips     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admission_decisions_total",
			Help:      "Admission decisions by result code.",
		}, []string{"code", "allowed"}),
		attempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_attempt_duration_seconds",
			Help:      "Latency of backend calls by outcome.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"backend", "outcome"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Fallback hops from a failed primary backend.",
		}, []string{"from", "to"}),
		trips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Breaker trips by trigger.",
		}, []string{"trigger"}),
	}
	m.registry.MustRegister(
		m.decisions, m.attempts, m.fallbacks, m.trips,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) ObserveDecision(code string, allowed bool) {
	m.decisions.WithLabelValues(code, strconv.FormatBool(allowed)).Inc()
}

func (m *Metrics) ObserveAttempt(backendID, outcome string, d time.Duration) {
	m.attempts.WithLabelValues(backendID, outcome).Observe(d.Seconds())
}

func (m *Metrics) ObserveFallback(from, to string) {
	m.fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveBreakerTrip(trigger string) {
	m.trips.WithLabelValues(trigger).Inc()
}

// RegisterAuditQueue exports the async audit queue's written and dropped
// counts, read from stats at scrape time.
func (m *Metrics) RegisterAuditQueue(stats func() (written, dropped int64)) {
	m.registry.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_written_total",
			Help:      "Audit entries persisted by the async queue.",
		}, func() float64 { w, _ := stats(); return float64(w) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_dropped_total",
			Help:      "Audit entries dropped because the queue was full or closed.",
		}, func() float64 { _, d := stats(); return float64(d) }),
	)
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
