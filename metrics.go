package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects protocol counters on a dedicated registry. A nil
// *Metrics disables collection; every recording method is nil-safe.
type Metrics struct {
	registry *prometheus.Registry

	syncs               *prometheus.CounterVec
	invalidations       prometheus.Counter
	longpollWaiting     prometheus.Gauge
	propagationFailures prometheus.Counter
}

// NewMetrics creates a registry with the relay collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		syncs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "syncs_total",
				Help:      "Total number of sync requests served.",
			},
			[]string{"result"},
		),
		invalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "invalidations_total",
				Help:      "Total number of keys invalidated.",
			},
		),
		longpollWaiting: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "relay",
				Name:      "longpoll_waiting",
				Help:      "Current number of suspended sync requests.",
			},
		),
		propagationFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "relay",
				Name:      "propagation_failures_total",
				Help:      "Total number of failed peer propagation calls.",
			},
		),
	}
	m.registry.MustRegister(m.syncs, m.invalidations, m.longpollWaiting, m.propagationFailures)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) syncObserved(result string) {
	if m == nil {
		return
	}
	m.syncs.WithLabelValues(result).Inc()
}

func (m *Metrics) invalidated(count int) {
	if m == nil {
		return
	}
	m.invalidations.Add(float64(count))
}

func (m *Metrics) longpollEnter() {
	if m == nil {
		return
	}
	m.longpollWaiting.Inc()
}

func (m *Metrics) longpollExit() {
	if m == nil {
		return
	}
	m.longpollWaiting.Dec()
}

func (m *Metrics) propagationFailed() {
	if m == nil {
		return
	}
	m.propagationFailures.Inc()
}
