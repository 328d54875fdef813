// Package metrics provides Prometheus metrics for securerpc.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "securerpc"
)

// Metrics contains all Prometheus metrics exported by a securerpc client
// or server.
type Metrics struct {
	HandshakeTotal         *prometheus.CounterVec
	HandshakeDuration      *prometheus.HistogramVec
	FramesTotal            *prometheus.CounterVec
	AEADFailuresTotal      *prometheus.CounterVec
	ActiveSessions         prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registerer.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for isolated use in tests.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		HandshakeTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_total",
			Help:      "Total handshakes attempted, by role and result.",
		}, []string{"role", "result"}),
		HandshakeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_duration_seconds",
			Help:      "Handshake completion latency in seconds, by role.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"role"}),
		FramesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Total frames processed, by direction and kind.",
		}, []string{"direction", "kind"}),
		AEADFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aead_failures_total",
			Help:      "Total AEAD seal/open failures, by reason.",
		}, []string{"reason"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently past the handshake.",
		}),
	}
}

// RecordHandshake records a completed handshake attempt, and its latency
// when the result is "success".
func (m *Metrics) RecordHandshake(role, result string, durationSeconds float64) {
	m.HandshakeTotal.WithLabelValues(role, result).Inc()
	if result == "success" {
		m.HandshakeDuration.WithLabelValues(role).Observe(durationSeconds)
	}
}

// RecordFrame records a single frame having been sent or received.
func (m *Metrics) RecordFrame(direction, kind string) {
	m.FramesTotal.WithLabelValues(direction, kind).Inc()
}

// RecordAEADFailure records a seal or open failure.
func (m *Metrics) RecordAEADFailure(reason string) {
	m.AEADFailuresTotal.WithLabelValues(reason).Inc()
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted() {
	m.ActiveSessions.Inc()
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded() {
	m.ActiveSessions.Dec()
}
