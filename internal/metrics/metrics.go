// Package metrics provides Prometheus metrics for relaycore.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relaycore"

// Metrics contains every Prometheus collector the relay core updates.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectErrors     *prometheus.CounterVec

	BytesUpstream   prometheus.Counter
	BytesDownstream prometheus.Counter

	HandlerTimeouts prometheus.Counter
	SweepDuration   prometheus.Histogram
	SweepLogSize    prometheus.Gauge
}

// New creates a Metrics instance registered against reg. With a nil reg
// the collectors are created but not registered with any registerer, so
// several instances can coexist in one process.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active relayed connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of connections accepted",
		}),
		ConnectErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_errors_total",
			Help:      "Total upstream connect failures by stage",
		}, []string{"stage"}),
		BytesUpstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_upstream_total",
			Help:      "Total bytes relayed from local_sock to remote_sock",
		}),
		BytesDownstream: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_downstream_total",
			Help:      "Total bytes relayed from remote_sock to local_sock",
		}),
		HandlerTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_timeouts_total",
			Help:      "Total handlers destroyed by the idle sweep",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Histogram of idle-sweep pass duration",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
		SweepLogSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sweep_log_size",
			Help:      "Number of entries currently held in the activity log, tombstones included",
		}),
	}
}

// ConnectionOpened records a newly accepted connection.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed records a handler being destroyed.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// ConnectError records a connect failure at a given stage (e.g. "connect_upstream").
func (m *Metrics) ConnectError(stage string) {
	m.ConnectErrors.WithLabelValues(stage).Inc()
}

// RecordBytesUpstream records n bytes relayed local_sock -> remote_sock.
func (m *Metrics) RecordBytesUpstream(n int) {
	m.BytesUpstream.Add(float64(n))
}

// RecordBytesDownstream records n bytes relayed remote_sock -> local_sock.
func (m *Metrics) RecordBytesDownstream(n int) {
	m.BytesDownstream.Add(float64(n))
}

// RecordTimeout records a handler destroyed by the idle sweep.
func (m *Metrics) RecordTimeout() {
	m.HandlerTimeouts.Inc()
}

// RecordSweep records one sweep pass's duration and resulting log size.
func (m *Metrics) RecordSweep(durationSeconds float64, logSize int) {
	m.SweepDuration.Observe(durationSeconds)
	m.SweepLogSize.Set(float64(logSize))
}
