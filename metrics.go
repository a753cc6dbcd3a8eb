package clamd

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for a client. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	scansTotal      *prometheus.CounterVec
	scanErrors      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	scannedBytes    prometheus.Counter
	pingsTotal      *prometheus.CounterVec
	connectionsOpen prometheus.Gauge
	connectionsUsed prometheus.Gauge
	acquireDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates the client collectors in a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clamd_scans_total",
				Help: "Total number of completed scans by verdict",
			},
			[]string{"verdict"},
		),
		scanErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clamd_scan_errors_total",
				Help: "Total number of failed scans by error code",
			},
			[]string{"code"},
		),
		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "clamd_scan_duration_seconds",
				Help:    "Scan latency in seconds, including connection acquisition",
				Buckets: prometheus.DefBuckets,
			},
		),
		scannedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "clamd_scanned_bytes_total",
				Help: "Total number of payload bytes streamed to the daemon",
			},
		),
		pingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "clamd_pings_total",
				Help: "Total number of liveness probes by result",
			},
			[]string{"alive"},
		),
		connectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clamd_pool_connections_open",
				Help: "Number of open connections to the daemon",
			},
		),
		connectionsUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "clamd_pool_connections_in_use",
				Help: "Number of pooled connections held by in-flight operations",
			},
		),
		acquireDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "clamd_pool_acquire_duration_seconds",
				Help:    "Time spent waiting for a pooled connection",
				Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
			},
			[]string{"status"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.scansTotal,
		m.scanErrors,
		m.scanDuration,
		m.scannedBytes,
		m.pingsTotal,
		m.connectionsOpen,
		m.connectionsUsed,
		m.acquireDuration,
	)

	return m
}

// Registry returns the registry holding the client collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the collectors.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) observeScan(v Verdict, n int, d time.Duration) {
	if m == nil {
		return
	}
	label := "infected"
	switch v.(type) {
	case Clean:
		label = "clean"
	case SizeExceeded:
		label = "size_exceeded"
	}
	m.scansTotal.WithLabelValues(label).Inc()
	m.scannedBytes.Add(float64(n))
	m.scanDuration.Observe(d.Seconds())
}

func (m *Metrics) observeScanError(err error) {
	if m == nil {
		return
	}
	code := "unknown"
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
	}
	m.scanErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) observePing(alive bool) {
	if m == nil {
		return
	}
	if alive {
		m.pingsTotal.WithLabelValues("true").Inc()
		return
	}
	m.pingsTotal.WithLabelValues("false").Inc()
}

func (m *Metrics) observeAcquire(d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.acquireDuration.WithLabelValues(status).Observe(d.Seconds())
}

// Gauges move with Inc/Dec so interleaved updates cannot leave them stale.
func (m *Metrics) connOpened() {
	if m == nil {
		return
	}
	m.connectionsOpen.Inc()
}

func (m *Metrics) connClosed() {
	if m == nil {
		return
	}
	m.connectionsOpen.Dec()
}

func (m *Metrics) connAcquired() {
	if m == nil {
		return
	}
	m.connectionsUsed.Inc()
}

func (m *Metrics) connReleased() {
	if m == nil {
		return
	}
	m.connectionsUsed.Dec()
}
