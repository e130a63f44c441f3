package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	globalMu      sync.RWMutex
)

// Metrics holds all Prometheus metrics for cadence
type Metrics struct {
	// Scheduler
	SweepsTotal          prometheus.Counter
	SweepDurationSeconds prometheus.Histogram
	StepsSkippedTotal    prometheus.Counter

	// Dispatch
	DispatchTotal           *prometheus.CounterVec
	DispatchDurationSeconds *prometheus.HistogramVec
	RateLimitedTotal        *prometheus.CounterVec

	// Enrollment state
	TransitionsTotal *prometheus.CounterVec
	Enrollments      *prometheus.GaugeVec

	// Event ingestion
	EventsTotal *prometheus.CounterVec

	// HTTP API
	HTTPRequestsTotal          *prometheus.CounterVec
	HTTPRequestDurationSeconds *prometheus.HistogramVec
	HTTPErrorsTotal            *prometheus.CounterVec

	// System metrics
	UptimeSeconds    prometheus.Gauge
	Goroutines       prometheus.Gauge
	StorageUsedBytes prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_sweeps_total",
				Help: "Total number of scheduler sweeps",
			},
		),
		SweepDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cadence_sweep_duration_seconds",
				Help:    "Scheduler sweep duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		StepsSkippedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cadence_steps_skipped_total",
				Help: "Total number of steps skipped because their condition was false",
			},
		),

		DispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_dispatch_total",
				Help: "Total number of step dispatches by outcome",
			},
			[]string{"channel", "result"},
		),
		DispatchDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_dispatch_duration_seconds",
				Help:    "Provider call duration in seconds",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"channel"},
		),
		RateLimitedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_rate_limited_total",
				Help: "Total number of dispatches deferred by rate limits",
			},
			[]string{"channel"},
		),

		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_enrollments_transitions_total",
				Help: "Total number of enrollment status transitions",
			},
			[]string{"to"},
		),
		Enrollments: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cadence_enrollments",
				Help: "Number of enrollments by status",
			},
			[]string{"status"},
		),

		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_events_total",
				Help: "Total number of ingested events by outcome",
			},
			[]string{"type", "result"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_http_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cadence_http_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		HTTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cadence_http_errors_total",
				Help: "Total number of API errors",
			},
			[]string{"error_type"},
		),

		UptimeSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_uptime_seconds",
				Help: "Server uptime in seconds",
			},
		),
		Goroutines: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_goroutines",
				Help: "Number of active goroutines",
			},
		),
		StorageUsedBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "cadence_storage_used_bytes",
				Help: "Local BoltDB file size in bytes",
			},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.SweepsTotal,
		m.SweepDurationSeconds,
		m.StepsSkippedTotal,
		m.DispatchTotal,
		m.DispatchDurationSeconds,
		m.RateLimitedTotal,
		m.TransitionsTotal,
		m.Enrollments,
		m.EventsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDurationSeconds,
		m.HTTPErrorsTotal,
		m.UptimeSeconds,
		m.Goroutines,
		m.StorageUsedBytes,
	)

	return m
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// SetGlobal sets the global metrics instance
func SetGlobal(m *Metrics) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalMetrics = m
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalMetrics
}

// ObserveSweep records one finished sweep
func ObserveSweep(d time.Duration) {
	m := Global()
	if m != nil {
		m.SweepsTotal.Inc()
		m.SweepDurationSeconds.Observe(d.Seconds())
	}
}

// ObserveDispatch records a provider call. result is sent, temporary or
// permanent.
func ObserveDispatch(channel, result string, d time.Duration) {
	m := Global()
	if m != nil {
		m.DispatchTotal.WithLabelValues(channel, result).Inc()
		m.DispatchDurationSeconds.WithLabelValues(channel).Observe(d.Seconds())
	}
}

// IncStepsSkipped increments the skipped step counter
func IncStepsSkipped() {
	m := Global()
	if m != nil {
		m.StepsSkippedTotal.Inc()
	}
}

// IncRateLimited increments the rate limit counter
func IncRateLimited(channel string) {
	m := Global()
	if m != nil {
		m.RateLimitedTotal.WithLabelValues(channel).Inc()
	}
}

// IncTransition increments the transition counter for a target status
func IncTransition(to string) {
	m := Global()
	if m != nil {
		m.TransitionsTotal.WithLabelValues(to).Inc()
	}
}

// IncEvents increments the event counter. result is applied, duplicate,
// unmatched or error.
func IncEvents(eventType, result string) {
	m := Global()
	if m != nil {
		m.EventsTotal.WithLabelValues(eventType, result).Inc()
	}
}
