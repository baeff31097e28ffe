package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for the execution pipeline.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	AdminActions      *prometheus.CounterVec
	AdmissionWait     prometheus.Histogram
	AdmissionRejected prometheus.Counter
	SuspiciousCode    *prometheus.CounterVec
	StoreLatency      *prometheus.HistogramVec
	EventsPublished   prometheus.Counter
	Subscribers       *prometheus.GaugeVec
	SubscriberDrops   prometheus.Counter
	RequestsInFlight  prometheus.Gauge
	RequestsTotal     *prometheus.CounterVec
	RateLimited       prometheus.Counter
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all metrics on a dedicated registry, along
// with the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Name:      "executions_total",
				Help:      "Executions reaching a terminal status, by language and status.",
			},
			[]string{"language", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "polyglot",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox runs in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Name:      "execution_errors_total",
				Help:      "Sandbox failures that are not program outcomes, by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "polyglot",
				Name:      "active_executions",
				Help:      "Sandbox runs currently in flight.",
			},
		),

		AdminActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "admin",
				Name:      "actions_total",
				Help:      "Admin reruns and kills, by action and result.",
			},
			[]string{"action", "result"},
		),

		AdmissionWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "polyglot",
				Subsystem: "admission",
				Name:      "wait_seconds",
				Help:      "Time spent waiting for a sandbox slot.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10},
			},
		),

		AdmissionRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "admission",
				Name:      "rejected_total",
				Help:      "Submissions rejected because no sandbox slot freed up in time.",
			},
		),

		SuspiciousCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Name:      "suspicious_code_total",
				Help:      "Submissions matching a code scanner rule, by rule and severity.",
			},
			[]string{"rule", "severity"},
		),

		StoreLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "polyglot",
				Subsystem: "store",
				Name:      "operation_duration_seconds",
				Help:      "Duration of execution record store operations.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
			},
			[]string{"operation"},
		),

		EventsPublished: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "notify",
				Name:      "events_published_total",
				Help:      "Status events published to the broadcast hub.",
			},
		),

		Subscribers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "polyglot",
				Subsystem: "notify",
				Name:      "subscribers",
				Help:      "Connected status observers, by transport.",
			},
			[]string{"transport"},
		),

		SubscriberDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "notify",
				Name:      "subscriber_drops_total",
				Help:      "Observers disconnected for falling behind.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "polyglot",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "HTTP requests by method and status code.",
			},
			[]string{"method", "code"},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "polyglot",
				Subsystem: "api",
				Name:      "rate_limited_total",
				Help:      "Requests rejected by the rate limiter.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "polyglot",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "polyglot",
				Name:      "output_size_bytes",
				Help:      "Size of captured stdout plus stderr in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.AdminActions,
		m.AdmissionWait,
		m.AdmissionRejected,
		m.SuspiciousCode,
		m.StoreLatency,
		m.EventsPublished,
		m.Subscribers,
		m.SubscriberDrops,
		m.RequestsInFlight,
		m.RequestsTotal,
		m.RateLimited,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a run that reached a terminal status.
func (m *Metrics) RecordExecution(language, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(language, status).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
}

// RecordError records a non-outcome failure: infrastructure, protocol, canceled.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordAdmin records an admin action and whether it found its record.
func (m *Metrics) RecordAdmin(action, result string) {
	m.AdminActions.WithLabelValues(action, result).Inc()
}

// RecordFinding records a code scanner match.
func (m *Metrics) RecordFinding(f Finding) {
	m.SuspiciousCode.WithLabelValues(f.Rule, f.Severity).Inc()
}
