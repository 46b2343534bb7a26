package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dispatch pipeline
type Metrics struct {
	RunsStartedTotal   prometheus.Counter
	RunsCompletedTotal *prometheus.CounterVec
	AttemptsTotal      *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
	RunDurationSeconds prometheus.Histogram
	WorkersActive      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RunsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bulletin_runs_started_total",
				Help: "Total number of dispatch runs started",
			},
		),
		RunsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_runs_completed_total",
				Help: "Total number of dispatch runs completed, by result",
			},
			[]string{"result"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bulletin_attempts_total",
				Help: "Total number of terminal delivery attempts, by outcome",
			},
			[]string{"outcome"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bulletin_retries_total",
				Help: "Total number of per-recipient send retries",
			},
		),
		RunDurationSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bulletin_run_duration_seconds",
				Help:    "Wall-clock duration of completed dispatch runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		WorkersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "bulletin_workers_active",
				Help: "Number of delivery workers currently sending",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.RunsStartedTotal,
		m.RunsCompletedTotal,
		m.AttemptsTotal,
		m.RetriesTotal,
		m.RunDurationSeconds,
		m.WorkersActive,
	)

	return m
}

// Handler returns an HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
