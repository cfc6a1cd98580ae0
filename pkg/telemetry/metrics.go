package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/envmatrix/envmatrix/pkg/engine"
)

// Metrics provides Prometheus metrics for envmatrix. A disabled instance
// is a safe no-op.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Cell metrics
	cellsCompleted *prometheus.CounterVec
	cellDuration   *prometheus.HistogramVec

	// Cache metrics
	cacheLookups *prometheus.CounterVec

	// Coverage metrics
	coverageUploads  prometheus.Counter
	coverageFinishes *prometheus.CounterVec
	advisoryFindings prometheus.Counter

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		// Cell provisioning runs minutes, not milliseconds.
		buckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200}
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of matrix runs completed",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of matrix run execution in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		cellsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cells_completed_total",
				Help:      "Total number of matrix cells reaching a terminal state",
			},
			[]string{"state", "platform"},
		),
		cellDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cell_duration_seconds",
				Help:      "Duration of cell provisioning in seconds",
				Buckets:   buckets,
			},
			[]string{"state", "platform"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Total number of environment cache lookups",
			},
			[]string{"result"},
		),

		coverageUploads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coverage_uploads_total",
				Help:      "Total number of coverage shards uploaded",
			},
		),
		coverageFinishes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "coverage_finishes_total",
				Help:      "Total number of coverage aggregation finish calls",
			},
			[]string{"status"},
		),
		advisoryFindings: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "advisory_lint_findings_total",
				Help:      "Total number of advisory lint findings observed",
			},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of cell failures by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.runsCompleted,
		m.runDuration,
		m.cellsCompleted,
		m.cellDuration,
		m.cacheLookups,
		m.coverageUploads,
		m.coverageFinishes,
		m.advisoryFindings,
		m.errorsByCode,
	)

	return m, nil
}

// CellCompleted records a cell's terminal result.
func (m *Metrics) CellCompleted(result *engine.CellResult) {
	if m.cellsCompleted == nil {
		return
	}
	state := string(result.State)
	m.cellsCompleted.WithLabelValues(state, result.Cell.Platform).Inc()
	m.cellDuration.WithLabelValues(state, result.Cell.Platform).Observe(result.Duration.Seconds())
	if result.CoverageUploaded {
		m.coverageUploads.Inc()
	}
	if result.AdvisoryFindings > 0 {
		m.advisoryFindings.Add(float64(result.AdvisoryFindings))
	}
	if result.Error != nil {
		m.errorsByCode.WithLabelValues(string(result.Error.Code)).Inc()
	}
}

// CacheLookup records an environment cache lookup outcome.
func (m *Metrics) CacheLookup(hit bool) {
	if m.cacheLookups == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// RunCompleted records a finished matrix run with its status and duration.
func (m *Metrics) RunCompleted(status string, duration time.Duration) {
	if m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// CoverageFinished records the outcome of the aggregation barrier.
func (m *Metrics) CoverageFinished(ok bool) {
	if m.coverageFinishes == nil {
		return
	}
	status := "error"
	if ok {
		status = "ok"
	}
	m.coverageFinishes.WithLabelValues(status).Inc()
}

// Handler returns an HTTP handler serving the metrics.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics endpoint.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Registry returns the underlying Prometheus registry, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
