package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openfroyo/appstage/pkg/engine"
)

// Metrics provides Prometheus metrics for the upgrade engine. It implements
// engine.MetricsRecorder. A Metrics built with metrics disabled records
// nothing.
type Metrics struct {
	config MetricsConfig

	// Attempt metrics
	attemptsStarted   *prometheus.CounterVec
	attemptsCompleted *prometheus.CounterVec
	attemptDuration   *prometheus.HistogramVec
	activeAttempts    prometheus.Gauge

	// Staging metrics
	resolutions        *prometheus.CounterVec
	resolutionDuration *prometheus.HistogramVec
	reuses             *prometheus.CounterVec

	// Commit metrics
	commits        *prometheus.CounterVec
	commitDuration prometheus.Histogram
	recoveries     *prometheus.CounterVec

	// Table metrics
	tableRecords *prometheus.GaugeVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

var _ engine.MetricsRecorder = (*Metrics)(nil)

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		attemptsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_started_total",
				Help:      "Total number of upgrade attempts started",
			},
			[]string{"mode"},
		),
		attemptsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_completed_total",
				Help:      "Total number of upgrade attempts completed, by outcome",
			},
			[]string{"mode", "outcome"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "attempt_duration_seconds",
				Help:      "Duration of upgrade attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"mode", "outcome"},
		),
		activeAttempts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_attempts",
				Help:      "Number of attempts currently running",
			},
		),

		resolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "resolutions_total",
				Help:      "Total number of resources resolved from their references",
			},
			[]string{"kind"},
		),
		resolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "resolution_duration_seconds",
				Help:      "Duration of resource resolution in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
		reuses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reuses_total",
				Help:      "Total number of resources reused instead of resolved",
			},
			[]string{"source"},
		),

		commits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_total",
				Help:      "Total number of staged upgrade commits",
			},
			[]string{"status"},
		),
		commitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Duration of commits in seconds",
				Buckets:   buckets,
			},
		),
		recoveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "recoveries_total",
				Help:      "Total number of startup recovery runs, by action taken",
			},
			[]string{"action"},
		),

		tableRecords: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "table_records",
				Help:      "Current number of records per table and status",
			},
			[]string{"table", "status"},
		),

		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.attemptsStarted,
		m.attemptsCompleted,
		m.attemptDuration,
		m.activeAttempts,
		m.resolutions,
		m.resolutionDuration,
		m.reuses,
		m.commits,
		m.commitDuration,
		m.recoveries,
		m.tableRecords,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Attempt Metrics

// RecordAttemptStarted increments the counter for started attempts.
func (m *Metrics) RecordAttemptStarted(mode string) {
	if m.attemptsStarted == nil {
		return
	}
	m.attemptsStarted.WithLabelValues(mode).Inc()
	m.activeAttempts.Inc()
}

// RecordAttemptCompleted records a finished attempt with its outcome and duration.
func (m *Metrics) RecordAttemptCompleted(mode, outcome string, duration time.Duration) {
	if m.attemptsCompleted == nil {
		return
	}
	m.attemptsCompleted.WithLabelValues(mode, outcome).Inc()
	m.attemptDuration.WithLabelValues(mode, outcome).Observe(duration.Seconds())
	m.activeAttempts.Dec()
}

// Staging Metrics

// RecordResolution records one resource resolved from its references.
func (m *Metrics) RecordResolution(kind string, duration time.Duration) {
	if m.resolutions == nil {
		return
	}
	m.resolutions.WithLabelValues(kind).Inc()
	m.resolutionDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordReuse records a resource taken from GLOBAL or UPGRADE without fetching.
func (m *Metrics) RecordReuse(source string) {
	if m.reuses == nil {
		return
	}
	m.reuses.WithLabelValues(source).Inc()
}

// Commit Metrics

// RecordCommit records a commit and whether it succeeded.
func (m *Metrics) RecordCommit(duration time.Duration, err error) {
	if m.commits == nil {
		return
	}
	status := "succeeded"
	if err != nil {
		status = "failed"
	}
	m.commits.WithLabelValues(status).Inc()
	m.commitDuration.Observe(duration.Seconds())
}

// RecordRecovery records a recovery run by the action it took.
func (m *Metrics) RecordRecovery(action string) {
	if m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(action).Inc()
}

// SetTableRecords sets the number of records with status in a table.
func (m *Metrics) SetTableRecords(identity, status string, count float64) {
	if m.tableRecords == nil {
		return
	}
	m.tableRecords.WithLabelValues(identity, status).Set(count)
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Registry returns the registry the metrics are registered with, or nil
// when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics. Serve errors
// are logged to logger.
func (m *Metrics) StartMetricsServer(logger zerolog.Logger) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func(server *http.Server) {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("address", server.Addr).Msg("metrics server error")
		}
	}(m.server)

	logger.Info().
		Str("address", m.config.ListenAddress).
		Str("path", m.config.Path).
		Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
