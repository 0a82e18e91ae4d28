package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/polisai/polis-flow/pkg/engine"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the admin API.
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Execution metrics
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec

	// Definition metrics
	definitionSaves *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "route", "status"},
		),

		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_http_request_duration_seconds",
				Help:    "Admin API request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_pipeline_executions_total",
				Help: "Total number of pipeline executions by final state and error kind",
			},
			[]string{"pipeline", "state", "kind"},
		),

		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "flow_pipeline_execution_duration_seconds",
				Help:    "Pipeline execution latency in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"pipeline"},
		),

		definitionSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flow_definition_saves_total",
				Help: "Total number of definition saves by kind and status",
			},
			[]string{"kind", "status"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.executionsTotal,
		m.executionDuration,
		m.definitionSaves,
	)

	return m
}

// observeEngine exports the engine's pipeline cache and trace retention as
// gauges read at scrape time. A registry that already observes an engine
// keeps the first one.
func (m *Metrics) observeEngine(eng *engine.Engine) {
	gauges := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flow_pipeline_cache_entries",
			Help: "Number of built pipelines held in the cache",
		}, func() float64 { return float64(eng.Pipelines.Cached()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flow_pipeline_cache_generation",
			Help: "Number of pipeline cache invalidations since start",
		}, func() float64 { return float64(eng.Pipelines.Generation()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "flow_trace_executions_retained",
			Help: "Number of executions whose trace is still retained",
		}, func() float64 { return float64(eng.Traces.Len()) }),
	}
	for _, g := range gauges {
		if err := m.registry.Register(g); err != nil {
			var dup prometheus.AlreadyRegisteredError
			if !errors.As(err, &dup) {
				panic(err)
			}
		}
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, statusCode).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordExecution records a finished pipeline execution.
func (m *Metrics) RecordExecution(pipelineID, state, kind string, duration time.Duration) {
	m.executionsTotal.WithLabelValues(pipelineID, state, kind).Inc()
	m.executionDuration.WithLabelValues(pipelineID).Observe(duration.Seconds())
}

// RecordDefinitionSave records a node or pipeline save attempt.
func (m *Metrics) RecordDefinitionSave(kind, status string) {
	m.definitionSaves.WithLabelValues(kind, status).Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware records request counts and latency labelled by the
// matched chi route pattern.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RecordHTTPRequest(r.Method, routeName(r), strconv.Itoa(wrapped.statusCode), time.Since(start))
	})
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// routeName keeps label cardinality bounded: unmatched paths collapse to "unknown".
func routeName(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return "unknown"
	}
	if pattern := rctx.RoutePattern(); pattern != "" {
		return pattern
	}
	return "unknown"
}
