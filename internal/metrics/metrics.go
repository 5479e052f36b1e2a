// Package metrics provides Prometheus instrumentation for the flaggate
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the
// global default) so that only flaggate metrics appear on the /metrics
// endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flaggate/flaggate/internal/core"
)

// Metrics holds all Prometheus collectors used by the flaggate server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	GuardChecksTotal    *prometheus.CounterVec
	EvaluationsTotal    *prometheus.CounterVec
	CacheLoadsTotal     prometheus.Counter
	CacheInvalidations  prometheus.Counter
}

// New creates and registers all flaggate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		GuardChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_guard_checks_total",
			Help: "Total number of enforcement checks by layer and outcome.",
		}, []string{"layer", "result"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_requirement_cache_loads_total",
			Help: "Total number of requirement cache rebuilds from the store.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_requirement_cache_invalidations_total",
			Help: "Total number of explicit requirement cache invalidations.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.GuardChecksTotal,
		m.EvaluationsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(enabled bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(enabled)).Inc()
}

// RecordGuardCheck increments the enforcement check counter.
func (m *Metrics) RecordGuardCheck(layer core.Layer, allowed bool) {
	result := "allowed"
	if !allowed {
		result = "blocked"
	}
	m.GuardChecksTotal.WithLabelValues(string(layer), result).Inc()
}

// IncCacheLoads increments the requirement cache rebuild counter.
func (m *Metrics) IncCacheLoads() {
	m.CacheLoadsTotal.Inc()
}

// IncCacheInvalidations increments the invalidation counter.
func (m *Metrics) IncCacheInvalidations() {
	m.CacheInvalidations.Inc()
}

// HTTPMiddleware records request count and latency per method, route, and
// status.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if pattern := r.Pattern; pattern != "" {
			route = pattern
		}
		status := strconv.Itoa(wrapped.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.written {
		s.status = code
		s.written = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	s.written = true
	return s.ResponseWriter.Write(b)
}

// Unwrap supports http.ResponseController.
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
