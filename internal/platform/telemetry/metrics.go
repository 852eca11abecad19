// Package telemetry exposes prometheus collectors for the resolution hot
// path, detection, and reconciliation runs, plus HTTP request timing.
// A nil *Metrics is valid and records nothing.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "extref"

// Outcome labels shared by the resolution and detection counters.
const (
	OutcomeResolved   = "resolved"
	OutcomeNotFound   = "not_found"
	OutcomeUnresolved = "unresolved"
	OutcomeError      = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	resolutions     *prometheus.CounterVec
	binds           *prometheus.CounterVec
	detections      *prometheus.CounterVec
	reconcileRows   *prometheus.CounterVec
	reconcileRuns   *prometheus.CounterVec
	reconcileLast   prometheus.Gauge
	requestDuration *prometheus.HistogramVec
}

// NewMetrics builds collectors on a private registry so tests can create as
// many instances as they like.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resolutions_total",
			Help:      "Resolution requests by method and outcome.",
		}, []string{"method", "outcome"}),
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "binds_total",
			Help:      "Bind attempts by outcome.",
		}, []string{"outcome"}),
		detections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Entity detection attempts by outcome.",
		}, []string{"outcome"}),
		reconcileRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_rows_total",
			Help:      "Mapping rows processed by reconciliation, by outcome.",
		}, []string{"outcome"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by final status.",
		}, []string{"status"}),
		reconcileLast: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconcile_last_run_timestamp_seconds",
			Help:      "Unix time the last reconciliation run finished.",
		}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method, route and status.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	m.registry.MustRegister(
		m.resolutions, m.binds, m.detections,
		m.reconcileRows, m.reconcileRuns, m.reconcileLast,
		m.requestDuration,
	)
	return m
}

func (m *Metrics) Resolution(method, outcome string) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) Bind(outcome string) {
	if m == nil {
		return
	}
	m.binds.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Detection(outcome string) {
	if m == nil {
		return
	}
	m.detections.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconcileRow(outcome string) {
	if m == nil {
		return
	}
	m.reconcileRows.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReconcileRun(status string, finished time.Time) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(status).Inc()
	m.reconcileLast.Set(float64(finished.Unix()))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the prometheus text exposition.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request latency labelled by the matched route template
// rather than the raw path, keeping label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
