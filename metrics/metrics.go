// Package metrics exposes Prometheus metrics for the earnings service.
//
// Metrics implements earnings.Recorder so the engine reports command
// outcomes without importing Prometheus, and provides a chi-compatible
// middleware for HTTP latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/warp/earnings-engine/earnings"
)

// Metrics holds all earnings metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Business metrics
	ShiftsStarted    *prometheus.CounterVec
	ShiftsCompleted  prometheus.Counter
	ShiftHours       prometheus.Histogram
	AccrualsRecorded *prometheus.CounterVec
	RatesUpdated     *prometheus.CounterVec
	CommandErrors    *prometheus.CounterVec
}

var _ earnings.Recorder = (*Metrics)(nil)

// New creates a Metrics instance on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "earnings"
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: registry}

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	m.ShiftsStarted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shifts_started_total",
			Help:      "StartShift calls, split by whether an open shift was resumed",
		},
		[]string{"resumed"},
	)

	m.ShiftsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "shifts_completed_total",
			Help:      "Shifts moved to completed",
		},
	)

	m.ShiftHours = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shift_duration_hours",
			Help:      "Duration of completed shifts in hours",
			Buckets:   []float64{0.5, 1, 2, 4, 6, 8, 10, 12, 16, 24},
		},
	)

	m.AccrualsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accruals_recorded_total",
			Help:      "Accrual events appended, by kind",
		},
		[]string{"kind"},
	)

	m.RatesUpdated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rates_updated_total",
			Help:      "Rate changes, by field",
		},
		[]string{"field"},
	)

	m.CommandErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Failed engine commands, by operation and error kind",
		},
		[]string{"op", "kind"},
	)

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.ShiftsStarted,
		m.ShiftsCompleted,
		m.ShiftHours,
		m.AccrualsRecorded,
		m.RatesUpdated,
		m.CommandErrors,
	)

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// =============================================================================
// earnings.Recorder
// =============================================================================

func (m *Metrics) ShiftStarted(resumed bool) {
	m.ShiftsStarted.WithLabelValues(strconv.FormatBool(resumed)).Inc()
}

func (m *Metrics) ShiftCompleted(hours float64) {
	m.ShiftsCompleted.Inc()
	m.ShiftHours.Observe(hours)
}

func (m *Metrics) AccrualRecorded(kind earnings.EventType) {
	m.AccrualsRecorded.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) RateUpdated(field earnings.RateField) {
	m.RatesUpdated.WithLabelValues(string(field)).Inc()
}

func (m *Metrics) CommandFailed(op string, err error) {
	m.CommandErrors.WithLabelValues(op, earnings.Kind(err)).Inc()
}

// =============================================================================
// HTTP
// =============================================================================

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
}

// Middleware records request count and latency labelled by the chi route
// pattern, not the raw path, to keep cardinality bounded.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, route, status, time.Since(start))
	})
}
