// Package telemetry exposes Prometheus metrics for the HTTP surface, the
// services and the database pool.
package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carepulse/carepulse/internal/platform/db"
)

const namespace = "carepulse"

// Outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics owns a private registry so tests can create as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	httpInFlight   prometheus.Gauge
	appointmentOps *prometheus.CounterVec
	registrations  *prometheus.CounterVec
	notifications  *prometheus.CounterVec
	reminders      *prometheus.CounterVec
}

// New builds the collectors and registers them with the Go and process
// collectors under the given service label.
func New(service string) *Metrics {
	constLabels := prometheus.Labels{"service": service}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "http_requests_total",
			Help:        "HTTP requests by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "http_request_duration_seconds",
			Help:        "HTTP request latency.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"method", "route"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "http_requests_in_flight",
			Help:        "Requests currently being served.",
			ConstLabels: constLabels,
		}),
		appointmentOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "appointment_operations_total",
			Help:        "Appointment create, schedule and cancel operations by outcome.",
			ConstLabels: constLabels,
		}, []string{"operation", "outcome"}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "registrations_total",
			Help:        "User and patient registrations by outcome.",
			ConstLabels: constLabels,
		}, []string{"kind", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "notifications_total",
			Help:        "Patient SMS notifications by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "reminders_total",
			Help:        "Appointment reminders by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.httpInFlight,
		m.appointmentOps,
		m.registrations,
		m.notifications,
		m.reminders,
	)
	return m
}

// RegisterPool exports connection pool gauges read from probe at scrape time.
func (m *Metrics) RegisterPool(probe db.Probe) {
	gauge := func(name, help string, read func(*db.PoolStats) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db_pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			s := probe.Stats()
			if s == nil {
				return 0
			}
			return float64(read(s))
		})
	}
	m.registry.MustRegister(
		gauge("total_connections", "Open connections in the pool.", func(s *db.PoolStats) int32 { return s.TotalConns }),
		gauge("idle_connections", "Idle connections in the pool.", func(s *db.PoolStats) int32 { return s.IdleConns }),
		gauge("acquired_connections", "Connections checked out of the pool.", func(s *db.PoolStats) int32 { return s.AcquiredConns }),
	)
}

func outcome(ok bool) string {
	if ok {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RecordAppointment counts one appointment operation.
func (m *Metrics) RecordAppointment(operation string, ok bool) {
	m.appointmentOps.WithLabelValues(operation, outcome(ok)).Inc()
}

// RecordRegistration counts one user or patient registration.
func (m *Metrics) RecordRegistration(kind string, ok bool) {
	m.registrations.WithLabelValues(kind, outcome(ok)).Inc()
}

// RecordNotification counts one patient SMS.
func (m *Metrics) RecordNotification(sent bool) {
	m.notifications.WithLabelValues(outcome(sent)).Inc()
}

// RecordReminders adds a reminder run's totals.
func (m *Metrics) RecordReminders(sent, failed int) {
	m.reminders.WithLabelValues(OutcomeSuccess).Add(float64(sent))
	m.reminders.WithLabelValues(OutcomeFailure).Add(float64(failed))
}

// Middleware records request count, latency and in-flight requests. The
// route label is the matched route pattern so ids do not explode cardinality.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.httpInFlight.Inc()
			defer m.httpInFlight.Dec()

			start := time.Now()
			err := next(c)

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusOf(c, err))).Inc()
			return err
		}
	}
}

// statusOf reports the status the client will see, including errors echo
// has not rendered yet.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
