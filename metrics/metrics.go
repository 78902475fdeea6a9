// Package metrics holds the service's Prometheus collectors on a private
// registry, so tests can build as many as they like.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tutortrack/points-engine/points"
)

type Metrics struct {
	registry *prometheus.Registry

	pointsAwarded  prometheus.Counter
	pointsDeducted prometheus.Counter
	requests       *prometheus.CounterVec
	decisions      *prometheus.CounterVec
	coreErrors     *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	audits         prometheus.Counter
	discrepancies  prometheus.Gauge
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pointsAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "points_awarded_total",
			Help: "Points awarded to students by tutors and admins. Rejection refunds are not included.",
		}),
		pointsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "points_deducted_total",
			Help: "Points removed from student balances by tutors and admins.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redemption_requests_total",
			Help: "Store requests by outcome (created, out_of_stock, insufficient_balance, error).",
		}, []string{"outcome"}),
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "redemption_decisions_total",
			Help: "Approve/reject decisions applied to pending requests.",
		}, []string{"decision"}),
		coreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "core_errors_total",
			Help: "Errors returned by the engine, by kind.",
		}, []string{"kind"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
		audits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_audits_total",
			Help: "Completed ledger audits.",
		}),
		discrepancies: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_audit_discrepancies",
			Help: "Students whose balance differed from their ledger in the last audit.",
		}),
	}
	m.registry.MustRegister(
		m.pointsAwarded,
		m.pointsDeducted,
		m.requests,
		m.decisions,
		m.coreErrors,
		m.httpDuration,
		m.audits,
		m.discrepancies,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) PointsAwarded(n int64)  { m.pointsAwarded.Add(float64(n)) }
func (m *Metrics) PointsDeducted(n int64) { m.pointsDeducted.Add(float64(n)) }

// RequestCreated records the outcome of a CreateRequest call.
func (m *Metrics) RequestCreated(err error) {
	outcome := "created"
	switch {
	case err == nil:
	case errors.Is(err, points.ErrOutOfStock):
		outcome = "out_of_stock"
	case errors.Is(err, points.ErrInsufficientBalance):
		outcome = "insufficient_balance"
	default:
		outcome = "error"
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Decision(status points.RequestStatus) {
	m.decisions.WithLabelValues(string(status)).Inc()
}

// CoreError counts an engine error under its kind label.
func (m *Metrics) CoreError(err error) {
	if err == nil {
		return
	}
	m.coreErrors.WithLabelValues(Kind(err)).Inc()
}

func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	m.httpDuration.WithLabelValues(route, method, strconv.Itoa(status)).Observe(d.Seconds())
}

// LedgerAudit records a completed audit and its number of findings.
func (m *Metrics) LedgerAudit(discrepancies int) {
	m.audits.Inc()
	m.discrepancies.Set(float64(discrepancies))
}

// Kind names an engine error for labels and logs.
func Kind(err error) string {
	switch {
	case errors.Is(err, points.ErrConsistency):
		return "consistency"
	case errors.Is(err, points.ErrNotFound):
		return "not_found"
	case errors.Is(err, points.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, points.ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, points.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, points.ErrValidation):
		return "validation"
	case errors.Is(err, points.ErrForbidden):
		return "forbidden"
	case errors.Is(err, points.ErrAlreadyExists):
		return "already_exists"
	default:
		return "internal"
	}
}
