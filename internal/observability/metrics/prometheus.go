// Package metrics provides Prometheus metrics for the visit workflow.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drfirst/go-visitflow/internal/domain/visit"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	VisitsRegistered     prometheus.Counter
	WorkflowOperations   *prometheus.CounterVec
	VisitDuration        prometheus.Histogram
	LinesConfirmed       prometheus.Counter
	StockShortfalls      prometheus.Counter
	BillsFinalized       *prometheus.CounterVec
	BilledCents          *prometheus.CounterVec
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	OutboxPublishedTotal *prometheus.CounterVec
	OutboxFailedTotal    *prometheus.CounterVec
	OutboxLag            prometheus.Histogram
	FollowupsRecorded    *prometheus.CounterVec
}

// New creates all metrics and registers them with reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VisitsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visitflow_visits_registered_total",
			Help: "Total visits registered at reception",
		}),
		WorkflowOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_operations_total",
			Help: "Workflow operations by name and outcome",
		}, []string{"operation", "outcome"}),
		VisitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "visitflow_visit_duration_seconds",
			Help:    "Time from registration to the end of consultation",
			Buckets: []float64{300, 600, 900, 1800, 2700, 3600, 5400, 7200, 10800},
		}),
		LinesConfirmed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visitflow_prescription_lines_confirmed_total",
			Help: "Total prescription lines confirmed by pharmacy",
		}),
		StockShortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "visitflow_stock_shortfalls_total",
			Help: "Stock decrements that exceeded available stock",
		}),
		BillsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_bills_finalized_total",
			Help: "Bills finalized by payment type",
		}, []string{"payment_type"}),
		BilledCents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_billed_cents_total",
			Help: "Billed amount in cents by payment type",
		}, []string{"payment_type"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "visitflow_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route"}),
		OutboxPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_outbox_published_total",
			Help: "Outbox entries published to the broker",
		}, []string{"topic", "event_type"}),
		OutboxFailedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_outbox_failed_total",
			Help: "Outbox publish attempts that failed",
		}, []string{"topic", "event_type"}),
		OutboxLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "visitflow_outbox_lag_seconds",
			Help:    "Delay between an event being written and published",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		FollowupsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "visitflow_stock_followups_total",
			Help: "Stock shortfall follow-ups by outcome",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.VisitsRegistered,
		m.WorkflowOperations,
		m.VisitDuration,
		m.LinesConfirmed,
		m.StockShortfalls,
		m.BillsFinalized,
		m.BilledCents,
		m.HTTPRequests,
		m.HTTPDuration,
		m.OutboxPublishedTotal,
		m.OutboxFailedTotal,
		m.OutboxLag,
		m.FollowupsRecorded,
	)

	return m
}

// Outcome classifies a workflow error into a low-cardinality label
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, visit.ErrValidation):
		return "validation"
	case errors.Is(err, visit.ErrNotFound):
		return "not_found"
	case errors.Is(err, visit.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, visit.ErrDuplicateActiveVisit), errors.Is(err, visit.ErrPractitionerBusy):
		return "conflict"
	case errors.Is(err, visit.ErrLineLocked), errors.Is(err, visit.ErrNotReady), errors.Is(err, visit.ErrEmptySet):
		return "rejected"
	default:
		return "error"
	}
}

// Operation records one workflow operation
func (m *Metrics) Operation(name string, err error) {
	if m == nil {
		return
	}
	m.WorkflowOperations.WithLabelValues(name, Outcome(err)).Inc()
}

// VisitRegistered counts a new visit
func (m *Metrics) VisitRegistered() {
	if m == nil {
		return
	}
	m.VisitsRegistered.Inc()
}

// VisitCompleted observes how long a patient spent from time in to time out
func (m *Metrics) VisitCompleted(d time.Duration) {
	if m == nil {
		return
	}
	m.VisitDuration.Observe(d.Seconds())
}

// LinesDispensed counts confirmed lines and shortfalls of one confirmation
func (m *Metrics) LinesDispensed(confirmed, shortfalls int) {
	if m == nil {
		return
	}
	m.LinesConfirmed.Add(float64(confirmed))
	m.StockShortfalls.Add(float64(shortfalls))
}

// BillFinalized counts a finalized bill and its amount
func (m *Metrics) BillFinalized(paymentType string, amount visit.Amount) {
	if m == nil {
		return
	}
	m.BillsFinalized.WithLabelValues(paymentType).Inc()
	m.BilledCents.WithLabelValues(paymentType).Add(float64(amount))
}

// HTTPRequest records one served request
func (m *Metrics) HTTPRequest(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// OutboxPublished records a relayed outbox entry and its lag
func (m *Metrics) OutboxPublished(topic, eventType string, lag time.Duration) {
	if m == nil {
		return
	}
	m.OutboxPublishedTotal.WithLabelValues(topic, eventType).Inc()
	m.OutboxLag.Observe(lag.Seconds())
}

// OutboxFailed records a failed publish attempt
func (m *Metrics) OutboxFailed(topic, eventType string) {
	if m == nil {
		return
	}
	m.OutboxFailedTotal.WithLabelValues(topic, eventType).Inc()
}

// FollowupRecorded counts a handled stock shortfall message
func (m *Metrics) FollowupRecorded(outcome string) {
	if m == nil {
		return
	}
	m.FollowupsRecorded.WithLabelValues(outcome).Inc()
}

// Handler returns the Prometheus HTTP handler for g
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
