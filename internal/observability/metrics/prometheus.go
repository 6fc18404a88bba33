// Package metrics provides Prometheus metrics for the dispense services.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsFilled    prometheus.Counter
	AvailmentsCommitted    prometheus.Counter
	AvailmentsFailed       prometheus.Counter
	AvailmentsDuplicate    prometheus.Counter
	CommitDuration         prometheus.Histogram
	StockDecrementsApplied prometheus.Counter
	StockDecrementsSkipped prometheus.Counter
	StockAdjustRejected    prometheus.Counter
	LowStockAlerts         prometheus.Counter
	OutboxPending          prometheus.Gauge
	BreakerState           *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry.
func New() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsFilled,
		m.AvailmentsCommitted,
		m.AvailmentsFailed,
		m.AvailmentsDuplicate,
		m.CommitDuration,
		m.StockDecrementsApplied,
		m.StockDecrementsSkipped,
		m.StockAdjustRejected,
		m.LowStockAlerts,
		m.OutboxPending,
		m.BreakerState,
	)
	return m
}

// NewForTesting creates unregistered metrics, so tests can construct as
// many instances as they need without registry collisions.
func NewForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_filled_total",
			Help: "Total prescriptions marked filled",
		}),
		AvailmentsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availments_committed_total",
			Help: "Total availment slips committed",
		}),
		AvailmentsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availments_failed_total",
			Help: "Total availment commits that aborted",
		}),
		AvailmentsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "availments_duplicate_total",
			Help: "Total duplicate availment submissions absorbed by idempotency",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "availment_commit_duration_seconds",
			Help:    "Availment commit duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		StockDecrementsApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_decrements_applied_total",
			Help: "Inventory decrements applied during fills",
		}),
		StockDecrementsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_decrements_skipped_total",
			Help: "Inventory decrements skipped (missing record or short stock)",
		}),
		StockAdjustRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stock_adjustments_rejected_total",
			Help: "Manual stock adjustments rejected by the non-negative floor",
		}),
		LowStockAlerts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "low_stock_alerts_total",
			Help: "Low stock alerts published by the stock monitor",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
