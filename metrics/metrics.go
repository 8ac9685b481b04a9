// Package metrics exposes Prometheus collectors for ledger operations.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/credit-ledger/credit"
)

// Collector implements credit.Observer and records reconciler runs.
type Collector struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	retries    *prometheus.CounterVec
	quantity   *prometheus.CounterVec
	drift      prometheus.Gauge
	reconciles *prometheus.CounterVec
}

// NewCollector registers the ledger metrics on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	return &Collector{
		operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_operations_total",
			Help: "Ledger operations by type and outcome code (ok, replayed or an error code)",
		}, []string{"operation", "outcome"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credit_ledger_operation_duration_seconds",
			Help:    "Ledger operation latency including conflict retries",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_conflict_retries_total",
			Help: "Attempts beyond the first caused by concurrent balance updates",
		}, []string{"operation"}),
		quantity: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_quantity_total",
			Help: "Units applied by committed operations",
		}, []string{"operation"}),
		drift: f.NewGauge(prometheus.GaugeOpts{
			Name: "credit_ledger_balance_drift",
			Help: "Balances that disagreed with their ledger in the last reconciliation",
		}),
		reconciles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_ledger_reconcile_runs_total",
			Help: "Reconciliation runs by result",
		}, []string{"result"}),
	}
}

// Observe implements credit.Observer.
func (c *Collector) Observe(_ context.Context, o credit.Outcome) {
	op := string(o.Operation)
	c.operations.WithLabelValues(op, outcomeLabel(o)).Inc()
	c.duration.WithLabelValues(op).Observe(o.Duration.Seconds())
	if o.Attempts > 1 {
		c.retries.WithLabelValues(op).Add(float64(o.Attempts - 1))
	}
	if o.Err == nil && !o.Result.Replayed && o.Result.Transaction != nil {
		c.quantity.WithLabelValues(op).Add(float64(o.Result.Transaction.Quantity))
	}
}

func outcomeLabel(o credit.Outcome) string {
	switch {
	case o.Err != nil:
		return string(credit.CodeOf(o.Err))
	case o.Result.Replayed:
		return "replayed"
	default:
		return "ok"
	}
}

// RecordReconcile records one reconciliation run.
func (c *Collector) RecordReconcile(drifted int, err error) {
	if err != nil {
		c.reconciles.WithLabelValues("error").Inc()
		return
	}
	c.reconciles.WithLabelValues("ok").Inc()
	c.drift.Set(float64(drifted))
}

var _ credit.Observer = (*Collector)(nil)
