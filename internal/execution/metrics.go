package execution

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricLegs = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_order_legs_total",
		Help: "Order legs sent to the broker, by outcome",
	}, []string{"gateway", "status"})
	metricSubmissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_submissions_total",
		Help: "Bracket submissions, by overall status",
	}, []string{"gateway", "status"})
	metricReconciliation = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "desk_submissions_needing_reconciliation_total",
		Help: "Submissions that left broker state unknown or partially placed",
	})
	metricCancels = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "desk_cancel_requests_total",
		Help: "Cancel requests sent to the broker, by outcome",
	}, []string{"gateway", "status"})
)

func init() {
	prometheus.MustRegister(
		metricLegs,
		metricSubmissions,
		metricReconciliation,
		metricCancels,
	)
}
