// Package metrics holds the Prometheus collectors for foreman.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	namespace = "foreman"

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "transitions_total",
			Help:      "State transitions by event and result (applied, rejected)",
		},
		[]string{"event", "from", "to", "result"},
	)

	jobsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Work jobs submitted by command kind; deduplicated submissions count as reused",
		},
		[]string{"cmd", "outcome"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Work jobs completed by command kind and status",
		},
		[]string{"cmd", "status"},
	)

	jobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from job start to completion",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"cmd"},
	)

	operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orchestrator",
			Name:      "errors_total",
			Help:      "Lifecycle operation failures by operation and error kind",
		},
		[]string{"op", "kind"},
	)

	reconcileActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "powerstate",
			Name:      "actions_total",
			Help:      "Reconciler decisions by action (deferred, power_on_drift, stopped, ha_restart, noop)",
		},
		[]string{"action"},
	)

	reconcileTime = promauto.NewSummary(
		prometheus.SummaryOpts{
			Namespace:  namespace,
			Subsystem:  "powerstate",
			Name:       "reconcile_duration_milliseconds",
			Help:       "Time taken to reconcile one host report (in milliseconds)",
			Objectives: map[float64]float64{0.5: 0.01, 0.9: 0.01, 0.99: 0.01},
		},
	)

	stalledItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "workitems",
			Name:      "stalled_total",
			Help:      "Stalled work items handled by the scanner, by resolution",
		},
		[]string{"resolution"},
	)
)

// RecordTransition counts an applied or rejected state transition.
func RecordTransition(event, from, to string, applied bool) {
	result := "applied"
	if !applied {
		result = "rejected"
	}
	transitions.WithLabelValues(event, from, to, result).Inc()
}

// RecordSubmit counts a dispatcher submission. reused is true when an
// existing pending job was returned instead of a new one.
func RecordSubmit(cmd string, reused bool) {
	outcome := "new"
	if reused {
		outcome = "reused"
	}
	jobsSubmitted.WithLabelValues(cmd, outcome).Inc()
}

// RecordJobCompletion counts a finished job and observes its run time.
func RecordJobCompletion(cmd, status string, took time.Duration) {
	jobsCompleted.WithLabelValues(cmd, status).Inc()
	jobDuration.WithLabelValues(cmd).Observe(took.Seconds())
}

// RecordOperationError counts a failed lifecycle operation.
func RecordOperationError(op, kind string) {
	operationErrors.WithLabelValues(op, kind).Inc()
}

// RecordReconcileAction counts one reconciler decision.
func RecordReconcileAction(action string) {
	reconcileActions.WithLabelValues(action).Inc()
}

// ObserveReconcileTime records how long one report took to process.
func ObserveReconcileTime(d time.Duration) {
	reconcileTime.Observe(float64(d.Milliseconds()))
}

// RecordStalled counts a stalled work item resolution.
func RecordStalled(resolution string) {
	stalledItems.WithLabelValues(resolution).Inc()
}
