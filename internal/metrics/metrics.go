// Package metrics holds the Prometheus instruments for the work requests
// service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TransitionsTotal counts successful status transitions by edge.
	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "work_requests",
		Name:      "status_transitions_total",
		Help:      "Successful work request status transitions.",
	}, []string{"from", "to"})

	// DecisionsTotal counts recorded approval decisions by kind.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "work_requests",
		Name:      "approval_decisions_total",
		Help:      "Recorded approval decisions.",
	}, []string{"decision"})

	// VersionConflictsTotal counts compare-and-swap writes rejected on a
	// stale version.
	VersionConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "work_requests",
		Name:      "version_conflicts_total",
		Help:      "Writes rejected by the optimistic version check.",
	})

	// CompensationsTotal counts compensating rollbacks by outcome.
	CompensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "work_requests",
		Name:      "compensations_total",
		Help:      "Compensating rollbacks after partial submit failures.",
	}, []string{"outcome"})
)
