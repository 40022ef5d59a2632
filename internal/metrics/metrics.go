// Package metrics holds the Prometheus collectors shared by the selection,
// ledger and assignment paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0}

// Health probing
var (
	ProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicaset_probe_duration_seconds",
		Help:    "Health check round trip per storage node",
		Buckets: latencyBuckets,
	}, []string{"endpoint"})

	ProbeFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicaset_probe_failures_total",
		Help: "Health checks that were dropped as unreachable",
	}, []string{"endpoint", "reason"})

	HealthyNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replicaset_healthy_nodes",
		Help: "Storage nodes that passed the most recent health sweep",
	})
)

// Selection
var (
	SelectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicaset_selections_total",
		Help: "Replica set and quorum selections by outcome",
	}, []string{"kind", "outcome"})
)

// Ledger
var (
	LedgerWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicaset_ledger_writes_total",
		Help: "Field writes submitted to the ledger",
	}, []string{"field", "outcome"})
)

// Assignment
var (
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "replicaset_assign_phase_duration_seconds",
		Help:    "Time spent in each replica set assignment phase",
		Buckets: latencyBuckets,
	}, []string{"phase"})

	AssignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "replicaset_assignments_total",
		Help: "Assignment attempts by terminal phase",
	}, []string{"phase", "outcome"})
)

// Convergence
var (
	ConvergenceDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "replicaset_convergence_duration_seconds",
		Help:    "Time until the indexing node reflected a ledger write",
		Buckets: latencyBuckets,
	})

	ConvergenceTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replicaset_convergence_timeouts_total",
		Help: "Convergence waits that hit their deadline",
	})
)
