package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhasesCompleted counts finished phases.
	// Labels: phase
	PhasesCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "engine",
			Name:      "phases_completed_total",
			Help:      "Total number of completed workflow phases",
		},
		[]string{"phase"},
	)

	// PhaseDuration tracks wall time per phase, repair attempts included.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "engine",
			Name:      "phase_duration_seconds",
			Help:      "Duration of workflow phases in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		},
		[]string{"phase"},
	)

	// RepairAttempts counts validation repair invocations.
	// Labels: target
	RepairAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "engine",
			Name:      "repair_attempts_total",
			Help:      "Total number of artifact repair attempts",
		},
		[]string{"target"},
	)

	// RunOutcomes counts terminal and suspended run outcomes.
	// Labels: outcome (completed, suspended, failed)
	RunOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "engine",
			Name:      "run_outcomes_total",
			Help:      "Total number of workflow run outcomes",
		},
		[]string{"outcome"},
	)
)
