// Package metrics exposes Prometheus instrumentation for the saga and
// event store subsystems.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventAppends counts event store appends by result.
	EventAppends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "eventstore",
		Name:      "appends_total",
		Help:      "Event store append attempts by result.",
	}, []string{"result"})

	// SagasStarted counts orchestrated sagas started.
	SagasStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "saga",
		Name:      "started_total",
		Help:      "Orchestrated sagas started.",
	})

	// SagasFinished counts orchestrated sagas by terminal outcome.
	SagasFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "saga",
		Name:      "finished_total",
		Help:      "Orchestrated sagas reaching a terminal state.",
	}, []string{"outcome"})

	// SagaTransitions counts state machine transitions.
	SagaTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "saga",
		Name:      "transitions_total",
		Help:      "Saga state transitions by target state.",
	}, []string{"to_state"})

	// SagaDuration observes wall time from start to terminal state.
	SagaDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "salecoord",
		Subsystem: "saga",
		Name:      "duration_seconds",
		Help:      "Saga duration from start to terminal state.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})

	// CompensationExecutions counts compensation action executions by result.
	CompensationExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "compensation",
		Name:      "executions_total",
		Help:      "Compensation action executions by result.",
	}, []string{"result"})

	// CompensationRetries counts re-queued compensation actions.
	CompensationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "compensation",
		Name:      "retries_total",
		Help:      "Compensation actions re-queued for retry.",
	})

	// ReplaysStarted counts replay runs by mode.
	ReplaysStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "replay",
		Name:      "started_total",
		Help:      "Event replays started by mode.",
	}, []string{"mode"})

	// CacheHits counts reconstruction cache hits and misses.
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "salecoord",
		Subsystem: "reconstruction",
		Name:      "cache_total",
		Help:      "Reconstruction cache lookups by result.",
	}, []string{"result"})
)
