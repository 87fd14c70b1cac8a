package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the scheduler's operational counters. Registering on
// a caller-supplied registerer keeps tests isolated from the default
// registry.
type Metrics struct {
	Launches        prometheus.Counter
	CompletedCycles prometheus.Counter
	CycleRetries    prometheus.Counter
	ExchangeEvents  prometheus.Counter
	ExchangeRounds  prometheus.Counter
	AcceptedSwaps   prometheus.Counter
	StatusRetries   prometheus.Counter
}

// NewMetrics creates and registers the scheduler counters.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Launches: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_replica_launches_total",
			Help: "Subjobs submitted to the execution backend.",
		}),
		CompletedCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_completed_cycles_total",
			Help: "Replica cycles confirmed complete.",
		}),
		CycleRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_cycle_retries_total",
			Help: "Cycles re-run because completion could not be confirmed.",
		}),
		ExchangeEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_exchange_events_total",
			Help: "Exchange events with at least two eligible replicas.",
		}),
		ExchangeRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_exchange_rounds_total",
			Help: "Sampling rounds performed across all exchange events.",
		}),
		AcceptedSwaps: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_accepted_swaps_total",
			Help: "State-assignment swaps applied by the samplers.",
		}),
		StatusRetries: factory.NewCounter(prometheus.CounterOpts{
			Name: "asyncre_status_io_retries_total",
			Help: "Transient status-file I/O failures that were retried.",
		}),
	}
}
