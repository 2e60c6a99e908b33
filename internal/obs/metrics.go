// Copyright 2025 James Ross
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	EntriesEnqueued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_entries_enqueued_total",
		Help: "Total number of entries inserted into the outbox",
	})
	EntriesDispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_entries_dispatched_total",
		Help: "Total number of entries handed to the transport for delivery",
	})
	EntriesDone = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_entries_done_total",
		Help: "Total number of entries the transport confirmed delivered",
	})
	EntriesFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_entries_failed_total",
		Help: "Total number of entries that reached terminal failed status",
	})
	EntriesRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_entries_retried_total",
		Help: "Total number of delivery attempts that were rescheduled for retry",
	})
	EntryDispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "outbox_entry_dispatch_duration_seconds",
		Help:    "Histogram of transport.Send durations",
		Buckets: prometheus.DefBuckets,
	})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "outbox_queue_depth",
		Help: "Current entry count by channel and status",
	}, []string{"channel", "status"})
	CircuitBreakerState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	})
	CircuitBreakerTrips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_circuit_breaker_trips_total",
		Help: "Count of times the circuit breaker transitioned to Open",
	})
	StuckEntriesReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "outbox_stuck_entries_reclaimed_total",
		Help: "Total number of entries reclaimed from processing after exceeding lock_timeout",
	})
	SchedulerActiveWorkers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_scheduler_active_workers",
		Help: "Number of dispatch slots currently in use",
	})
)

func init() {
	prometheus.MustRegister(
		EntriesEnqueued, EntriesDispatched, EntriesDone, EntriesFailed, EntriesRetried,
		EntryDispatchDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips,
		StuckEntriesReclaimed, SchedulerActiveWorkers,
	)
}
