package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProfilesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqlens_profiles_total",
		Help: "The total number of request profiles finalized",
	})

	EventsCaptured = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqlens_events_captured_total",
		Help: "Captured events by kind",
	}, []string{"kind"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqlens_events_dropped_total",
		Help: "Events dropped outside any request context, by reason",
	}, []string{"reason"})

	SlowQueries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reqlens_slow_queries_total",
		Help: "Queries tagged slow during request analysis",
	})

	ExplainRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reqlens_explain_runs_total",
		Help: "EXPLAIN analyses attempted, by outcome",
	}, []string{"outcome"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqlens_request_latency_seconds",
		Help:    "Profiled request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
