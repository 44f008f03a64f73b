// Package metrics provides Prometheus metrics collection for the memory
// service. It tracks operation counts and latencies, upstream collaborator
// latencies, and index consistency repairs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "recall"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
	0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0,
}

var (
	// OperationTotal counts public memory operations by outcome.
	OperationTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operation_total",
			Help:      "Total number of memory operations",
		},
		[]string{"operation", "status"},
	)

	// OperationLatency tracks end-to-end latency per public operation.
	OperationLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_latency_seconds",
			Help:      "Memory operation latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"operation"},
	)

	// UpstreamLatency tracks calls to the embedding service and vector index.
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_latency_seconds",
			Help:      "Upstream collaborator call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"target", "call"},
	)

	// PartialIndexFailures counts durable writes whose index upsert failed.
	PartialIndexFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partial_index_failures_total",
			Help:      "Memories stored durably but missing from the vector index",
		},
	)

	// ReconcileRepairs counts index entries re-created by the reconciler.
	ReconcileRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Vector index entries repaired by the reconciliation sweep",
		},
	)

	// SearchCandidates tracks how many index candidates survive resolution
	// against the structured store.
	SearchCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "search_candidates",
			Help:      "Vector index candidates per search, before and after store resolution",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"stage"},
	)
)
