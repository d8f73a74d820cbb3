// Package metrics holds the prometheus collectors shared by the booking components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bookingflow"

var (
	GateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "wait_seconds",
		Help:      "Time spent waiting to acquire the per-order gate.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
	})

	GateKeys = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "gate",
		Name:      "keys",
		Help:      "Order keys currently held or awaited.",
	})

	FlowRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "requests_total",
		Help:      "Booking flow requests by stage and outcome.",
	}, []string{"stage", "outcome"})

	FlowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "flow",
		Name:      "duration_seconds",
		Help:      "Booking flow request latency by stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage"})

	IdempotencyLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "idempotency",
		Name:      "lookups_total",
		Help:      "Idempotency cache lookups by result.",
	}, []string{"result"})

	FeedItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "feed",
		Name:      "items_total",
		Help:      "Items served per change feed.",
	}, []string{"feed"})
)

// Outcome labels for FlowRequests.
const (
	OutcomeSuccess  = "success"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
	OutcomeCached   = "cached"
)
