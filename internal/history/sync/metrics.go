package sync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for syncAttempts.
const (
	outcomeSynced     = "synced"
	outcomeSkipped    = "skipped"
	outcomeValidation = "validation"
	outcomeRetryable  = "retryable"
	outcomeFatal      = "fatal"
)

var (
	// syncAttempts counts session sync attempts by outcome
	syncAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jouster_sync_attempts_total",
		Help: "Total session sync attempts by outcome",
	}, []string{"outcome"})

	// syncDuration tracks the latency of a single session write
	syncDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "jouster_sync_duration_seconds",
		Help:    "Session sync duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
	})

	// provisionTotal counts table provisioning runs by outcome
	provisionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "jouster_sync_provision_total",
		Help: "Total table provisioning runs by outcome",
	}, []string{"outcome"})
)
