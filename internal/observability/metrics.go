package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	DispatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatches_total", Help: "Dispatch runs by final state"},
		[]string{"result"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_latency_seconds", Help: "End-to-end dispatch latency seconds"})
	CandidatesFound = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "candidates_found",
		Help:      "Drivers returned by the geo service per dispatch",
		Buckets:   []float64{0, 1, 2, 3, 5, 8, 13, 21},
	})

	ProposalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proposals_total", Help: "Proposal transitions by status"},
		[]string{"status"},
	)
	AcceptAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_attempts_total", Help: "Proposal acceptance attempts by outcome"},
		[]string{"outcome"},
	)

	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Notify calls by push outcome"},
		[]string{"outcome"},
	)
	PushLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "push_latency_seconds", Help: "Push gateway round trip seconds"})

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "credential_refreshes_total", Help: "Push credential acquisitions by outcome"},
		[]string{"outcome"},
	)

	TriggersConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "triggers_consumed_total", Help: "Ride request messages consumed by source and outcome"},
		[]string{"source", "outcome"},
	)
	DriversIndexed = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "driver_location_updates_total", Help: "Driver location updates written to the local index"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
