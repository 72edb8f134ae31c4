package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "rides_created_total", Help: "Total number of rides requested"})
	RideAccepts   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_accepts_total", Help: "Accept attempts by outcome"}, []string{"result"})
	RideCompletes = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "ride_completes_total", Help: "Complete attempts by outcome"}, []string{"result"})
	LockWait      = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "ride_lock_wait_seconds", Help: "Time spent waiting for a ride lock", Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5}})

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rate_limit_decisions_total", Help: "Admission decisions by outcome"},
		[]string{"decision"},
	)

	LocationUpdates  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver location updates by outcome"}, []string{"result"})
	LocationMessages = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_messages_total", Help: "Location messages read from the ingest topic by outcome"}, []string{"result"})
	NearbyQueries    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "nearby_queries_total", Help: "Nearby-driver queries served"})
	NearbyResults    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "nearby_result_size", Help: "Drivers returned per nearby query", Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100}})

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Ride events handed to notification sinks"},
		[]string{"sink", "result"},
	)
	WSSubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "ws_subscribers_dropped_total", Help: "WebSocket subscribers disconnected for falling behind"})
	FareHolds            = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "fare_holds_total", Help: "Payment hold operations by step and outcome"}, []string{"step", "result"})

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
