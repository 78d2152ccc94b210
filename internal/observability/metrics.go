package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreated     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "requests_created_total", Help: "Total pickup requests created"})
	InvitationsSent     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "invitations_sent_total", Help: "Total invitations sent"})
	InvitationsAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "invitations_accepted_total", Help: "Total invitations accepted"})
	TripsCreated        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "trips_created_total", Help: "Total trips created"})
	TripsStarted        = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "trips_started_total", Help: "Total trips departed"})
	TripsCompleted      = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "trips_completed_total", Help: "Total trips completed"})
	ArrivalsRecorded    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "arrivals_recorded_total", Help: "Total arrival records stored"})

	Expirations = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_matching", Name: "expirations_total", Help: "Entities expired by the sweeper or lazy checks"},
		[]string{"entity"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pickup_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
