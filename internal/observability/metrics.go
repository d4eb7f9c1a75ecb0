package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RequestsSubmitted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "requests_submitted_total", Help: "Ride requests submitted"})
	OffersSent        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Individual driver offers broadcast"})
	ActiveRequests    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "active_requests", Help: "Ride requests not yet resolved"})
	ExpiryTimers      = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "expiry_timers_pending", Help: "Scheduled expiry checks"})

	Resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "resolutions_total", Help: "Ride requests reaching a terminal state"},
		[]string{"state", "reason"},
	)
	ResolutionLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_latency_seconds",
			Help:      "Time from submission to terminal state",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"state"},
	)
	Rejections = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rejections_total", Help: "Typed rejections returned to callers"},
		[]string{"kind", "reason"},
	)

	ParticipantsConnected = promauto.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: namespace, Name: "participants_connected", Help: "Connected participants by role"},
		[]string{"role"},
	)
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "notifications_total", Help: "Participant notifications by type and outcome"},
		[]string{"type", "outcome"},
	)
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Dispatch events shipped to the bus"},
		[]string{"type", "outcome"},
	)
	ArchiveWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "archive_writes_total", Help: "Resolved request archive writes"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "route", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)
)
