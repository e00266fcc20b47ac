package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediator_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mediator_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Queue metrics
	MessagesQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediator_messages_queued_total",
			Help: "Messages added to the queue, by routing outcome (local, remote, push, queued)",
		},
		[]string{"route"},
	)

	MessagesTakenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediator_messages_taken_total",
			Help: "Messages handed out by take operations, by mode (reserve, delete)",
		},
		[]string{"mode"},
	)

	MessagesRemovedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediator_messages_removed_total",
			Help: "Messages deleted after acknowledged delivery",
		},
	)

	InFlightResetTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediator_in_flight_reset_total",
			Help: "In-flight messages reset to pending after a session died",
		},
	)

	// Push notification metrics
	PushNotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediator_push_notifications_total",
			Help: "Push notification attempts, by result (ok, error, skipped)",
		},
		[]string{"result"},
	)

	// Session metrics
	LiveSessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mediator_live_sessions",
			Help: "Live pickup sessions owned by this instance",
		},
	)

	NotificationsPublishedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mediator_notifications_published_total",
			Help: "Cross-instance new-message notifications published",
		},
	)

	NotificationsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediator_notifications_received_total",
			Help: "Cross-instance notifications received, by outcome (drained, ignored)",
		},
		[]string{"outcome"},
	)
)
