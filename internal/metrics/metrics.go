// ABOUTME: Prometheus collectors for the gateway bridge
// ABOUTME: Frame intake, subscription delivery, chat streaming and busy-guard contention

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons for FramesDropped.
const (
	ReasonDecode    = "decode"
	ReasonDuplicate = "duplicate"
)

// Outcomes for ChatRequests.
const (
	OutcomeCompleted = "completed"
	OutcomeFallback  = "fallback"
	OutcomeRejected  = "rejected"
)

var (
	FramesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_gateway_frames_received_total",
		Help: "Total inbound frames read from the gateway.",
	})
	FramesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neko_gateway_frames_dropped_total",
		Help: "Inbound frames dropped before fan-out, by reason.",
	}, []string{"reason"})
	ActionsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_gateway_actions_sent_total",
		Help: "Total outbound action frames written to the gateway.",
	})

	EventsDelivered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_subscription_events_delivered_total",
		Help: "Events handed to subscription handlers after filtering.",
	})
	EventsOverflowed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_subscription_overflow_total",
		Help: "Events dropped because a subscriber queue was full.",
	})
	HandlerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_subscription_handler_errors_total",
		Help: "Handler invocations that returned an error or panicked.",
	})

	ChatRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neko_chat_requests_total",
		Help: "Streaming chat requests, by terminal outcome.",
	}, []string{"outcome"})
	ChatUnits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_chat_units_total",
		Help: "Lines dispatched from streaming chat responses.",
	})

	PoolOverflow = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "neko_workpool_overflow_total",
		Help: "Tasks that found the worker queue full and waited for a slot off the caller.",
	})

	BusyRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "neko_busy_rejections_total",
		Help: "Requests turned away because an exclusive backend was busy.",
	}, []string{"resource"})
)

// Register adds every collector to the default registry.
func Register() {
	prometheus.MustRegister(
		FramesReceived, FramesDropped, ActionsSent,
		EventsDelivered, EventsOverflowed, HandlerErrors,
		ChatRequests, ChatUnits,
		PoolOverflow, BusyRejections,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
