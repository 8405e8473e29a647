// Package metrics provides Prometheus instrumentation for the chat servers. It
// exposes gauges for connection and room counts, counters for frame
// throughput, broker and durability failures, and a histogram for dispatch
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of authenticated connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of authenticated WebSocket connections",
	})

	// RoomsActive tracks the rooms this instance holds a broker subscription for.
	RoomsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_rooms_active",
		Help: "Current number of rooms with at least one local member",
	})

	// MessagesTotal counts client frames, labeled by outcome:
	// "received", "delivered", or "blocked".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_total",
		Help: "Total number of frames processed",
	}, []string{"type"})

	// DispatchLatency records how long the router takes to handle one frame.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_dispatch_latency_seconds",
		Help:    "Frame dispatch latency in seconds",
		Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// BrokerErrors counts failed broker operations by op:
	// "subscribe", "unsubscribe", or "publish".
	BrokerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_broker_errors_total",
		Help: "Total number of failed broker operations",
	}, []string{"op"})

	// PublishDropped counts broadcast payloads dropped because a publish
	// queue was full.
	PublishDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_publish_dropped_total",
		Help: "Broadcast payloads dropped before reaching the broker",
	})

	// DurabilityAppends counts producer appends by stream and result:
	// "ok", "dropped", or "error".
	DurabilityAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_durability_appends_total",
		Help: "Durability appends by stream and result",
	}, []string{"stream", "result"})

	// ConsumerApplied counts consumed envelopes by stream and result:
	// "ok", "skipped", or "error".
	ConsumerApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_consumer_applied_total",
		Help: "Durability envelopes applied by stream and result",
	}, []string{"stream", "result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsActive,
		MessagesTotal,
		DispatchLatency,
		BrokerErrors,
		PublishDropped,
		DurabilityAppends,
		ConsumerApplied,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
