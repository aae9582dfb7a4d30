// Package metrics provides Prometheus instrumentation for the matchmaking
// engine. It exposes gauges for queue and session counts, counters for relay
// throughput, and histograms for matching latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roulette_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// QueueSize tracks the number of participants waiting, per chat mode.
	QueueSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "roulette_queue_size",
		Help: "Current number of participants in the matching queue",
	}, []string{"mode"})

	// ActiveSessions tracks the current number of active sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roulette_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MessagesTotal counts relayed traffic by outcome: "relayed", "rejected",
	// "too_long", "dropped".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// SignalsTotal counts forwarded signaling payloads by kind.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roulette_signals_total",
		Help: "Total number of signaling payloads forwarded",
	}, []string{"kind"})

	// MatchDuration records the time participants spent queued before a match.
	MatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roulette_match_duration_seconds",
		Help:    "Time from queue join to match",
		Buckets: []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
	})

	// RelayLatency records message relay processing latency in seconds.
	RelayLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "roulette_relay_latency_seconds",
		Help:    "Message relay processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		QueueSize,
		ActiveSessions,
		MessagesTotal,
		SignalsTotal,
		MatchDuration,
		RelayLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
