// Package metrics defines the engine's prometheus instruments. They register
// on the default registry and are served by the status server's /metrics
// endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ConnectAttemptsTotal counts connect outcomes per result
	// (connected, failed, lost).
	ConnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqdeck_connect_attempts_total",
			Help: "Connection attempts and drops, labelled by result.",
		},
		[]string{"result"},
	)

	// MessagesTotal counts stream appends by direction.
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqdeck_messages_total",
			Help: "Messages appended to session streams, labelled by direction.",
		},
		[]string{"direction"},
	)

	// StreamFlushesTotal counts coalesced inbound flush notifications.
	StreamFlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mqdeck_stream_flushes_total",
			Help: "Inbound message flush notifications delivered to consumers.",
		},
	)

	// ActiveSessions tracks live Session instances held by the registry.
	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "mqdeck_active_sessions",
			Help: "Live session instances cached by the connection registry.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ConnectAttemptsTotal,
		MessagesTotal,
		StreamFlushesTotal,
		ActiveSessions,
	)
}
