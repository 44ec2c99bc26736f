// Package metrics provides Prometheus instrumentation for the chat client: the
// live connection status, message throughput, reconnection activity and reply
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionStatus is 1 for the session's current status and 0 for the
	// others.
	ConnectionStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "whisper_client_connection_status",
		Help: "Current connection status of the chat session (1 = active)",
	}, []string{"status"})

	// MessagesTotal counts transcript traffic, labeled by type: "sent",
	// "received", "undelivered" or "malformed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_client_messages_total",
		Help: "Total number of chat messages processed by the client",
	}, []string{"type"})

	// TypingSignals counts typing-indicator events from the server.
	TypingSignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_client_typing_signals_total",
		Help: "Total number of typing indicators received",
	})

	// ConnectAttempts counts connection attempts by result.
	ConnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "whisper_client_connect_attempts_total",
		Help: "Connection attempts made by the transport",
	}, []string{"result"}) // result = "succeeded", "failed"

	// Disconnects counts established connections that were lost.
	Disconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "whisper_client_disconnects_total",
		Help: "Established connections that were lost",
	})

	// ReplyLatency records the time from a submitted message to the next
	// assistant reply.
	ReplyLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "whisper_client_reply_latency_seconds",
		Help:    "Time from user submission to assistant reply",
		Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 20, 30, 60},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionStatus,
		MessagesTotal,
		TypingSignals,
		ConnectAttempts,
		Disconnects,
		ReplyLatency,
	)
}

// Statuses lists every label value ConnectionStatus carries.
var Statuses = []string{"connecting", "connected", "disconnected", "error"}

// SetStatus flips the ConnectionStatus gauge to status.
func SetStatus(status string) {
	for _, s := range Statuses {
		v := 0.0
		if s == status {
			v = 1
		}
		ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
