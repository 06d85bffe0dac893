package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tradefeed"

// Metrics holds every collector the client updates.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	ReconnectAttempts prometheus.Counter
	AuthFailures      prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	MalformedFrames   prometheus.Counter
	HandlerErrors     *prometheus.CounterVec
	Listeners         *prometheus.GaugeVec
	CommandsSent      *prometheus.CounterVec
	CommandsRejected  *prometheus.CounterVec
	JournalRows       *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
// A nil reg leaves them unregistered, which tests use to avoid collisions.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Transport state: 0 disconnected, 1 connecting, 2 connected, 3 closing, 4 failed.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made after a transport failure.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Handshakes rejected by the backend.",
		}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound frames by event type.",
		}, []string{"type"}),
		MalformedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames rejected at the dispatch boundary.",
		}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Listener errors and panics by event type.",
		}, []string{"type"}),
		Listeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "listeners",
			Help:      "Registered listeners by event type.",
		}, []string{"type"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_sent_total",
			Help:      "Trade commands written to the socket by action.",
		}, []string{"action"}),
		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Trade commands refused before reaching the socket by reason.",
		}, []string{"reason"}),
		JournalRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_rows_total",
			Help:      "Journal rows by outcome (written, failed, dropped).",
		}, []string{"outcome"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ReconnectAttempts,
			m.AuthFailures,
			m.FramesReceived,
			m.MalformedFrames,
			m.HandlerErrors,
			m.Listeners,
			m.CommandsSent,
			m.CommandsRejected,
			m.JournalRows,
		)
	}

	return m
}

// Handler serves the collectors registered with g in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
