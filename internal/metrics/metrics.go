// Package metrics exposes prometheus collectors for terminal sessions.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "webterminal"

var (
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Remote shell sessions currently held in the registry.",
	})

	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_created_total",
		Help:      "Remote shell sessions successfully opened.",
	})

	SessionCreateFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_create_failures_total",
		Help:      "Remote shell sessions that failed to open.",
	})

	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_evicted_total",
		Help:      "Sessions removed from the registry, by cause.",
	}, []string{"cause"})

	ClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "clients_connected",
		Help:      "Client connections currently open.",
	})

	BytesIn = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "input_bytes_total",
		Help:      "Bytes written to remote shells.",
	})

	BytesOut = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_bytes_total",
		Help:      "Bytes relayed from remote shells to clients.",
	})

	ClientErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_errors_total",
		Help:      "Error events sent to clients, by message.",
	}, []string{"message"})

	DroppedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_frames_total",
		Help:      "Inbound frames discarded before reaching a session, by reason.",
	}, []string{"reason"})
)

// Handler serves the default registry in the prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
