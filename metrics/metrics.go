// Package metrics holds the Prometheus collectors of the sync engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	StreamFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "stream",
		Name:      "frames_total",
		Help:      "Stream frames decoded into messages.",
	})
	StreamMalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "stream",
		Name:      "malformed_frames_total",
		Help:      "Stream frames dropped because the payload did not parse.",
	})
	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "stream",
		Name:      "reconnects_total",
		Help:      "Successful stream reconnects after a backoff.",
	})
	StreamTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "stream",
		Name:      "state_transitions_total",
		Help:      "Stream session state transitions by target state.",
	}, []string{"state"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "send",
		Name:      "messages_total",
		Help:      "Messages accepted by the server.",
	})
	SendFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "send",
		Name:      "failures_total",
		Help:      "Send calls that failed after reaching the network.",
	})
	MarkReadFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dmsync",
		Subsystem: "read",
		Name:      "mark_read_failures_total",
		Help:      "Server mark-read calls that failed; local state is kept.",
	})
)

// Handler returns an http.Handler for Prometheus scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
