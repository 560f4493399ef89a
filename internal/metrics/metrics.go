// Package metrics provides Prometheus instrumentation for the Vibe chat
// server: gauges for connection, queue and pair counts, plus counters for
// message throughput.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live sessions.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_connections_total",
		Help: "Current number of connected clients",
	})

	// WaitingUsers tracks the current wait queue length.
	WaitingUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_waiting_users",
		Help: "Current number of clients awaiting a match",
	})

	// ActivePairs tracks the current number of active chat pairs.
	ActivePairs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vibe_active_pairs",
		Help: "Current number of active chat pairs",
	})

	// MessagesTotal counts messages processed, labeled "relayed" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vibe_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// PairDuration records how long pairs last, observed at teardown.
	PairDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vibe_pair_duration_seconds",
		Help:    "Lifetime of chat pairs from match to teardown",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingUsers,
		ActivePairs,
		MessagesTotal,
		PairDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
