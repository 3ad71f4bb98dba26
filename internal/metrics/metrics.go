// Package metrics exposes Prometheus collectors for the session engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cliproom",
		Name:      "active_sessions",
		Help:      "Number of sessions currently in the registry",
	})

	LiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cliproom",
		Name:      "live_connections",
		Help:      "Number of live WebSocket connections across all sessions",
	})

	BroadcastEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cliproom",
		Name:      "broadcast_events_total",
		Help:      "Events fanned out to session connections, by event type",
	}, []string{"type"})

	BroadcastFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cliproom",
		Name:      "broadcast_failures_total",
		Help:      "Per-connection delivery failures swallowed at the fan-out boundary",
	})

	EvictedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cliproom",
		Name:      "evicted_sessions_total",
		Help:      "Sessions reclaimed by the eviction sweeper",
	})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cliproom",
		Name:      "upload_bytes_total",
		Help:      "Bytes accepted into the artifact store via uploads",
	})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
