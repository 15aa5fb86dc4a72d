package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "active_connections",
		Help:      "Number of currently connected websocket sessions.",
	})

	handshakeRejects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "handshake_rejects_total",
		Help:      "Handshakes rejected before upgrade (auth failures).",
	})

	framesIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "frames_in_total",
		Help:      "Inbound frames accepted for processing, by type.",
	}, []string{"type"})

	framesOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "frames_out_total",
		Help:      "Frames enqueued to client send queues, by type.",
	}, []string{"type"})

	broadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "broadcast_drops_total",
		Help:      "Frames dropped because a client send queue was full.",
	})

	rateLimitTrips = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "weft",
		Subsystem: "broker",
		Name:      "rate_limit_trips_total",
		Help:      "Connections closed for exceeding the inbound frame rate limit.",
	})
)
