package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "appocar",
		Subsystem: "ws",
		Name:      "sessions_open",
		Help:      "Currently open WebSocket sessions.",
	})

	roomsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "appocar",
		Subsystem: "ws",
		Name:      "rooms_open",
		Help:      "Conversation rooms with at least one session.",
	})

	framesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "appocar",
		Subsystem: "ws",
		Name:      "frames_total",
		Help:      "Inbound frames by type and outcome.",
	}, []string{"type", "outcome"})

	deliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "appocar",
		Subsystem: "ws",
		Name:      "deliveries_dropped_total",
		Help:      "Outbound frames dropped because a session queue was full or closing.",
	})
)
