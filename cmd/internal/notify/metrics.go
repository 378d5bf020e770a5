package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var notificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "appocar",
	Subsystem: "notify",
	Name:      "notifications_total",
	Help:      "Notification outcomes: queued, dropped, delivered (per sink), failed (per sink).",
}, []string{"outcome"})
