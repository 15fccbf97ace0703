package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keeper_events_total",
		Help: "Outbound lifecycle events by delivery result",
	},
	[]string{"type", "result"},
)
