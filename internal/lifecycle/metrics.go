package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var transitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keeper_lifecycle_transitions_total",
	Help: "Market lifecycle transitions by event",
}, []string{"event"})

var stepErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keeper_lifecycle_step_errors_total",
	Help: "Per-market lifecycle step failures",
}, []string{"step"})
