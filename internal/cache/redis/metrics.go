package redis

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var bookMutations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "keeper_orderbook_mutations_total",
		Help: "Order book mutations by operation",
	},
	[]string{"op"},
)
