package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var recordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keeper_settlement_records_total",
	Help: "Settlement record transitions by resulting status",
}, []string{"status"})
