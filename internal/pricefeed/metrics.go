package pricefeed

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var priceReadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keeper_price_reads_total",
	Help: "Price reads by call site and the source that served them",
}, []string{"site", "source"})

var chainlinkMemoTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "keeper_chainlink_memo_total",
	Help: "Chainlink fallback memo lookups by result",
}, []string{"result"})

func observe(site, source string) {
	priceReadsTotal.WithLabelValues(site, source).Inc()
}
