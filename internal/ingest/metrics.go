package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var ingestTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "signalrelay_ingest_total",
		Help: "Webhook alerts by outcome.",
	},
	[]string{"outcome"},
)
