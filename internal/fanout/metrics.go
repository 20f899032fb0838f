package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fanoutMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalrelay_fanout_messages_total",
			Help: "Live pushes by outcome.",
		},
		[]string{"outcome"},
	)
	fanoutSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "signalrelay_fanout_sessions",
			Help: "Open live sessions.",
		},
	)
	fanoutWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "signalrelay_fanout_write_failures_total",
			Help: "Live session writes that failed or timed out.",
		},
	)
)
