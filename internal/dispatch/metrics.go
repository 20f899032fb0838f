package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalrelay_dispatch_total",
			Help: "Dispatch attempts by channel and outcome.",
		},
		[]string{"channel", "outcome"},
	)
	dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "signalrelay_dispatch_duration_seconds",
			Help:    "Duration of channel provider sends.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)
	breakerOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalrelay_breaker_open",
			Help: "1 while the channel circuit breaker is not closed.",
		},
		[]string{"channel"},
	)
	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "signalrelay_dispatch_queue_depth",
			Help: "Jobs waiting in the ready queue per channel.",
		},
		[]string{"channel"},
	)
	deadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "signalrelay_dead_letters_total",
			Help: "Jobs moved to dead_lettered per channel.",
		},
		[]string{"channel"},
	)
)
