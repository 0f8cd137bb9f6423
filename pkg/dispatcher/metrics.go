package dispatcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "dispatch",
		Name:      "calls_total",
		Help:      "Tool dispatches by tool name and outcome.",
	}, []string{"tool", "outcome"})

	dispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cdpbridge",
		Subsystem: "dispatch",
		Name:      "latency_ms",
		Help:      "Tool dispatch latency in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"tool"})
)
