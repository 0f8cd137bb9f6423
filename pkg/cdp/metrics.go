package cdp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics in this package are package-level singletons registered
// once at package init, shared across every Registry/Session/event ring
// instance and distinguished by label where needed — mirrors how the
// teacher's pkg/ipc/metrics.go registers its gauges once rather than per
// Hub instance.
var (
	discoveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "registry",
		Name:      "discovery_failures_total",
		Help:      "Failed calls to the browser's /json discovery endpoints.",
	})

	commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "cdp",
		Name:      "commands_sent_total",
		Help:      "CDP commands sent, by method.",
	}, []string{"method"})

	commandErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "cdp",
		Name:      "command_errors_total",
		Help:      "CDP command failures, by error kind.",
	}, []string{"kind"})

	commandLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "cdpbridge",
		Subsystem: "cdp",
		Name:      "command_latency_ms",
		Help:      "CDP command round-trip latency in milliseconds.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
	})

	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdpbridge",
		Subsystem: "cdp",
		Name:      "active_sessions",
		Help:      "Currently open CDP sessions.",
	})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "event",
		Name:      "received_total",
		Help:      "CDP events received, by method.",
	}, []string{"method"})

	ringOccupancy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cdpbridge",
		Subsystem: "event",
		Name:      "ring_occupancy",
		Help:      "Current event ring buffer occupancy, by target.",
	}, []string{"target_id"})

	ringEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "event",
		Name:      "ring_evictions_total",
		Help:      "Events evicted from the ring buffer due to capacity.",
	})

	networkRequestEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "state",
		Name:      "network_request_evictions_total",
		Help:      "Network request records evicted from the bounded state map.",
	})
)
