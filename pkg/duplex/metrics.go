package duplex

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "cdpbridge",
		Subsystem: "duplex",
		Name:      "clients_active",
		Help:      "Number of currently connected duplex clients.",
	})

	clientsConnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "duplex",
		Name:      "clients_connected_total",
		Help:      "Total duplex clients that have connected.",
	})

	clientsDisconnected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "cdpbridge",
		Subsystem: "duplex",
		Name:      "clients_disconnected_total",
		Help:      "Total duplex clients that have disconnected.",
	})
)
