package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_collector_connections_accepted_total", Help: "Terminal connections accepted.",
	})
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trkplane_collector_connections_active", Help: "Terminal connections currently served.",
	})
	packetsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_collector_packets_received_total", Help: "Deframed packets received from terminals.",
	})
	framingViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_collector_framing_violations_total", Help: "Framing violations reported by the deframers.",
	})
	responsesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_collector_responses_sent_total", Help: "Response packets written to terminals.",
	})
	responsesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_collector_responses_dropped_total", Help: "Responses addressed to devices that are not connected.",
	})
)
