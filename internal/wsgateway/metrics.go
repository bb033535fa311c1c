package wsgateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	clients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trkplane_wsgateway_clients", Help: "Connected websocket clients.",
	})
	watchedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trkplane_wsgateway_watched_devices", Help: "Devices with at least one live subscription.",
	})
	messagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_wsgateway_messages_sent_total", Help: "Messages queued to websocket clients.",
	})
	messagesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_wsgateway_messages_dropped_total", Help: "Messages dropped because a client's send queue was full.",
	})
	commandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_wsgateway_commands_sent_total", Help: "Terminal commands accepted from websocket clients.",
	})
)
