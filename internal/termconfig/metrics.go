package termconfig

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	responsesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_termconfig_responses_sent_total", Help: "Configuration responses pushed to terminals.",
	})
	encodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_termconfig_encode_failures_total", Help: "Responses dropped because the configured options did not encode.",
	})
)
