package rectifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reportsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_rectifier_reports_published_total", Help: "Normalized reports published on the report channel.",
	})
	responsesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_rectifier_responses_sent_total", Help: "Rectified coordinates pushed back to waiting devices.",
	})
	lookupsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_rectifier_lookups_failed_total", Help: "Lookaside queries that returned no location.",
	})
	lookupDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trkplane_rectifier_lookup_duration_seconds",
		Help:    "Lookaside query latency.",
		Buckets: prometheus.DefBuckets,
	})
)
