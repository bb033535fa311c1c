package storage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_storage_events_stored_total", Help: "Raw traffic events written to the events table.",
	})
	reportsStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_storage_reports_stored_total", Help: "Rectified location reports written to the reports table.",
	})
	pmodUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trkplane_storage_pmodmap_updates_total", Help: "Writes to the imei to protocol module map.",
	})
)
