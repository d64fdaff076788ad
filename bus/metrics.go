package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_bus_events_total",
			Help: "Bus events received by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	publishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_bus_published_total",
			Help: "Bus events published by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	dedupeEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_bus_dedupe_entries",
			Help: "Keys held by the bus dedupe set",
		},
	)
)
