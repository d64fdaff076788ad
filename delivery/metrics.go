package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_delivery_transitions_total",
			Help: "Delivery record transitions by target state",
		},
		[]string{"to"},
	)

	deliveredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "minichat_delivery_delivered_total",
			Help: "Delivery records that reached DELIVERED",
		},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_delivery_failures_total",
			Help: "Delivery failures by reason",
		},
		[]string{"reason"},
	)

	ackTimersArmed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_delivery_ack_timers",
			Help: "ACK timers currently armed",
		},
	)

	acksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_delivery_acks_total",
			Help: "Client ACKs by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)
