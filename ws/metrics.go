package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "minichat_ws_sessions",
			Help: "Live websocket sessions on this instance",
		},
	)

	framesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "minichat_ws_client_frames_total",
			Help: "Client frames by type and outcome",
		},
		[]string{"type", "outcome"},
	)
)
