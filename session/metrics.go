package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "iotrelay",
		Subsystem: "session",
		Name:      "live_connections",
		Help:      "Number of observer connections held by the session registry",
	})

	deliveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotrelay",
		Subsystem: "session",
		Name:      "deliveries_total",
		Help:      "Payload deliveries to observer connections by result",
	}, []string{"result"})

	sweptConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotrelay",
		Subsystem: "session",
		Name:      "swept_connections_total",
		Help:      "Closed observer connections removed by the sweep",
	})
)

const (
	resultDelivered = "delivered"
	resultMissed    = "missed"
	resultClosed    = "closed"
)
