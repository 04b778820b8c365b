package dataplane

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	relayedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotrelay",
		Subsystem: "relay",
		Name:      "messages_total",
		Help:      "Inbound broker messages by relay outcome",
	}, []string{"outcome"})

	persistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "iotrelay",
		Subsystem: "relay",
		Name:      "persist_failures_total",
		Help:      "Telemetry payloads which could not be stored",
	})

	relayLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "iotrelay",
		Subsystem: "relay",
		Name:      "handle_duration_seconds",
		Help:      "Time from broker receipt to relay completion",
		Buckets:   prometheus.DefBuckets,
	})

	commandResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "iotrelay",
		Subsystem: "command",
		Name:      "publish_total",
		Help:      "Device commands by publish result",
	}, []string{"result"})
)

const (
	outcomeRelayed      = "relayed"
	outcomeUnroutable   = "unroutable"
	outcomeLookupFailed = "lookup_failed"
	outcomeDropped      = "dropped"

	commandAccepted = "accepted"
	commandRejected = "rejected"
	commandFailed   = "failed"
	commandLate     = "failed_late"
)
