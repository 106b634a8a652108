package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmdbox",
		Subsystem: "client",
		Name:      "commands_total",
		Help:      "Commands sent by clients, by service and outcome.",
	}, []string{"service", "outcome"})

	roundTrip = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "cmdbox",
		Subsystem: "client",
		Name:      "round_trip_seconds",
		Help:      "Client observed round trip of answered commands.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"service"})

	commandsHandled = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmdbox",
		Subsystem: "worker",
		Name:      "commands_total",
		Help:      "Commands handled by workers, by service, command and outcome.",
	}, []string{"service", "command", "outcome"})

	redirectsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmdbox",
		Subsystem: "worker",
		Name:      "redirects_total",
		Help:      "Messages forwarded to cluster peers.",
	}, []string{"service"})
)

// outcome labels besides the reply kinds
const (
	outcomeNoWait    = "nowait"
	outcomeTimeout   = "timeout"
	outcomeNotFound  = "not_found"
	outcomeBrokerErr = "broker_error"
)
