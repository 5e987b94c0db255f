package protocol

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "requests_total",
		Help:      "Outbound peer requests grouped by action and result.",
	}, []string{"action", "result"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "request_duration_seconds",
		Help:      "Round-trip latency of answered peer requests.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
	}, []string{"action"})

	notifyCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "notifications_total",
		Help:      "Outbound best-effort notifications grouped by action and result.",
	}, []string{"action", "result"})

	queuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "commands_queued_total",
		Help:      "Commands written to the durable context.",
	}, []string{"action"})

	dispatchCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "commands_dispatched_total",
		Help:      "Inbound commands grouped by action and result code.",
	}, []string{"action", "result"})

	contextCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "protocol",
		Name:      "context_commands_total",
		Help:      "Queued commands received through the durable context grouped by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(requestCounter, requestDuration, notifyCounter, queuedCounter, dispatchCounter, contextCounter)
}

func recordRequest(action, result string) {
	requestCounter.WithLabelValues(action, result).Inc()
}

func observeRequest(action string, elapsed time.Duration) {
	requestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

func recordNotify(action, result string) {
	notifyCounter.WithLabelValues(action, result).Inc()
}

func recordQueued(action string) {
	queuedCounter.WithLabelValues(action).Inc()
}

func recordDispatch(action, result string) {
	dispatchCounter.WithLabelValues(action, result).Inc()
}

func recordContext(outcome string) {
	contextCounter.WithLabelValues(outcome).Inc()
}
