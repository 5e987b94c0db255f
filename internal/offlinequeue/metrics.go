package offlinequeue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workoutsync",
		Subsystem: "offline_queue",
		Name:      "depth",
		Help:      "Activities waiting to be persisted.",
	})

	enqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "offline_queue",
		Name:      "enqueued_total",
		Help:      "Enqueue calls grouped by whether the activity was already queued.",
	}, []string{"duplicate"})

	flushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "offline_queue",
		Name:      "flushes_total",
		Help:      "Flush passes grouped by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(queueDepth, enqueueCounter, flushCounter)
}

func recordEnqueue(duplicate bool) {
	enqueueCounter.WithLabelValues(strconv.FormatBool(duplicate)).Inc()
}

func recordFlush(outcome string) {
	flushCounter.WithLabelValues(outcome).Inc()
}
