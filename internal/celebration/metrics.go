package celebration

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	firedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "celebration",
		Name:      "fired_total",
		Help:      "Celebrations recorded for the first time in their window.",
	}, []string{"window", "foreground"})

	suppressedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "celebration",
		Name:      "suppressed_total",
		Help:      "Celebrations skipped because the key already fired in the window.",
	}, []string{"window"})

	acknowledgedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "celebration",
		Name:      "acknowledged_total",
		Help:      "Non-visual acknowledgments played.",
	}, []string{"window"})
)

func init() {
	prometheus.MustRegister(firedCounter, suppressedCounter, acknowledgedCounter)
}

func recordFired(window Window, foreground bool) {
	firedCounter.WithLabelValues(string(window), strconv.FormatBool(foreground)).Inc()
}

func recordSuppressed(window Window) {
	suppressedCounter.WithLabelValues(string(window)).Inc()
}

func recordAcknowledged(window Window) {
	acknowledgedCounter.WithLabelValues(string(window)).Inc()
}
