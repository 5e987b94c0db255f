package consumer

import "github.com/prometheus/client_golang/prometheus"

var (
	loggedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "eventlog",
		Name:      "events_logged_total",
		Help:      "Number of delivered events written to the event log, labeled by kind.",
	}, []string{"kind"})

	duplicateCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "eventlog",
		Name:      "events_duplicate_total",
		Help:      "Number of redelivered events ignored because their dedupe key was already logged.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(loggedCounter, duplicateCounter)
}
