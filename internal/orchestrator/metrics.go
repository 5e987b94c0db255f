package orchestrator

import "github.com/prometheus/client_golang/prometheus"

var (
	peerCommandCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "orchestrator",
		Name:      "peer_commands_total",
		Help:      "Commands sent to the peer device grouped by action and how they were delivered.",
	}, []string{"action", "delivery"})

	saveCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "orchestrator",
		Name:      "workouts_saved_total",
		Help:      "Finished or manually logged workouts grouped by save outcome.",
	}, []string{"outcome"})

	credentialCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "orchestrator",
		Name:      "credential_refreshes_total",
		Help:      "Wearable credential refresh attempts grouped by result.",
	}, []string{"result"})

	recordConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "orchestrator",
		Name:      "record_version_conflicts_total",
		Help:      "Saves that lost a write race on the user document and were recomputed.",
	})
)

func init() {
	prometheus.MustRegister(peerCommandCounter, saveCounter, credentialCounter, recordConflicts)
}

func recordPeerCommand(action, delivery string) {
	peerCommandCounter.WithLabelValues(action, delivery).Inc()
}

func recordSave(outcome string) {
	saveCounter.WithLabelValues(outcome).Inc()
}

func recordCredentialRefresh(result string) {
	credentialCounter.WithLabelValues(result).Inc()
}
