package session

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Number of workout session state transitions grouped by source and target state.",
	}, []string{"from", "to"})

	activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workoutsync",
		Subsystem: "session",
		Name:      "running",
		Help:      "1 while a workout session is active or paused on this device.",
	})
)

func init() {
	prometheus.MustRegister(transitionCounter, activeGauge)
}

func recordTransition(tr Transition) {
	transitionCounter.WithLabelValues(tr.From.String(), tr.To.String()).Inc()
	if tr.To.Running() || tr.To == StateEnding {
		activeGauge.Set(1)
	} else {
		activeGauge.Set(0)
	}
}
