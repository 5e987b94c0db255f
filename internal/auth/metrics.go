package auth

import "github.com/prometheus/client_golang/prometheus"

var (
	issuedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "auth",
		Name:      "tokens_issued_total",
		Help:      "Number of bearer tokens minted, labeled by token kind.",
	}, []string{"kind"})

	rejectedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "workoutsync",
		Subsystem: "auth",
		Name:      "requests_rejected_total",
		Help:      "Requests refused by the bearer-token middleware, labeled by reason.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(issuedCounter, rejectedCounter)
}
