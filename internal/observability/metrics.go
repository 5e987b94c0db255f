// Package observability holds process-wide watermark gauges shared by the backend components.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	documentUpdatedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workoutsync",
		Subsystem: "docstore",
		Name:      "last_document_updated_timestamp_seconds",
		Help:      "Unix timestamp of the most recent user document write committed to Postgres.",
	})
	eventPublishedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "workoutsync",
		Subsystem: "outbox",
		Name:      "last_event_published_timestamp_seconds",
		Help:      "Unix timestamp of the most recent outbox event published to Kafka.",
	})
)

func init() {
	prometheus.MustRegister(documentUpdatedGauge, eventPublishedGauge)
}

// RecordDocumentUpdated updates the document write watermark gauge.
func RecordDocumentUpdated(ts time.Time) {
	if ts.IsZero() {
		return
	}
	documentUpdatedGauge.Set(float64(ts.Unix()))
}

// RecordEventPublished updates the publish watermark gauge.
func RecordEventPublished(ts time.Time) {
	if ts.IsZero() {
		return
	}
	eventPublishedGauge.Set(float64(ts.Unix()))
}
