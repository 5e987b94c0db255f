package orchestrator

import (
	"time"

	"example.com/workoutsync/internal/protocol"
	"example.com/workoutsync/internal/session"
	"example.com/workoutsync/internal/zones"
)

// Payload keys exchanged with the peer. Numbers travel as float64 and durations as seconds.
const (
	keyActivityType = "activity_type"
	keyLocationHint = "location_hint"
	keyStartedAt    = "started_at"
	keyAt           = "at"
	keyState        = "state"
	keyReason       = "reason"
	keyElapsed      = "elapsed_seconds"
	keyHeartRate    = "heart_rate"
	keyAvgHeartRate = "avg_heart_rate"
	keyMaxHeartRate = "max_heart_rate"
	keyEnergy       = "energy_kcal"
	keyDistance     = "distance_meters"
	keyZone         = "zone"
	keyZoneDwell    = "zone_dwell_seconds"
	keyActivityID   = "activity_id"
	keyDuration     = "duration_seconds"
	keyQueued       = "queued"
	keyToken        = "token"
	keyExpiresAt    = "expires_at"
)

// Reasons carried by workoutEnded notifications.
const (
	ReasonFinished  = "finished"
	ReasonCancelled = "cancelled"
	ReasonFailed    = "failed"
)

// RemoteMetrics is the peer's live metrics snapshot as received over the protocol.
type RemoteMetrics struct {
	State          string
	ActivityType   string
	StartedAt      time.Time
	Elapsed        time.Duration
	HeartRate      float64
	AvgHeartRate   float64
	MaxHeartRate   float64
	EnergyKcal     float64
	DistanceMeters float64
	Zone           zones.Zone
	ZoneDwell      time.Duration
	// At is the peer's clock when the snapshot was taken.
	At time.Time
}

// Running reports whether the peer had a workout active or paused.
func (m RemoteMetrics) Running() bool {
	return m.State == session.StateActive.String() || m.State == session.StatePaused.String()
}

// PeerBelief is this device's cached view of the peer's session. It is informational only and never
// drives local state.
type PeerBelief struct {
	Running      bool
	ActivityType string
	Since        time.Time
	UpdatedAt    time.Time
}

func metricsPayload(m session.LiveMetrics, at time.Time) map[string]any {
	payload := map[string]any{
		keyState:        m.StateName,
		keyElapsed:      m.Elapsed.Seconds(),
		keyHeartRate:    m.HeartRate,
		keyAvgHeartRate: m.AvgHeartRate,
		keyMaxHeartRate: m.MaxHeartRate,
		keyEnergy:       m.EnergyKcal,
		keyDistance:     m.DistanceMeters,
		keyZone:         float64(m.Zone),
		keyZoneDwell:    m.ZoneDwell.Seconds(),
		keyAt:           formatTime(at),
	}
	if m.ActivityType != "" {
		payload[keyActivityType] = m.ActivityType
	}
	if !m.StartedAt.IsZero() {
		payload[keyStartedAt] = formatTime(m.StartedAt)
	}
	return payload
}

func metricsFromReply(reply protocol.Reply) RemoteMetrics {
	return RemoteMetrics{
		State:          reply.Field(keyState),
		ActivityType:   reply.Field(keyActivityType),
		StartedAt:      parseTime(reply.Field(keyStartedAt)),
		Elapsed:        seconds(reply.Float(keyElapsed)),
		HeartRate:      reply.Float(keyHeartRate),
		AvgHeartRate:   reply.Float(keyAvgHeartRate),
		MaxHeartRate:   reply.Float(keyMaxHeartRate),
		EnergyKcal:     reply.Float(keyEnergy),
		DistanceMeters: reply.Float(keyDistance),
		Zone:           zones.Zone(int(reply.Float(keyZone))),
		ZoneDwell:      seconds(reply.Float(keyZoneDwell)),
		At:             parseTime(reply.Field(keyAt)),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime returns the zero time for missing or malformed values.
func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
