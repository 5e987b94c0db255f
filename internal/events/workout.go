// Package events defines the payloads published to the social and notification backend.
package events

import (
	"strconv"
	"time"
)

// Event type names used in the outbox and as the Kafka "kind" header.
const (
	TypeWorkoutRecorded  = "workout.recorded"
	TypeMilestoneReached = "milestone.reached"
)

// WorkoutRecorded is emitted once per activity appended to a user document.
type WorkoutRecorded struct {
	ActivityID      string    `json:"activity_id"`
	UserID          string    `json:"user_id"`
	ActivityType    string    `json:"activity_type"`
	Category        string    `json:"category,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Calories        *float64  `json:"calories,omitempty"`
	Source          string    `json:"source"`
}

// MilestoneReached is emitted for goal completions and streak milestones.
type MilestoneReached struct {
	UserID     string    `json:"user_id"`
	ActivityID string    `json:"activity_id"`
	Kind       string    `json:"kind"`
	Category   string    `json:"category,omitempty"`
	Window     string    `json:"window"`
	Value      int       `json:"value,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// DedupeKey identifies the milestone so replays never publish it twice.
func (m MilestoneReached) DedupeKey() string {
	key := m.UserID + ":" + m.Window + ":" + m.Kind
	if m.Category != "" {
		key += ":" + m.Category
	}
	if m.Value > 0 {
		key += ":" + strconv.Itoa(m.Value)
	}
	return key
}
