// Package domain defines the workout records and gamification state shared by every device and the backend.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Category is an accounting bucket that goals and streaks are tracked against.
type Category string

const (
	CategoryLifts    Category = "lifts"
	CategoryCardio   Category = "cardio"
	CategoryRecovery Category = "recovery"
)

// Categories lists every accounting category in display order.
var Categories = []Category{CategoryLifts, CategoryCardio, CategoryRecovery}

// ParseCategory normalises free-form input into a known Category.
func ParseCategory(value string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(value))) {
	case CategoryLifts:
		return CategoryLifts, true
	case CategoryCardio:
		return CategoryCardio, true
	case CategoryRecovery:
		return CategoryRecovery, true
	}
	return "", false
}

// Source records which endpoint produced an activity.
type Source string

const (
	SourcePrimary  Source = "primary"
	SourceWearable Source = "wearable"
	SourceManual   Source = "manual"
)

// Hints carries user supplied classification data.
type Hints struct {
	CategoryOverride Category `json:"category_override,omitempty"`
	CustomCategory   Category `json:"custom_category,omitempty"`
	CustomEmoji      string   `json:"custom_emoji,omitempty"`
}

// Activity is a completed workout. It is immutable once saved except for LinkedRecordID.
type Activity struct {
	ID              string    `json:"id"`
	Type            string    `json:"type"`
	Subtype         string    `json:"subtype,omitempty"`
	Date            string    `json:"date"`
	StartedAt       time.Time `json:"started_at"`
	DurationSeconds int       `json:"duration_seconds"`
	Calories        *float64  `json:"calories,omitempty"`
	AvgHeartRate    *float64  `json:"avg_heart_rate,omitempty"`
	MaxHeartRate    *float64  `json:"max_heart_rate,omitempty"`
	DistanceMeters  *float64  `json:"distance_meters,omitempty"`
	Source          Source    `json:"source"`
	Hints           Hints     `json:"hints"`
	LinkedRecordID  string    `json:"linked_record_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// NewActivityID returns a time-ordered identifier so retries of the same record dedupe by ID.
func NewActivityID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// WeekID returns the ISO week the activity counts toward.
func (a Activity) WeekID() string {
	return WeekID(a.day())
}

// PreviousWeekID returns the ISO week before the one the activity counts toward.
func (a Activity) PreviousWeekID() string {
	return PreviousWeekID(a.day())
}

// DayID returns the calendar day the activity counts toward.
func (a Activity) DayID() string {
	return DayID(a.day())
}

func (a Activity) day() time.Time {
	if a.Date != "" {
		if parsed, err := time.Parse(DayLayout, a.Date); err == nil {
			return parsed
		}
	}
	return a.StartedAt
}

// Float returns a pointer to v, for populating optional metrics.
func Float(v float64) *float64 { return &v }
