// Package docstore is the backing document store addressed by user identity. Writes are partial
// updates naming the fields they touch, so unrelated fields written concurrently are preserved.
package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/events"
)

// Field names a top-level section of a user document.
type Field string

const (
	FieldActivities Field = "activities"
	FieldGoals      Field = "goals"
	FieldStreaks    Field = "streaks"
	FieldRecords    Field = "records"
)

// Document is everything stored for one user.
type Document struct {
	UserID     string                 `json:"user_id"`
	Activities []domain.Activity      `json:"activities"`
	Goals      domain.Goals           `json:"goals"`
	Streaks    domain.Streaks         `json:"streaks"`
	Records    domain.PersonalRecords `json:"records"`
	// Version increases by one on every write.
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasActivity reports whether an activity with id is stored.
func (d Document) HasActivity(id string) bool {
	for _, a := range d.Activities {
		if a.ID == id {
			return true
		}
	}
	return false
}

// Update is a field-masked write. Only fields listed in Mask are touched. The activities field is
// an idempotent append keyed by activity ID.
//
// When ExpectVersion is set the write is applied only if the stored document still has that version;
// otherwise the store returns ErrVersionConflict. Over HTTP it travels as the If-Match header.
type Update struct {
	ExpectVersion    *int64                    `json:"-"`
	Mask             []Field                   `json:"mask"`
	AppendActivities []domain.Activity         `json:"append_activities,omitempty"`
	Goals            *domain.Goals             `json:"goals,omitempty"`
	Streaks          *domain.Streaks           `json:"streaks,omitempty"`
	Records          *domain.PersonalRecords   `json:"records,omitempty"`
	Categories       map[string]string         `json:"categories,omitempty"`
	Milestones       []events.MilestoneReached `json:"milestones,omitempty"`
}

// Has reports whether f is in the mask.
func (u Update) Has(f Field) bool {
	for _, m := range u.Mask {
		if m == f {
			return true
		}
	}
	return false
}

var (
	// ErrInvalidUpdate is returned for masks that name unknown fields or omit their values.
	ErrInvalidUpdate = errors.New("invalid update")
	// ErrVersionConflict is returned when an update's ExpectVersion no longer matches the stored document.
	ErrVersionConflict = errors.New("document version conflict")
)

// checkVersion enforces update.ExpectVersion against the stored version.
func checkVersion(update Update, stored int64) error {
	if update.ExpectVersion != nil && *update.ExpectVersion != stored {
		return fmt.Errorf("%w: expected %d, stored %d", ErrVersionConflict, *update.ExpectVersion, stored)
	}
	return nil
}

// Validate checks that every masked field carries a value.
func (u Update) Validate() error {
	if len(u.Mask) == 0 {
		return fmt.Errorf("%w: empty mask", ErrInvalidUpdate)
	}
	for _, f := range u.Mask {
		var missing bool
		switch f {
		case FieldActivities:
			missing = len(u.AppendActivities) == 0
		case FieldGoals:
			missing = u.Goals == nil
		case FieldStreaks:
			missing = u.Streaks == nil
		case FieldRecords:
			missing = u.Records == nil
		default:
			return fmt.Errorf("%w: unknown field %q", ErrInvalidUpdate, f)
		}
		if missing {
			return fmt.Errorf("%w: %s masked without a value", ErrInvalidUpdate, f)
		}
	}
	for _, a := range u.AppendActivities {
		if a.ID == "" {
			return fmt.Errorf("%w: activity without id", ErrInvalidUpdate)
		}
	}
	return nil
}

// Store is the document store contract shared by the backend and device clients.
type Store interface {
	Get(ctx context.Context, userID string) (Document, error)
	Apply(ctx context.Context, userID string, update Update) error
	AttachLinkedRecord(ctx context.Context, userID, activityID, recordID string) error
	DeleteActivity(ctx context.Context, userID, activityID string) error
}

// merge applies update to doc in place and returns the activities that were newly appended.
func merge(doc *Document, update Update) []domain.Activity {
	var appended []domain.Activity
	if update.Has(FieldActivities) {
		for _, a := range update.AppendActivities {
			if doc.HasActivity(a.ID) {
				continue
			}
			doc.Activities = append(doc.Activities, a)
			appended = append(appended, a)
		}
	}
	if update.Has(FieldGoals) {
		doc.Goals = *update.Goals
	}
	if update.Has(FieldStreaks) {
		doc.Streaks = *update.Streaks
	}
	if update.Has(FieldRecords) {
		doc.Records = *update.Records
	}
	return appended
}

func linkRecord(doc *Document, activityID, recordID string) error {
	for i := range doc.Activities {
		if doc.Activities[i].ID == activityID {
			doc.Activities[i].LinkedRecordID = recordID
			return nil
		}
	}
	return fmt.Errorf("activity %s: %w", activityID, domain.ErrNotFound)
}

func removeActivity(doc *Document, activityID string) error {
	for i := range doc.Activities {
		if doc.Activities[i].ID == activityID {
			doc.Activities = append(doc.Activities[:i], doc.Activities[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("activity %s: %w", activityID, domain.ErrNotFound)
}

func recordedEvent(userID string, a domain.Activity, categories map[string]string) events.WorkoutRecorded {
	return events.WorkoutRecorded{
		ActivityID:      a.ID,
		UserID:          userID,
		ActivityType:    a.Type,
		Category:        categories[a.ID],
		StartedAt:       a.StartedAt,
		DurationSeconds: a.DurationSeconds,
		Calories:        a.Calories,
		Source:          string(a.Source),
	}
}
