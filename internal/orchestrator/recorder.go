package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"example.com/workoutsync/internal/accounting"
	"example.com/workoutsync/internal/celebration"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/events"
	"example.com/workoutsync/internal/offlinequeue"
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderLogger overrides the recorder logger.
func WithRecorderLogger(logger *log.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = logger }
}

// WithRecorderClock injects the clock used to stamp milestones and pick the current celebration window.
func WithRecorderClock(clock func() time.Time) RecorderOption {
	return func(r *Recorder) { r.clock = clock }
}

// Recorder saves a finished activity together with everything the accounting engine derives from it.
type Recorder struct {
	store   docstore.Store
	engine  *accounting.Engine
	tracker *celebration.Tracker
	clock   func() time.Time
	logger  *log.Logger
}

// RecordResult describes one Record call.
type RecordResult struct {
	Accounting accounting.Result
	// Duplicate is set when the activity was already stored; nothing was written.
	Duplicate  bool
	Celebrated []string
}

// NewRecorder constructs a Recorder. tracker may be nil on devices without a celebration surface.
func NewRecorder(store docstore.Store, engine *accounting.Engine, tracker *celebration.Tracker, opts ...RecorderOption) *Recorder {
	if engine == nil {
		engine = accounting.NewEngine(nil)
	}
	r := &Recorder{
		store:   store,
		engine:  engine,
		tracker: tracker,
		clock:   time.Now,
		logger:  log.New(log.Writer(), "[orchestrator] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// maxRecordAttempts bounds how often Record re-reads the document after losing a write race.
const maxRecordAttempts = 5

// Record reads the user's document, runs the accounting engine and writes the activity, streaks and
// records in one field-masked update conditioned on the version that was read. When another writer
// got there first the whole read-account-write cycle runs again against the newer document.
// Celebrations fire only for events in the current window. Store failures are wrapped with
// domain.ErrPersistenceFailed.
func (r *Recorder) Record(ctx context.Context, userID string, activity domain.Activity, foreground bool) (RecordResult, error) {
	var (
		res accounting.Result
		err error
	)
	for attempt := 1; attempt <= maxRecordAttempts; attempt++ {
		var duplicate bool
		res, duplicate, err = r.recordOnce(ctx, userID, activity)
		if duplicate {
			return RecordResult{Duplicate: true}, nil
		}
		if !errors.Is(err, docstore.ErrVersionConflict) {
			break
		}
		recordConflicts.Inc()
		r.logger.Printf("document for %s changed while saving %s, retrying (attempt %d)", userID, activity.ID, attempt)
	}
	if err != nil {
		return RecordResult{Accounting: res}, err
	}

	if res.Resolution.Ambiguous {
		r.logger.Printf("activity %s has both an override and a custom category, counting it as %s (shown as %s)",
			activity.ID, res.Resolution.Category, res.Resolution.Display)
	}
	out := RecordResult{Accounting: res}
	if r.tracker != nil {
		out.Celebrated = r.celebrate(ctx, res.Events, foreground)
	}
	return out, nil
}

func (r *Recorder) recordOnce(ctx context.Context, userID string, activity domain.Activity) (accounting.Result, bool, error) {
	doc, err := r.store.Get(ctx, userID)
	if err != nil {
		return accounting.Result{}, false, fmt.Errorf("load document for %s: %w: %w", userID, domain.ErrPersistenceFailed, err)
	}
	if doc.HasActivity(activity.ID) {
		return accounting.Result{}, true, nil
	}

	res := r.engine.Apply(accounting.Input{
		Activity: activity,
		History:  doc.Activities,
		Goals:    doc.Goals,
		Streaks:  doc.Streaks,
		Records:  doc.Records,
	})
	update := buildUpdate(userID, activity, res, r.clock())
	update.ExpectVersion = &doc.Version
	if err := r.store.Apply(ctx, userID, update); err != nil {
		return res, false, fmt.Errorf("save activity %s: %w: %w", activity.ID, domain.ErrPersistenceFailed, err)
	}
	return res, false, nil
}

// Sink adapts the recorder for offline queue flushes, which run without a visible UI.
func (r *Recorder) Sink() offlinequeue.Sink {
	return offlinequeue.SinkFunc(func(ctx context.Context, entry offlinequeue.Entry) error {
		_, err := r.Record(ctx, entry.UserID, entry.Activity, false)
		return err
	})
}

func buildUpdate(userID string, activity domain.Activity, res accounting.Result, at time.Time) docstore.Update {
	update := docstore.Update{
		Mask:             []docstore.Field{docstore.FieldActivities},
		AppendActivities: []domain.Activity{activity},
		Categories:       map[string]string{activity.ID: string(res.Resolution.Category)},
	}
	if res.StreaksChanged {
		streaks := res.Streaks
		update.Mask = append(update.Mask, docstore.FieldStreaks)
		update.Streaks = &streaks
	}
	if res.RecordsChanged {
		records := res.Records
		update.Mask = append(update.Mask, docstore.FieldRecords)
		update.Records = &records
	}
	for _, ev := range res.Events {
		update.Milestones = append(update.Milestones, events.MilestoneReached{
			UserID:     userID,
			ActivityID: activity.ID,
			Kind:       string(ev.Kind),
			Category:   string(ev.Category),
			Window:     ev.WindowID(),
			Value:      ev.Value,
			OccurredAt: at.UTC(),
		})
	}
	return update
}

func (r *Recorder) celebrate(ctx context.Context, evs []accounting.Event, foreground bool) []string {
	now := r.clock()
	var fired []string
	for _, ev := range evs {
		window := celebration.Weekly
		if ev.Window() == accounting.WindowDay {
			window = celebration.Daily
		}
		// a flushed activity from an earlier window is accounted for but not announced
		if ev.WindowID() != window.ID(now) {
			continue
		}
		ok, err := r.tracker.Trigger(ctx, ev.Key(), window, title(ev), foreground)
		if err != nil {
			r.logger.Printf("celebrate %s: %v", ev.Key(), err)
			continue
		}
		if ok {
			fired = append(fired, ev.Key())
		}
	}
	return fired
}

func title(ev accounting.Event) string {
	switch ev.Kind {
	case accounting.EventCategoryGoalMet:
		return capitalize(string(ev.Category)) + " goal met"
	case accounting.EventMasterGoalMet:
		return "Every weekly goal met"
	case accounting.EventStreakMilestone:
		return fmt.Sprintf("%d week %s streak", ev.Value, ev.Category)
	case accounting.EventMasterStreakMilestone:
		return fmt.Sprintf("%d week streak on every goal", ev.Value)
	case accounting.EventDailyCaloriesMet:
		return "Daily calorie goal met"
	}
	return string(ev.Kind)
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
