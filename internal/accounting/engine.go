// Package accounting derives streaks, personal records, and milestone events from the activity history.
// Everything here is a pure function of its inputs.
package accounting

import (
	"fmt"

	"example.com/workoutsync/internal/domain"
)

// EventKind identifies what a milestone event celebrates.
type EventKind string

const (
	EventCategoryGoalMet       EventKind = "category-goal-met"
	EventMasterGoalMet         EventKind = "master-goal-met"
	EventStreakMilestone       EventKind = "streak-milestone"
	EventMasterStreakMilestone EventKind = "master-streak-milestone"
	EventDailyCaloriesMet      EventKind = "daily-calories-met"
)

// Window is the dedupe period of an event.
type Window string

const (
	WindowDay  Window = "day"
	WindowWeek Window = "week"
)

// StreakMilestones are the week counts that earn a milestone event.
var StreakMilestones = []int{4, 8, 12, 26, 52}

// Event is a milestone or goal-completion produced by Apply.
type Event struct {
	Kind     EventKind       `json:"kind"`
	Category domain.Category `json:"category,omitempty"`
	Week     string          `json:"week,omitempty"`
	Day      string          `json:"day,omitempty"`
	Value    int             `json:"value,omitempty"`
}

// Window returns the period within which this event is announced at most once.
func (e Event) Window() Window {
	if e.Kind == EventDailyCaloriesMet {
		return WindowDay
	}
	return WindowWeek
}

// WindowID returns the concrete day or week identifier the event belongs to.
func (e Event) WindowID() string {
	if e.Window() == WindowDay {
		return e.Day
	}
	return e.Week
}

// Key identifies the event within its window.
func (e Event) Key() string {
	key := string(e.Kind)
	if e.Category != "" {
		key += ":" + string(e.Category)
	}
	if e.Value > 0 {
		key = fmt.Sprintf("%s:%d", key, e.Value)
	}
	return key
}

// Input is everything Apply needs. History holds previously saved activities and may already contain Activity.
type Input struct {
	Activity domain.Activity
	History  []domain.Activity
	Goals    domain.Goals
	Streaks  domain.Streaks
	Records  domain.PersonalRecords
}

// Result carries the updated state and the events to celebrate.
type Result struct {
	Resolution     Resolution
	Streaks        domain.Streaks
	Records        domain.PersonalRecords
	Events         []Event
	StreaksChanged bool
	RecordsChanged bool
}

// Engine applies the accounting rules.
type Engine struct {
	resolver *Resolver
}

// NewEngine constructs an Engine. A nil resolver uses the default chain.
func NewEngine(resolver *Resolver) *Engine {
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	return &Engine{resolver: resolver}
}

// Resolve exposes the engine's category resolution.
func (e *Engine) Resolve(activity domain.Activity) Resolution {
	return e.resolver.Resolve(activity)
}

// Apply folds one newly saved activity into the prior gamification state.
func (e *Engine) Apply(in Input) Result {
	activity := in.Activity
	res := e.resolver.Resolve(activity)
	week := activity.WeekID()
	previousWeek := activity.PreviousWeekID()
	day := activity.DayID()

	out := Result{
		Resolution: res,
		Streaks:    in.Streaks.Clone(),
		Records:    in.Records.Clone(),
	}

	before := make(map[domain.Category]int, len(domain.Categories))
	var caloriesBefore float64
	for _, prior := range in.History {
		if prior.ID == activity.ID {
			continue
		}
		if prior.WeekID() == week {
			before[e.resolver.Resolve(prior).Category]++
		}
		if prior.DayID() == day && prior.Calories != nil {
			caloriesBefore += *prior.Calories
		}
	}
	after := make(map[domain.Category]int, len(before)+1)
	for c, n := range before {
		after[c] = n
	}
	after[res.Category]++

	if target := in.Goals.WeeklyTarget(res.Category); target > 0 &&
		before[res.Category] < target && after[res.Category] >= target {
		prev := out.Streaks.Categories[res.Category]
		if next, ok := advance(prev, week, previousWeek); ok {
			out.Streaks.Categories[res.Category] = next
			out.StreaksChanged = true
			out.Events = append(out.Events, Event{Kind: EventCategoryGoalMet, Category: res.Category, Week: week})
			if isMilestone(next.Count) {
				out.Events = append(out.Events, Event{Kind: EventStreakMilestone, Category: res.Category, Week: week, Value: next.Count})
			}
			if next.Count > out.Records.LongestStreak[res.Category] {
				out.Records.LongestStreak[res.Category] = next.Count
				out.RecordsChanged = true
			}
		}
	}

	if !allMet(in.Goals, before) && allMet(in.Goals, after) {
		if next, ok := advance(out.Streaks.Master, week, previousWeek); ok {
			out.Streaks.Master = next
			out.StreaksChanged = true
			out.Events = append(out.Events, Event{Kind: EventMasterGoalMet, Week: week})
			if isMilestone(next.Count) {
				out.Events = append(out.Events, Event{Kind: EventMasterStreakMilestone, Week: week, Value: next.Count})
			}
			if next.Count > out.Records.LongestMasterStreak {
				out.Records.LongestMasterStreak = next.Count
				out.RecordsChanged = true
			}
		}
	}

	if activity.DurationSeconds > out.Records.LongestWorkoutSeconds[res.Category] {
		out.Records.LongestWorkoutSeconds[res.Category] = activity.DurationSeconds
		out.RecordsChanged = true
	}

	if goal := float64(in.Goals.CaloriesPerDay); goal > 0 && activity.Calories != nil {
		if caloriesBefore < goal && caloriesBefore+*activity.Calories >= goal {
			out.Events = append(out.Events, Event{Kind: EventDailyCaloriesMet, Day: day, Week: week})
		}
	}

	return out
}

// advance increments a streak at most once per week, restarting when a week was skipped. Week ids are
// zero-padded ISO weeks, so a late activity from a week at or before LastWeek never moves the streak.
func advance(prev domain.Streak, week, previousWeek string) (domain.Streak, bool) {
	if prev.LastWeek >= week {
		return prev, false
	}
	next := domain.Streak{Count: 1, LastWeek: week}
	if prev.LastWeek == previousWeek {
		next.Count = prev.Count + 1
	}
	return next, true
}

// allMet reports whether every category with a positive goal is at or above it.
func allMet(goals domain.Goals, counts map[domain.Category]int) bool {
	tracked := 0
	for _, c := range domain.Categories {
		target := goals.WeeklyTarget(c)
		if target <= 0 {
			continue
		}
		tracked++
		if counts[c] < target {
			return false
		}
	}
	return tracked > 0
}

func isMilestone(count int) bool {
	for _, m := range StreakMilestones {
		if count == m {
			return true
		}
	}
	return false
}
