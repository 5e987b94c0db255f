package domain

import (
	"fmt"
	"time"
)

// DayLayout is the calendar date format stored on activities.
const DayLayout = "2006-01-02"

// DayID formats t as a calendar day identifier.
func DayID(t time.Time) string {
	return t.Format(DayLayout)
}

// WeekID formats t as an ISO-8601 week identifier such as "2026-W42".
func WeekID(t time.Time) string {
	year, week := t.ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// PreviousWeekID returns the week identifier immediately before the week containing t.
func PreviousWeekID(t time.Time) string {
	return WeekID(t.AddDate(0, 0, -7))
}
