package domain

// Goals holds the user's targets. Weekly targets are counts of activities per category.
type Goals struct {
	Weekly         map[Category]int `json:"weekly"`
	StepsPerDay    int              `json:"steps_per_day,omitempty"`
	CaloriesPerDay int              `json:"calories_per_day,omitempty"`
}

// WeeklyTarget returns the weekly goal for c, zero when unset.
func (g Goals) WeeklyTarget(c Category) int {
	if g.Weekly == nil {
		return 0
	}
	return g.Weekly[c]
}

// Streak counts consecutive weeks in which a goal was met.
type Streak struct {
	Count    int    `json:"count"`
	LastWeek string `json:"last_week,omitempty"`
}

// Streaks holds per-category and master streak counters.
type Streaks struct {
	Categories map[Category]Streak `json:"categories"`
	Master     Streak              `json:"master"`
}

// Clone returns a deep copy safe to mutate.
func (s Streaks) Clone() Streaks {
	out := Streaks{Categories: make(map[Category]Streak, len(s.Categories)), Master: s.Master}
	for k, v := range s.Categories {
		out.Categories[k] = v
	}
	return out
}

// PersonalRecords holds best-ever values. Values only ever move upward.
type PersonalRecords struct {
	LongestStreak         map[Category]int `json:"longest_streak"`
	LongestMasterStreak   int              `json:"longest_master_streak"`
	LongestWorkoutSeconds map[Category]int `json:"longest_workout_seconds"`
}

// Clone returns a deep copy safe to mutate.
func (r PersonalRecords) Clone() PersonalRecords {
	out := PersonalRecords{
		LongestStreak:         make(map[Category]int, len(r.LongestStreak)),
		LongestMasterStreak:   r.LongestMasterStreak,
		LongestWorkoutSeconds: make(map[Category]int, len(r.LongestWorkoutSeconds)),
	}
	for k, v := range r.LongestStreak {
		out.LongestStreak[k] = v
	}
	for k, v := range r.LongestWorkoutSeconds {
		out.LongestWorkoutSeconds[k] = v
	}
	return out
}
