// Package zones classifies heart rate into five training zones and tracks time spent in the current zone.
package zones

import (
	"sync"
	"time"
)

// Zone is an ordered heart-rate band, Zone1 being the lowest.
type Zone int

const (
	Zone1 Zone = iota + 1
	Zone2
	Zone3
	Zone4
	Zone5
)

var zoneNames = map[Zone]string{
	Zone1: "warm-up",
	Zone2: "fat-burn",
	Zone3: "aerobic",
	Zone4: "anaerobic",
	Zone5: "peak",
}

func (z Zone) String() string {
	if name, ok := zoneNames[z]; ok {
		return name
	}
	return "unknown"
}

// breakpoints are percentages of max heart rate at which each higher zone begins.
var breakpoints = [...]float64{60, 70, 80, 90}

// Classify maps heartRate against personalMax. A non-positive personalMax yields Zone1.
func Classify(heartRate, personalMax float64) Zone {
	if personalMax <= 0 || heartRate <= 0 {
		return Zone1
	}
	zone := Zone1
	for _, bp := range breakpoints {
		// cross-multiply so exact boundaries are not lost to float division
		if heartRate*100 >= personalMax*bp {
			zone++
		}
	}
	return zone
}

// Tracker holds the current zone and the instant it was entered. Dwell does not advance while the
// tracker is paused.
type Tracker struct {
	mu          sync.Mutex
	personalMax float64
	current     Zone
	enteredAt   time.Time
	lastAt      time.Time
	pausedAt    time.Time
}

// NewTracker constructs a Tracker for the given personal maximum heart rate.
func NewTracker(personalMax float64) *Tracker {
	return &Tracker{personalMax: personalMax}
}

// Observe classifies a sample taken at the given instant and returns the zone and dwell time in it.
// Dwell restarts from zero whenever the zone changes.
func (t *Tracker) Observe(heartRate float64, at time.Time) (Zone, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	zone := Classify(heartRate, t.personalMax)
	if zone != t.current || t.enteredAt.IsZero() {
		t.current = zone
		t.enteredAt = at
	}
	if at.After(t.lastAt) {
		t.lastAt = at
	}
	return t.current, t.lastAt.Sub(t.enteredAt)
}

// Current returns the held zone and its dwell time measured at now. Zero zone means no sample yet.
func (t *Tracker) Current(now time.Time) (Zone, time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enteredAt.IsZero() {
		return 0, 0
	}
	if !t.pausedAt.IsZero() {
		now = t.pausedAt
	}
	dwell := now.Sub(t.enteredAt)
	if dwell < 0 {
		dwell = 0
	}
	return t.current, dwell
}

// Pause freezes dwell at the given instant.
func (t *Tracker) Pause(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pausedAt.IsZero() {
		t.pausedAt = at
	}
}

// Resume continues dwell from where Pause froze it.
func (t *Tracker) Resume(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pausedAt.IsZero() {
		return
	}
	if !t.enteredAt.IsZero() && at.After(t.pausedAt) {
		t.enteredAt = t.enteredAt.Add(at.Sub(t.pausedAt))
	}
	t.pausedAt = time.Time{}
}

// Reset clears the held zone, used when a session ends or is cancelled.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = 0
	t.enteredAt = time.Time{}
	t.lastAt = time.Time{}
	t.pausedAt = time.Time{}
}
