// Package sensor provides a synthetic biometric platform for development runs and tests. The real
// health-data layer lives outside this module and implements the same session.Platform contract.
package sensor

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"example.com/workoutsync/internal/session"
)

// ErrFinished is returned when a finished or discarded handle is used again.
var ErrFinished = errors.New("simulated session already finished")

// cardio-like activity types produce distance.
var movingTypes = []string{"run", "walk", "cycl", "ride", "hike", "row", "swim"}

// Option configures a Simulator.
type Option func(*Simulator)

// WithInterval sets how often a sample is produced.
func WithInterval(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithHeartRateRange sets the resting and steady-state heart rate the simulation ramps between.
func WithHeartRateRange(resting, peak float64) Option {
	return func(s *Simulator) {
		if resting > 0 && peak > resting {
			s.resting, s.peak = resting, peak
		}
	}
}

// WithClock overrides the timestamp source for samples.
func WithClock(clock func() time.Time) Option {
	return func(s *Simulator) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Simulator implements session.Platform with generated samples.
type Simulator struct {
	interval time.Duration
	resting  float64
	peak     float64
	clock    func() time.Time

	mu        sync.Mutex
	available bool
	active    *handle
}

// NewSimulator constructs an available Simulator.
func NewSimulator(opts ...Option) *Simulator {
	s := &Simulator{
		interval:  time.Second,
		resting:   70,
		peak:      150,
		clock:     time.Now,
		available: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAvailable toggles platform availability, for example when health permissions are revoked.
func (s *Simulator) SetAvailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.available = v
}

// Available implements session.Platform.
func (s *Simulator) Available() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.available
}

// Begin implements session.Platform.
func (s *Simulator) Begin(ctx context.Context, cfg session.Config) (session.Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.available {
		return nil, errors.New("simulated platform unavailable")
	}

	h := &handle{
		samples:  make(chan session.Sample, 64),
		failures: make(chan error, 1),
		stop:     make(chan struct{}),
		moving:   isMoving(cfg.ActivityType),
	}
	s.active = h
	go h.run(s.interval, s.resting, s.peak, s.clock)
	return h, nil
}

// Fail reports err as a platform failure on the running handle.
func (s *Simulator) Fail(err error) {
	s.mu.Lock()
	h := s.active
	s.mu.Unlock()
	if h == nil {
		return
	}
	select {
	case h.failures <- err:
	default:
	}
}

func isMoving(activityType string) bool {
	t := strings.ToLower(activityType)
	for _, m := range movingTypes {
		if strings.Contains(t, m) {
			return true
		}
	}
	return false
}

type handle struct {
	samples  chan session.Sample
	failures chan error
	stop     chan struct{}
	once     sync.Once
	moving   bool

	mu       sync.Mutex
	paused   bool
	finished bool
}

func (h *handle) Samples() <-chan session.Sample { return h.samples }
func (h *handle) Failures() <-chan error { return h.failures }

func (h *handle) Pause() error { return h.setPaused(true) }
func (h *handle) Resume() error { return h.setPaused(false) }
func (h *handle) Discard() { h.close() }

func (h *handle) Finish(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	finished := h.finished
	h.mu.Unlock()
	if finished {
		return ErrFinished
	}
	h.close()
	return nil
}

func (h *handle) setPaused(v bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.finished {
		return ErrFinished
	}
	h.paused = v
	return nil
}

func (h *handle) close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.finished = true
		h.mu.Unlock()
		close(h.stop)
	})
}

func (h *handle) run(interval time.Duration, resting, peak float64, clock func() time.Time) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	const rampTicks = 60
	seconds := interval.Seconds()
	var ticks int
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
		}

		h.mu.Lock()
		paused := h.paused
		h.mu.Unlock()
		if paused {
			continue
		}

		ticks++
		ramp := math.Min(1, float64(ticks)/rampTicks)
		hr := resting + (peak-resting)*ramp + rand.NormFloat64()*3
		sample := session.Sample{
			At:         clock(),
			HeartRate:  math.Round(hr),
			EnergyKcal: kcalPerMinute(hr, resting) * seconds / 60,
		}
		if h.moving {
			sample.DistanceMeters = (2.2 + ramp) * seconds
		}

		select {
		case h.samples <- sample:
		default:
		}
	}
}

// kcalPerMinute is a rough heart-rate based expenditure estimate.
func kcalPerMinute(hr, resting float64) float64 {
	return math.Max(1.2, 1.2+(hr-resting)*0.09)
}
