// Package session implements the on-device workout state machine that turns biometric samples into a WorkoutResult.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/zones"
)

// State enumerates the lifecycle positions of a session.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateActive
	StatePaused
	StateEnding
	StateFinished
	StateCancelled
	StateFailed
)

var stateNames = [...]string{"idle", "starting", "active", "paused", "ending", "finished", "cancelled", "failed"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Running reports whether the state holds a live workout.
func (s State) Running() bool {
	return s == StateActive || s == StatePaused
}

// Config describes the workout to start.
type Config struct {
	ActivityType string `json:"activity_type"`
	LocationHint string `json:"location_hint,omitempty"`
}

// Sample is one push from the sensor platform. Energy and distance are deltas since the previous sample.
type Sample struct {
	At             time.Time
	HeartRate      float64
	EnergyKcal     float64
	DistanceMeters float64
}

// Platform is the sensor layer that physically collects samples.
type Platform interface {
	Available() bool
	Begin(ctx context.Context, cfg Config) (Handle, error)
}

// Handle controls one platform-level workout.
type Handle interface {
	Samples() <-chan Sample
	Failures() <-chan error
	Pause() error
	Resume() error
	Finish(ctx context.Context) error
	Discard()
}

// WorkoutResult is the finalized outcome of an ended session. Optional metrics are nil when no samples arrived.
type WorkoutResult struct {
	ActivityType   string
	LocationHint   string
	StartedAt      time.Time
	EndedAt        time.Time
	Elapsed        time.Duration
	AvgHeartRate   *float64
	MaxHeartRate   *float64
	EnergyKcal     *float64
	DistanceMeters *float64
}

// LiveMetrics is a point-in-time view rebuilt on each query.
type LiveMetrics struct {
	State          State         `json:"-"`
	StateName      string        `json:"state"`
	ActivityType   string        `json:"activity_type,omitempty"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
	HeartRate      float64       `json:"heart_rate"`
	AvgHeartRate   float64       `json:"avg_heart_rate"`
	MaxHeartRate   float64       `json:"max_heart_rate"`
	EnergyKcal     float64       `json:"energy_kcal"`
	DistanceMeters float64       `json:"distance_meters"`
	Zone           zones.Zone    `json:"zone"`
	ZoneDwell      time.Duration `json:"zone_dwell"`
}

// Transition is emitted to the listener after every state change.
type Transition struct {
	From   State
	To     State
	At     time.Time
	Result *WorkoutResult
	Err    error
}

type aggregates struct {
	hrSum    float64
	hrCount  int
	hrMax    float64
	hrLast   float64
	energy   float64
	distance float64
	samples  int
}

// Option configures a Session.
type Option func(*Session)

// WithLogger overrides the session logger.
func WithLogger(logger *log.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithClock injects the wall clock used for elapsed-time accounting.
func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// WithMaxHeartRate sets the personal maximum used for zone classification.
func WithMaxHeartRate(max float64) Option {
	return func(s *Session) { s.zones = zones.NewTracker(max) }
}

// WithListener registers a callback invoked outside the session lock for each transition.
func WithListener(fn func(Transition)) Option {
	return func(s *Session) { s.listener = fn }
}

// Session is the single owner of a device's workout state. All mutation happens under mu.
type Session struct {
	mu       sync.Mutex
	platform Platform
	clock    func() time.Time
	logger   *log.Logger
	zones    *zones.Tracker
	listener func(Transition)

	state       State
	cfg         Config
	handle      Handle
	stop        chan struct{}
	generation  uint64
	startedAt   time.Time
	pausedAt    time.Time
	pausedTotal time.Duration
	agg         aggregates
}

// New constructs an idle Session bound to platform.
func New(platform Platform, opts ...Option) *Session {
	s := &Session{
		platform: platform,
		clock:    time.Now,
		logger:   log.New(log.Writer(), "[session] ", log.LstdFlags|log.Lshortfile),
		zones:    zones.NewTracker(0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start engages the platform and moves Idle → Starting → Active.
func (s *Session) Start(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return domain.ErrAlreadyActive
	}
	if s.platform == nil || !s.platform.Available() {
		s.mu.Unlock()
		return domain.ErrPlatformUnavailable
	}
	s.generation++
	gen := s.generation
	s.cfg = cfg
	events := []Transition{s.setState(StateStarting, nil, nil)}
	s.mu.Unlock()
	s.emit(events)

	handle, err := s.platform.Begin(ctx, cfg)

	s.mu.Lock()
	if s.generation != gen || s.state != StateStarting {
		s.mu.Unlock()
		if handle != nil {
			handle.Discard()
		}
		return &domain.StartFailedError{Reason: "cancelled while starting"}
	}
	if err != nil {
		events = []Transition{
			s.setState(StateFailed, nil, err),
			s.setState(StateIdle, nil, nil),
		}
		s.mu.Unlock()
		s.emit(events)
		if errors.Is(err, domain.ErrPlatformUnavailable) {
			return err
		}
		return &domain.StartFailedError{Reason: err.Error()}
	}

	s.handle = handle
	s.stop = make(chan struct{})
	s.startedAt = s.clock()
	s.pausedAt = time.Time{}
	s.pausedTotal = 0
	s.agg = aggregates{}
	s.zones.Reset()
	events = []Transition{s.setState(StateActive, nil, nil)}
	stop := s.stop
	s.mu.Unlock()

	go s.pump(gen, handle, stop)
	s.emit(events)
	return nil
}

// Pause moves Active → Paused and starts the pause interval.
func (s *Session) Pause() error {
	s.mu.Lock()
	if err := s.require(StateActive); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.handle.Pause(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("pause platform session: %w", err)
	}
	s.pausedAt = s.clock()
	s.zones.Pause(s.pausedAt)
	events := []Transition{s.setState(StatePaused, nil, nil)}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

// Resume moves Paused → Active and folds the pause interval into the excluded total.
func (s *Session) Resume() error {
	s.mu.Lock()
	if err := s.require(StatePaused); err != nil {
		s.mu.Unlock()
		return err
	}
	if err := s.handle.Resume(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("resume platform session: %w", err)
	}
	now := s.clock()
	s.pausedTotal += now.Sub(s.pausedAt)
	s.pausedAt = time.Time{}
	s.zones.Resume(now)
	events := []Transition{s.setState(StateActive, nil, nil)}
	s.mu.Unlock()
	s.emit(events)
	return nil
}

// End finalizes the session. On platform failure the session stays in its prior state.
func (s *Session) End(ctx context.Context) (WorkoutResult, error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return WorkoutResult{}, domain.ErrNoActiveSession
	}
	if !s.state.Running() {
		state := s.state
		s.mu.Unlock()
		return WorkoutResult{}, fmt.Errorf("end from %s: %w", state, domain.ErrInvalidTransition)
	}
	prior := s.state
	priorPausedTotal := s.pausedTotal
	endedAt := s.clock()
	if prior == StatePaused {
		s.pausedTotal += endedAt.Sub(s.pausedAt)
	}
	gen := s.generation
	handle := s.handle
	events := []Transition{s.setState(StateEnding, nil, nil)}
	s.mu.Unlock()
	s.emit(events)

	finishErr := handle.Finish(ctx)

	s.mu.Lock()
	if s.generation != gen || s.state != StateEnding {
		s.mu.Unlock()
		return WorkoutResult{}, domain.ErrNoActiveSession
	}
	if finishErr != nil {
		s.pausedTotal = priorPausedTotal
		events = []Transition{s.setState(prior, nil, finishErr)}
		s.mu.Unlock()
		s.emit(events)
		return WorkoutResult{}, fmt.Errorf("finish platform session: %w", finishErr)
	}

	result := s.buildResult(endedAt)
	events = []Transition{
		s.setState(StateFinished, &result, nil),
		s.setState(StateIdle, nil, nil),
	}
	s.teardown()
	s.mu.Unlock()
	s.emit(events)
	return result, nil
}

// Cancel discards the session from any non-terminal state. Calling it when idle is a no-op.
func (s *Session) Cancel() {
	s.terminate(StateCancelled, nil)
}

// Elapsed returns active time at now, excluding every pause interval.
func (s *Session) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsedAt(s.clock())
}

// Snapshot rebuilds the live metrics from the current aggregates.
func (s *Session) Snapshot() LiveMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	metrics := LiveMetrics{State: s.state, StateName: s.state.String()}
	if s.state == StateIdle || s.state == StateStarting {
		return metrics
	}
	metrics.ActivityType = s.cfg.ActivityType
	metrics.StartedAt = s.startedAt
	metrics.Elapsed = s.elapsedAt(now)
	metrics.HeartRate = s.agg.hrLast
	metrics.MaxHeartRate = s.agg.hrMax
	if s.agg.hrCount > 0 {
		metrics.AvgHeartRate = s.agg.hrSum / float64(s.agg.hrCount)
	}
	metrics.EnergyKcal = s.agg.energy
	metrics.DistanceMeters = s.agg.distance
	metrics.Zone, metrics.ZoneDwell = s.zones.Current(now)
	return metrics
}

func (s *Session) elapsedAt(now time.Time) time.Duration {
	if !s.state.Running() && s.state != StateEnding {
		return 0
	}
	elapsed := now.Sub(s.startedAt) - s.pausedTotal
	if s.state == StatePaused {
		elapsed -= now.Sub(s.pausedAt)
	}
	if elapsed < 0 {
		return 0
	}
	return elapsed
}

// pump marshals platform callbacks onto the session lock until the run is stopped.
func (s *Session) pump(gen uint64, handle Handle, stop <-chan struct{}) {
	samples := handle.Samples()
	failures := handle.Failures()
	for {
		select {
		case <-stop:
			return
		case sample, ok := <-samples:
			if !ok {
				samples = nil
				continue
			}
			s.ingest(gen, sample)
		case err, ok := <-failures:
			if !ok {
				failures = nil
				continue
			}
			s.logger.Printf("platform failure: %v", err)
			s.terminateGeneration(gen, err)
			return
		}
	}
}

func (s *Session) ingest(gen uint64, sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != gen || s.state != StateActive {
		return
	}
	s.agg.samples++
	if sample.HeartRate > 0 {
		s.agg.hrSum += sample.HeartRate
		s.agg.hrCount++
		s.agg.hrLast = sample.HeartRate
		if sample.HeartRate > s.agg.hrMax {
			s.agg.hrMax = sample.HeartRate
		}
		at := sample.At
		if at.IsZero() {
			at = s.clock()
		}
		s.zones.Observe(sample.HeartRate, at)
	}
	if sample.EnergyKcal > 0 {
		s.agg.energy += sample.EnergyKcal
	}
	if sample.DistanceMeters > 0 {
		s.agg.distance += sample.DistanceMeters
	}
}

func (s *Session) terminateGeneration(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen || s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.terminateLocked(StateCancelled, cause)
}

func (s *Session) terminate(to State, cause error) {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return
	}
	s.terminateLocked(to, cause)
}

// terminateLocked must be called with mu held and releases it.
func (s *Session) terminateLocked(to State, cause error) {
	handle := s.handle
	events := []Transition{
		s.setState(to, nil, cause),
		s.setState(StateIdle, nil, nil),
	}
	s.teardown()
	s.mu.Unlock()

	if handle != nil {
		handle.Discard()
	}
	s.emit(events)
}

// teardown releases run state; callers hold mu.
func (s *Session) teardown() {
	s.generation++
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
	s.handle = nil
	s.cfg = Config{}
	s.agg = aggregates{}
	s.startedAt = time.Time{}
	s.pausedAt = time.Time{}
	s.pausedTotal = 0
	s.zones.Reset()
}

func (s *Session) buildResult(endedAt time.Time) WorkoutResult {
	elapsed := endedAt.Sub(s.startedAt) - s.pausedTotal
	if elapsed < 0 {
		elapsed = 0
	}
	result := WorkoutResult{
		ActivityType: s.cfg.ActivityType,
		LocationHint: s.cfg.LocationHint,
		StartedAt:    s.startedAt,
		EndedAt:      endedAt,
		Elapsed:      elapsed,
	}
	if s.agg.hrCount > 0 {
		result.AvgHeartRate = domain.Float(s.agg.hrSum / float64(s.agg.hrCount))
		result.MaxHeartRate = domain.Float(s.agg.hrMax)
	}
	if s.agg.samples > 0 {
		result.EnergyKcal = domain.Float(s.agg.energy)
		result.DistanceMeters = domain.Float(s.agg.distance)
	}
	return result
}

func (s *Session) require(want State) error {
	switch {
	case s.state == want:
		return nil
	case s.state == StateIdle:
		return domain.ErrNoActiveSession
	default:
		return fmt.Errorf("%s from %s: %w", want, s.state, domain.ErrInvalidTransition)
	}
}

// setState records a transition; callers hold mu and emit the returned value after unlocking.
func (s *Session) setState(to State, result *WorkoutResult, err error) Transition {
	tr := Transition{From: s.state, To: to, At: s.clock(), Result: result, Err: err}
	s.state = to
	recordTransition(tr)
	return tr
}

func (s *Session) emit(events []Transition) {
	if s.listener == nil {
		return
	}
	for _, tr := range events {
		s.listener(tr)
	}
}
