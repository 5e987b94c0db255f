package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/zones"
	"github.com/stretchr/testify/require"
)

func TestSessionElapsedExcludesPauses(t *testing.T) {
	clock := newFakeClock()
	platform := newStubPlatform()
	s := New(platform, WithClock(clock.Now), WithLogger(testLogger(t)))

	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "running"}))
	require.Equal(t, StateActive, s.State())

	clock.Advance(10 * time.Minute)
	require.NoError(t, s.Pause())
	clock.Advance(3 * time.Minute)
	require.Equal(t, 10*time.Minute, s.Elapsed())
	require.NoError(t, s.Resume())
	clock.Advance(5 * time.Minute)
	require.NoError(t, s.Pause())
	clock.Advance(2 * time.Minute)

	result, err := s.End(context.Background())
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, result.Elapsed)
	require.Equal(t, 20*time.Minute, result.EndedAt.Sub(result.StartedAt))
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 1, platform.handle.finished)
}

func TestSessionAggregatesSamples(t *testing.T) {
	clock := newFakeClock()
	platform := newStubPlatform()
	s := New(platform, WithClock(clock.Now), WithMaxHeartRate(190), WithLogger(testLogger(t)))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "cycling"}))

	start := clock.Now()
	platform.handle.samples <- Sample{At: start, HeartRate: 120, EnergyKcal: 5, DistanceMeters: 100}
	platform.handle.samples <- Sample{At: start.Add(time.Minute), HeartRate: 171, EnergyKcal: 7, DistanceMeters: 150}

	require.Eventually(t, func() bool {
		return s.Snapshot().EnergyKcal == 12
	}, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	snap := s.Snapshot()
	require.Equal(t, "active", snap.StateName)
	require.Equal(t, 171.0, snap.MaxHeartRate)
	require.InDelta(t, 145.5, snap.AvgHeartRate, 0.001)
	require.Equal(t, 250.0, snap.DistanceMeters)
	require.Equal(t, zones.Zone5, snap.Zone)

	result, err := s.End(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.MaxHeartRate)
	require.Equal(t, 171.0, *result.MaxHeartRate)
	require.Equal(t, 12.0, *result.EnergyKcal)
}

func TestSessionZoneDwellExcludesPauses(t *testing.T) {
	clock := newFakeClock()
	platform := newStubPlatform()
	s := New(platform, WithClock(clock.Now), WithMaxHeartRate(200), WithLogger(testLogger(t)))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "running"}))

	platform.handle.samples <- Sample{At: clock.Now(), HeartRate: 150}
	require.Eventually(t, func() bool { return s.Snapshot().Zone == zones.Zone3 }, time.Second, 5*time.Millisecond)

	clock.Advance(2 * time.Minute)
	require.NoError(t, s.Pause())
	clock.Advance(5 * time.Minute)
	require.Equal(t, 2*time.Minute, s.Snapshot().ZoneDwell)

	require.NoError(t, s.Resume())
	clock.Advance(time.Minute)
	require.Equal(t, 3*time.Minute, s.Snapshot().ZoneDwell)
}

func TestSessionRejectsSecondStart(t *testing.T) {
	s := New(newStubPlatform(), WithLogger(testLogger(t)))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "yoga"}))
	require.ErrorIs(t, s.Start(context.Background(), Config{ActivityType: "yoga"}), domain.ErrAlreadyActive)
}

func TestSessionStartErrors(t *testing.T) {
	platform := newStubPlatform()
	platform.available = false
	s := New(platform, WithLogger(testLogger(t)))
	require.ErrorIs(t, s.Start(context.Background(), Config{}), domain.ErrPlatformUnavailable)
	require.Equal(t, StateIdle, s.State())

	platform.available = true
	platform.beginErr = errors.New("permission denied")
	err := s.Start(context.Background(), Config{})
	require.ErrorIs(t, err, domain.ErrStartFailed)
	var startErr *domain.StartFailedError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, "permission denied", startErr.Reason)
	require.Equal(t, StateIdle, s.State())
}

func TestSessionEndFromIdle(t *testing.T) {
	s := New(newStubPlatform(), WithLogger(testLogger(t)))
	_, err := s.End(context.Background())
	require.ErrorIs(t, err, domain.ErrNoActiveSession)
	require.ErrorIs(t, s.Pause(), domain.ErrNoActiveSession)
	require.ErrorIs(t, s.Resume(), domain.ErrNoActiveSession)
}

func TestSessionFinishFailureRestoresPriorState(t *testing.T) {
	platform := newStubPlatform()
	s := New(platform, WithLogger(testLogger(t)))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "rowing"}))
	require.NoError(t, s.Pause())

	platform.handle.finishErr = errors.New("disk full")
	_, err := s.End(context.Background())
	require.Error(t, err)
	require.Equal(t, StatePaused, s.State())

	platform.handle.finishErr = nil
	_, err = s.End(context.Background())
	require.NoError(t, err)
}

func TestSessionCancelIsIdempotentAndProducesNoResult(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []Transition
	)
	platform := newStubPlatform()
	s := New(platform, WithLogger(testLogger(t)), WithListener(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, tr)
	}))

	s.Cancel()
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "running"}))
	require.NoError(t, s.Pause())
	s.Cancel()
	s.Cancel()

	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 1, platform.handle.discarded)
	require.Equal(t, 0, platform.handle.finished)

	mu.Lock()
	defer mu.Unlock()
	var cancelled int
	for _, tr := range transitions {
		require.Nil(t, tr.Result)
		if tr.To == StateCancelled {
			cancelled++
		}
	}
	require.Equal(t, 1, cancelled)
}

func recordTransitions(s *[]Transition, mu *sync.Mutex) Option {
	return WithListener(func(tr Transition) {
		mu.Lock()
		defer mu.Unlock()
		*s = append(*s, tr)
	})
}

func TestSessionCancelWhileStarting(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []Transition
	)
	platform := newStubPlatform()
	platform.entered = make(chan struct{})
	platform.release = make(chan struct{})
	s := New(platform, WithLogger(testLogger(t)), recordTransitions(&transitions, &mu))

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start(context.Background(), Config{ActivityType: "running"}) }()

	<-platform.entered
	require.Equal(t, StateStarting, s.State())
	s.Cancel()
	require.Equal(t, StateIdle, s.State())
	close(platform.release)

	err := <-errCh
	require.ErrorIs(t, err, domain.ErrStartFailed)
	var startErr *domain.StartFailedError
	require.ErrorAs(t, err, &startErr)
	require.Equal(t, "cancelled while starting", startErr.Reason)
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 1, platform.handle.discarded)

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range transitions {
		require.Nil(t, tr.Result)
		require.NotEqual(t, StateActive, tr.To)
	}
	require.Equal(t, StateIdle, transitions[len(transitions)-1].To)
}

func TestSessionCancelWhileEnding(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []Transition
	)
	platform := newStubPlatform()
	s := New(platform, WithLogger(testLogger(t)), recordTransitions(&transitions, &mu))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "rowing"}))

	handle := platform.handle
	handle.finishing = make(chan struct{})
	handle.finishRelease = make(chan struct{})

	type ended struct {
		result WorkoutResult
		err    error
	}
	endCh := make(chan ended, 1)
	go func() {
		result, err := s.End(context.Background())
		endCh <- ended{result, err}
	}()

	<-handle.finishing
	require.Equal(t, StateEnding, s.State())
	s.Cancel()
	require.Equal(t, StateIdle, s.State())
	require.Equal(t, 1, handle.discarded)
	close(handle.finishRelease)

	got := <-endCh
	require.ErrorIs(t, got.err, domain.ErrNoActiveSession)
	require.Equal(t, WorkoutResult{}, got.result)
	require.Equal(t, StateIdle, s.State())

	mu.Lock()
	defer mu.Unlock()
	for _, tr := range transitions {
		require.Nil(t, tr.Result)
		require.NotEqual(t, StateFinished, tr.To)
	}

	// the session is usable again
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "rowing"}))
}

func TestSessionPlatformFailureForcesCancel(t *testing.T) {
	cancelled := make(chan Transition, 1)
	platform := newStubPlatform()
	s := New(platform, WithLogger(testLogger(t)), WithListener(func(tr Transition) {
		if tr.To == StateCancelled {
			cancelled <- tr
		}
	}))
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "swimming"}))

	platform.handle.failures <- errors.New("sensor lost")

	select {
	case tr := <-cancelled:
		require.EqualError(t, tr.Err, "sensor lost")
	case <-time.After(time.Second):
		t.Fatal("expected cancellation after platform failure")
	}
	require.Equal(t, StateIdle, s.State())
	require.NoError(t, s.Start(context.Background(), Config{ActivityType: "swimming"}))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 16, 6, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type stubPlatform struct {
	available bool
	beginErr  error
	handle    *stubHandle
	// when set, Begin signals entered and then waits for release
	entered chan struct{}
	release chan struct{}
}

func newStubPlatform() *stubPlatform {
	return &stubPlatform{available: true}
}

func (p *stubPlatform) Available() bool { return p.available }

func (p *stubPlatform) Begin(context.Context, Config) (Handle, error) {
	if p.beginErr != nil {
		return nil, p.beginErr
	}
	p.handle = &stubHandle{
		samples:  make(chan Sample, 8),
		failures: make(chan error, 1),
	}
	if p.entered != nil {
		close(p.entered)
		<-p.release
	}
	return p.handle, nil
}

type stubHandle struct {
	samples   chan Sample
	failures  chan error
	finishErr error
	finished  int
	discarded int
	// when set, Finish signals finishing and then waits for finishRelease
	finishing     chan struct{}
	finishRelease chan struct{}
}

func (h *stubHandle) Samples() <-chan Sample { return h.samples }
func (h *stubHandle) Failures() <-chan error { return h.failures }
func (h *stubHandle) Pause() error           { return nil }
func (h *stubHandle) Resume() error          { return nil }

func (h *stubHandle) Finish(context.Context) error {
	if h.finishing != nil {
		close(h.finishing)
		<-h.finishRelease
	}
	if h.finishErr != nil {
		return h.finishErr
	}
	h.finished++
	return nil
}

func (h *stubHandle) Discard() { h.discarded++ }

type testWriter struct {
	t *testing.T
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.t.Log(string(p))
	return len(p), nil
}

func testLogger(t *testing.T) *log.Logger {
	return log.New(testWriter{t}, "", 0)
}
