package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/session"
)

func TestSimulatorDrivesSession(t *testing.T) {
	sim := NewSimulator(WithInterval(2*time.Millisecond), WithHeartRateRange(80, 160))
	s := session.New(sim)

	require.NoError(t, s.Start(context.Background(), session.Config{ActivityType: "running"}))
	require.Eventually(t, func() bool {
		return s.Snapshot().HeartRate > 0 && s.Snapshot().DistanceMeters > 0
	}, time.Second, 5*time.Millisecond)

	result, err := s.End(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.AvgHeartRate)
	require.NotNil(t, result.EnergyKcal)
	require.Greater(t, *result.EnergyKcal, 0.0)
	require.Equal(t, session.StateIdle, s.State())
}

func TestSimulatorUnavailable(t *testing.T) {
	sim := NewSimulator()
	sim.SetAvailable(false)
	err := session.New(sim).Start(context.Background(), session.Config{ActivityType: "yoga"})
	require.ErrorIs(t, err, domain.ErrPlatformUnavailable)
}

func TestSimulatorFailureCancelsSession(t *testing.T) {
	sim := NewSimulator(WithInterval(time.Hour))
	s := session.New(sim)
	require.NoError(t, s.Start(context.Background(), session.Config{ActivityType: "strength"}))

	sim.Fail(errors.New("sensor disconnected"))
	require.Eventually(t, func() bool { return s.State() == session.StateIdle }, time.Second, 5*time.Millisecond)
}

func TestHandleRejectsUseAfterFinish(t *testing.T) {
	h, err := NewSimulator(WithInterval(time.Hour)).Begin(context.Background(), session.Config{ActivityType: "walk"})
	require.NoError(t, err)
	require.NoError(t, h.Finish(context.Background()))
	require.ErrorIs(t, h.Finish(context.Background()), ErrFinished)
	require.ErrorIs(t, h.Pause(), ErrFinished)
	h.Discard()
}

func TestIsMoving(t *testing.T) {
	require.True(t, isMoving("Outdoor Running"))
	require.True(t, isMoving("cycling"))
	require.False(t, isMoving("strength"))
}
