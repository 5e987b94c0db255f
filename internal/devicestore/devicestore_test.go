package devicestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"example.com/workoutsync/internal/celebration"
	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/offlinequeue"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "device.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate(ctx))
	// running twice is a no-op
	require.NoError(t, db.Migrate(ctx))
	return db
}

func TestQueueStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewQueueStore(openTestDB(t))

	entries, err := store.Load(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	started := time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC)
	queued := []offlinequeue.Entry{
		{UserID: "u1", Activity: domain.Activity{ID: "a1", Type: "running", StartedAt: started, Calories: domain.Float(320)}},
		{UserID: "u1", Activity: domain.Activity{ID: "a2", Type: "yoga", StartedAt: started}, Attempts: 2},
	}
	require.NoError(t, store.Save(ctx, queued))

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	require.Equal(t, "a1", loaded[0].Activity.ID)
	require.Equal(t, 320.0, *loaded[0].Activity.Calories)
	require.True(t, started.Equal(loaded[0].Activity.StartedAt))
	require.Equal(t, 2, loaded[1].Attempts)

	require.NoError(t, store.Save(ctx, queued[1:]))
	loaded, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
}

func TestQueueBackedBySQLiteSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	sink := offlinequeue.SinkFunc(func(context.Context, offlinequeue.Entry) error { return nil })

	first := offlinequeue.New(NewQueueStore(db), sink)
	require.NoError(t, first.Enqueue(ctx, "u1", domain.Activity{ID: "a1"}))

	second := offlinequeue.New(NewQueueStore(db), sink)
	n, err := second.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMarkerStoreClaim(t *testing.T) {
	ctx := context.Background()
	store := NewMarkerStore(openTestDB(t))

	ok, err := store.Claim(ctx, celebration.Weekly, "2026-W42", "master-goal-met")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, celebration.Weekly, "2026-W42", "master-goal-met")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Claim(ctx, celebration.Daily, "2026-10-16", "master-goal-met")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.Claim(ctx, celebration.Weekly, "2026-W43", "master-goal-met")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedgerConsumesOnce(t *testing.T) {
	ctx := context.Background()
	ledger := NewLedger(openTestDB(t))
	issued := time.Date(2026, 10, 16, 7, 0, 0, 0, time.UTC)

	ok, err := ledger.Consume(ctx, "cmd-1", "endWorkout", issued)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = ledger.Consume(ctx, "cmd-1", "endWorkout", issued)
	require.NoError(t, err)
	require.False(t, ok)

	pruned, err := ledger.Prune(ctx, issued.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, int64(1), pruned)
}
