package offlinequeue

import (
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"example.com/workoutsync/internal/domain"
	"github.com/stretchr/testify/require"
)

func TestEnqueueDeduplicatesByID(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{}
	q := New(store, SinkFunc(func(context.Context, Entry) error { return nil }), WithLogger(testLogger(t)))

	activity := domain.Activity{ID: "a1", Type: "running"}
	require.NoError(t, q.Enqueue(ctx, "user-1", activity))
	require.NoError(t, q.Enqueue(ctx, "user-1", activity))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	persisted, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
}

func TestFlushKeepsOnlyFailedEntries(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{}
	var persisted []string
	sink := SinkFunc(func(_ context.Context, e Entry) error {
		if e.Activity.ID == "bad" {
			return errors.New("store unavailable")
		}
		persisted = append(persisted, e.Activity.ID)
		return nil
	})
	q := New(store, sink, WithLogger(testLogger(t)))
	for _, id := range []string{"a", "bad", "c"} {
		require.NoError(t, q.Enqueue(ctx, "user-1", domain.Activity{ID: id}))
	}

	report := q.Flush(ctx)
	require.Equal(t, FlushReport{Attempted: 3, Persisted: 2, Failed: 1}, report)
	require.Equal(t, []string{"a", "c"}, persisted)

	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "bad", entries[0].Activity.ID)
	require.Equal(t, 1, entries[0].Attempts)

	stored, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
}

func TestFlushSkipsWhenAlreadyRunning(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	sink := SinkFunc(func(context.Context, Entry) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	q := New(&MemoryStore{}, sink, WithLogger(testLogger(t)))
	require.NoError(t, q.Enqueue(ctx, "user-1", domain.Activity{ID: "slow"}))

	first := make(chan FlushReport, 1)
	go func() { first <- q.Flush(ctx) }()
	<-entered

	require.True(t, q.Flush(ctx).Skipped)

	// enqueue during the flush must survive the post-flush rewrite
	require.NoError(t, q.Enqueue(ctx, "user-1", domain.Activity{ID: "late"}))
	close(release)

	select {
	case report := <-first:
		require.Equal(t, 1, report.Persisted)
	case <-time.After(time.Second):
		t.Fatal("flush did not finish")
	}
	entries, err := q.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "late", entries[0].Activity.ID)
}

func TestClearAll(t *testing.T) {
	ctx := context.Background()
	q := New(&MemoryStore{}, SinkFunc(func(context.Context, Entry) error { return errors.New("down") }), WithLogger(testLogger(t)))
	require.NoError(t, q.Enqueue(ctx, "user-1", domain.Activity{ID: "x"}))
	require.NoError(t, q.ClearAll(ctx))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestQueueReloadsFromStore(t *testing.T) {
	ctx := context.Background()
	store := &MemoryStore{}
	require.NoError(t, store.Save(ctx, []Entry{{UserID: "u", Activity: domain.Activity{ID: "persisted"}}}))

	q := New(store, SinkFunc(func(context.Context, Entry) error { return nil }), WithLogger(testLogger(t)))
	require.NoError(t, q.Enqueue(ctx, "u", domain.Activity{ID: "persisted"}))
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

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
