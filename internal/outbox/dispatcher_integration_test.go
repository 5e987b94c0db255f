//go:build integration

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/docstore"
	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/events"
	"example.com/workoutsync/internal/testsupport"
)

func TestDispatcherPublishesDocumentEvents(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartPostgres(ctx, t)

	userID := uuid.NewString()
	activity := domain.Activity{
		ID:              uuid.NewString(),
		Type:            "running",
		Date:            "2026-10-14",
		StartedAt:       time.Date(2026, 10, 14, 7, 0, 0, 0, time.UTC),
		DurationSeconds: 1800,
		Source:          domain.SourceWearable,
	}
	store := docstore.NewPostgresStore(pool, docstore.WithOutboxTopic("workout_events"))
	require.NoError(t, store.Apply(ctx, userID, docstore.Update{
		Mask:             []docstore.Field{docstore.FieldActivities},
		AppendActivities: []domain.Activity{activity},
		Categories:       map[string]string{activity.ID: "cardio"},
	}))

	producer := &stubProducer{}
	dispatcher := NewDispatcher(pool, producer, 10*time.Millisecond, 5)

	beforeDelivered := testutil.ToFloat64(deliveredCounter)
	beforeHistogram := histogramSampleCount(t)

	require.NoError(t, dispatcher.processBatch(ctx))

	require.Len(t, producer.writes, 1)
	require.Equal(t, "workout_events", producer.writes[0].topic)
	require.Len(t, producer.writes[0].messages, 1)
	record := producer.writes[0].messages[0]
	kind, ok := broker.Header(record, "kind")
	require.True(t, ok)
	require.Equal(t, events.TypeWorkoutRecorded, kind)
	require.Equal(t, userID, string(record.Key))

	require.InDelta(t, beforeDelivered+1, testutil.ToFloat64(deliveredCounter), 0.0001)
	require.Greater(t, histogramSampleCount(t), beforeHistogram)

	var published int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE published_at IS NOT NULL`).Scan(&published))
	require.Equal(t, 1, published)

	// nothing left to deliver
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Len(t, producer.writes, 1)
}

func TestDispatcherLeavesFailedEventsForRetry(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartPostgres(ctx, t)

	eventID := seedOutbox(t, ctx, pool, uuid.NewString(), events.TypeMilestoneReached)

	producer := &stubProducer{err: errors.New("kafka write failed")}
	dispatcher := NewDispatcher(pool, producer, 10*time.Millisecond, 5, WithMaxAttempts(2))

	beforeFailed := testutil.ToFloat64(failedCounter)
	require.NoError(t, dispatcher.processBatch(ctx))
	require.InDelta(t, beforeFailed+1, testutil.ToFloat64(failedCounter), 0.0001)

	var attempts int
	var publishedAt *time.Time
	require.NoError(t, pool.QueryRow(ctx, `SELECT attempts, published_at FROM outbox WHERE event_id=$1`, eventID).Scan(&attempts, &publishedAt))
	require.Equal(t, 1, attempts)
	require.Nil(t, publishedAt)

	// the claim was released so the next poll retries immediately
	beforeParked := testutil.ToFloat64(parkedCounter.WithLabelValues(events.TypeMilestoneReached))
	require.NoError(t, dispatcher.processBatch(ctx))
	require.InDelta(t, beforeParked+1, testutil.ToFloat64(parkedCounter.WithLabelValues(events.TypeMilestoneReached)), 0.0001)

	// parked rows are no longer fetched
	producer.setErr(nil)
	require.NoError(t, dispatcher.processBatch(ctx))
	require.Empty(t, producer.writes)
}

type stubProducer struct {
	mu     sync.Mutex
	err    error
	writes []writtenBatch
}

type writtenBatch struct {
	topic    string
	messages []kafka.Message
}

func (s *stubProducer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *stubProducer) WriteMessages(ctx context.Context, topic string, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	copied := make([]kafka.Message, len(msgs))
	copy(copied, msgs)

	s.writes = append(s.writes, writtenBatch{
		topic:    topic,
		messages: copied,
	})
	return nil
}

func histogramSampleCount(t *testing.T) uint64 {
	t.Helper()

	metric := &dto.Metric{}
	require.NoError(t, batchDuration.Write(metric))
	hist := metric.GetHistogram()
	require.NotNil(t, hist)
	return hist.GetSampleCount()
}

func seedOutbox(t *testing.T, ctx context.Context, pool *pgxpool.Pool, userID, eventType string) int64 {
	t.Helper()

	var eventID int64
	err := pool.QueryRow(ctx,
		`INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         RETURNING event_id`,
		userID,
		"milestone",
		uuid.NewString(),
		eventType,
		"workout_events",
		userID,
		[]byte(`{"kind":"master-goal-met"}`),
		uuid.NewString(),
	).Scan(&eventID)
	require.NoError(t, err)
	return eventID
}
