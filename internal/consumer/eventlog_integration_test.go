//go:build integration

package consumer

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/events"
	"example.com/workoutsync/internal/testsupport"
)

func TestEventLogHandlerStoresEventOnce(t *testing.T) {
	ctx := context.Background()
	pool := testsupport.StartPostgres(ctx, t)

	handler := NewEventLogHandler(pool)

	payload := json.RawMessage(`{"user_id":"u1","kind":"master-goal-met","window":"2026-W42"}`)
	msg := broker.Message{
		Topic:     "workout_events",
		Partition: 0,
		Offset:    5,
		Kind:      events.TypeMilestoneReached,
		Headers:   map[string]string{"dedupe_key": "u1:2026-W42:master-goal-met", "user_id": "u1"},
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	require.NoError(t, handler.Handle(ctx, msg))
	msg.Offset = 6
	require.NoError(t, handler.Handle(ctx, msg))

	var storedPayload []byte
	var count int
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_log`).Scan(&count))
	require.Equal(t, 1, count)
	err := pool.QueryRow(ctx, `SELECT payload FROM event_log LIMIT 1`).Scan(&storedPayload)
	require.NoError(t, err)
	require.JSONEq(t, string(payload), string(storedPayload))

	delete(msg.Headers, "dedupe_key")
	require.ErrorIs(t, handler.Handle(ctx, msg), ErrMissingDedupeKey)
}

