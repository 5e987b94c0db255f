// Package consumer records delivered workout and milestone events on the backend side so that the
// notification backend can be audited against what devices produced.
package consumer

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutsync/internal/broker"
)

// ErrMissingDedupeKey is returned for records published without a dedupe_key header.
var ErrMissingDedupeKey = errors.New("record has no dedupe_key header")

// EventLogHandler writes consumed events into Postgres, once per dedupe key.
type EventLogHandler struct {
	pool *pgxpool.Pool
}

// NewEventLogHandler constructs a handler backed by the provided pool.
func NewEventLogHandler(pool *pgxpool.Pool) *EventLogHandler {
	return &EventLogHandler{pool: pool}
}

// Handle stores the event payload in the event_log table. Redelivered records are ignored.
func (h *EventLogHandler) Handle(ctx context.Context, msg broker.Message) error {
	dedupeKey := msg.Headers["dedupe_key"]
	if dedupeKey == "" {
		return ErrMissingDedupeKey
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx,
		`INSERT INTO event_log (event_type, user_id, dedupe_key, topic, partition, record_offset, payload, received_at)
         VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
         ON CONFLICT (dedupe_key) DO NOTHING`,
		msg.Kind,
		msg.Headers["user_id"],
		dedupeKey,
		msg.Topic,
		msg.Partition,
		msg.Offset,
		[]byte(msg.Payload),
		msg.Timestamp,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		duplicateCounter.WithLabelValues(msg.Kind).Inc()
		return nil
	}
	loggedCounter.WithLabelValues(msg.Kind).Inc()
	return nil
}
