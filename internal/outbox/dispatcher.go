// Package outbox delivers workout and milestone events recorded alongside document writes to Kafka.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"

	"example.com/workoutsync/internal/broker"
	"example.com/workoutsync/internal/observability"
)

const (
	// DefaultMaxAttempts parks a row after this many failed deliveries.
	DefaultMaxAttempts = 10
	// claimTimeout releases rows claimed by a dispatcher that died mid-delivery.
	claimTimeout = 30 * time.Second
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMaxAttempts sets how many failed deliveries a row survives before it is parked.
func WithMaxAttempts(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxAttempts = n
		}
	}
}

// Dispatcher drains the outbox table and delivers events to Kafka. Failed rows stay unpublished
// and are retried on the next poll.
type Dispatcher struct {
	pool             *pgxpool.Pool
	producer         broker.Writer
	pollInterval     time.Duration
	batchSize        int
	maxAttempts      int
	logger           *log.Logger
	shutdownComplete chan struct{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(pool *pgxpool.Pool, producer broker.Writer, pollInterval time.Duration, batchSize int, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		pool:             pool,
		producer:         producer,
		pollInterval:     pollInterval,
		batchSize:        batchSize,
		maxAttempts:      DefaultMaxAttempts,
		logger:           log.New(log.Writer(), "[outbox] ", log.LstdFlags|log.Lshortfile),
		shutdownComplete: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the polling loop. It should be called in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.pollInterval)
	defer func() {
		ticker.Stop()
		close(d.shutdownComplete)
	}()

	for {
		if err := d.processBatch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Printf("dispatcher error: %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Wait waits until dispatcher stops.
func (d *Dispatcher) Wait() {
	<-d.shutdownComplete
}

func (d *Dispatcher) processBatch(ctx context.Context) error {
	start := time.Now()

	messages, err := d.fetchAndClaim(ctx)
	if err != nil {
		return err
	}
	if len(messages) == 0 {
		return nil
	}
	defer func() { batchDuration.Observe(time.Since(start).Seconds()) }()

	if err := d.deliver(ctx, messages); err != nil {
		d.logger.Printf("delivery failure, %d events left for retry: %v", len(messages), err)
		failedCounter.Add(float64(len(messages)))
		return d.releaseFailed(ctx, messages, err.Error())
	}

	deliveredCounter.Add(float64(len(messages)))
	return d.markPublished(ctx, messages)
}

func (d *Dispatcher) fetchAndClaim(ctx context.Context) (messages []Message, err error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	const query = `SELECT event_id, user_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key, attempts
        FROM outbox
        WHERE published_at IS NULL
          AND attempts < $2
          AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))
        ORDER BY event_id
        LIMIT $1
        FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, d.batchSize, d.maxAttempts, claimTimeout.Seconds())
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0)
	for rows.Next() {
		var msg Message
		if err = rows.Scan(&msg.EventID, &msg.UserID, &msg.AggregateType, &msg.AggregateID, &msg.EventType, &msg.Topic, &msg.PartitionKey, &msg.Payload, &msg.DedupeKey, &msg.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		messages = append(messages, msg)
		ids = append(ids, msg.EventID)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) == 0 {
		tx.Rollback(ctx)
		return nil, nil
	}

	if _, err = tx.Exec(ctx, `UPDATE outbox SET claimed_at = NOW() WHERE event_id = ANY($1)`, ids); err != nil {
		return nil, err
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, err
	}

	return messages, nil
}

func (d *Dispatcher) deliver(ctx context.Context, messages []Message) error {
	batches := make(map[string][]kafka.Message)
	for _, msg := range messages {
		record := kafka.Message{
			Key:   []byte(msg.PartitionKey),
			Value: []byte(msg.Payload),
			Time:  time.Now().UTC(),
			Headers: broker.Headers(
				"kind", msg.EventType,
				"dedupe_key", msg.DedupeKey,
				"user_id", msg.UserID,
				"event_id", strconv.FormatInt(msg.EventID, 10),
			),
		}
		batches[msg.Topic] = append(batches[msg.Topic], record)
	}

	for topic, batch := range batches {
		if err := d.producer.WriteMessages(ctx, topic, batch...); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) markPublished(ctx context.Context, messages []Message) error {
	ids := eventIDs(messages)
	if _, err := d.pool.Exec(ctx, `UPDATE outbox SET published_at = NOW(), last_error = NULL WHERE event_id = ANY($1)`, ids); err != nil {
		return err
	}
	observability.RecordEventPublished(time.Now())
	return nil
}

// releaseFailed counts the attempt and clears the claim so the next poll retries the rows.
func (d *Dispatcher) releaseFailed(ctx context.Context, messages []Message, reason string) error {
	ids := eventIDs(messages)
	if _, err := d.pool.Exec(ctx,
		`UPDATE outbox SET attempts = attempts + 1, last_error = $2, claimed_at = NULL WHERE event_id = ANY($1)`,
		ids, reason); err != nil {
		return err
	}
	for _, msg := range messages {
		if msg.Attempts+1 >= d.maxAttempts {
			d.logger.Printf("event %d (%s) parked after %d attempts", msg.EventID, msg.EventType, msg.Attempts+1)
			parkedCounter.WithLabelValues(msg.EventType).Inc()
		}
	}
	return nil
}

func eventIDs(messages []Message) []int64 {
	ids := make([]int64, 0, len(messages))
	for _, msg := range messages {
		ids = append(ids, msg.EventID)
	}
	return ids
}

// Message represents a row fetched from outbox.
type Message struct {
	EventID       int64
	UserID        string
	AggregateType string
	AggregateID   string
	EventType     string
	Topic         string
	PartitionKey  string
	Payload       json.RawMessage
	DedupeKey     string
	Attempts      int
}
