package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/workoutsync/internal/domain"
	"example.com/workoutsync/internal/events"
	"example.com/workoutsync/internal/observability"
)

// DefaultOutboxTopic receives workout and milestone events unless overridden.
const DefaultOutboxTopic = "workout_events"

// PostgresStore persists user documents as JSONB columns and records outbox events in the same transaction.
type PostgresStore struct {
	pool        *pgxpool.Pool
	outboxTopic string
}

// PostgresOption customises a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithOutboxTopic sets the Kafka topic stamped on outbox rows.
func WithOutboxTopic(topic string) PostgresOption {
	return func(s *PostgresStore) {
		if topic != "" {
			s.outboxTopic = topic
		}
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) *PostgresStore {
	s := &PostgresStore{pool: pool, outboxTopic: DefaultOutboxTopic}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

const selectDocument = `SELECT activities, goals, streaks, records, version, updated_at FROM user_documents WHERE user_id=$1`

// Get returns the user's document, or an empty one if nothing was stored yet.
func (s *PostgresStore) Get(ctx context.Context, userID string) (Document, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return Document{}, err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return Document{}, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return Document{}, err
	}

	doc, err := scanDocument(tx.QueryRow(ctx, selectDocument, userID), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Document{UserID: userID}, tx.Commit(ctx)
		}
		return Document{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Document{}, err
	}
	return doc, nil
}

// Apply writes the masked fields and the outbox rows for newly appended activities and milestones
// inside a single transaction. The version precondition is checked against the row locked with
// FOR UPDATE.
func (s *PostgresStore) Apply(ctx context.Context, userID string, update Update) (err error) {
	if err = update.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	if _, err = tx.Exec(ctx, `INSERT INTO user_documents (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID); err != nil {
		return err
	}

	doc, err := scanDocument(tx.QueryRow(ctx, selectDocument+" FOR UPDATE", userID), userID)
	if err != nil {
		return err
	}
	if err = checkVersion(update, doc.Version); err != nil {
		return err
	}
	appended := merge(&doc, update)

	updatedAt, err := s.writeColumns(ctx, tx, userID, doc, update.Mask)
	if err != nil {
		return err
	}

	for _, a := range appended {
		payload := recordedEvent(userID, a, update.Categories)
		if err = s.insertOutbox(ctx, tx, outboxRow{
			userID:        userID,
			aggregateType: "activity",
			aggregateID:   a.ID,
			eventType:     events.TypeWorkoutRecorded,
			dedupeKey:     fmt.Sprintf("%s:%s", a.ID, events.TypeWorkoutRecorded),
		}, payload); err != nil {
			return err
		}
	}
	for _, m := range update.Milestones {
		if err = s.insertOutbox(ctx, tx, outboxRow{
			userID:        userID,
			aggregateType: "milestone",
			aggregateID:   m.ActivityID,
			eventType:     events.TypeMilestoneReached,
			dedupeKey:     m.DedupeKey(),
		}, m); err != nil {
			return err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordDocumentUpdated(updatedAt)
	return nil
}

// AttachLinkedRecord sets the external record id on a stored activity.
func (s *PostgresStore) AttachLinkedRecord(ctx context.Context, userID, activityID, recordID string) error {
	return s.mutate(ctx, userID, func(doc *Document) error {
		return linkRecord(doc, activityID, recordID)
	})
}

// DeleteActivity removes a stored activity.
func (s *PostgresStore) DeleteActivity(ctx context.Context, userID, activityID string) error {
	return s.mutate(ctx, userID, func(doc *Document) error {
		return removeActivity(doc, activityID)
	})
}

func (s *PostgresStore) mutate(ctx context.Context, userID string, fn func(*Document) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback(ctx)
		}
	}()

	if _, err = tx.Exec(ctx, "SELECT set_config('app.user_id', $1, true)", userID); err != nil {
		return err
	}
	doc, err := scanDocument(tx.QueryRow(ctx, selectDocument+" FOR UPDATE", userID), userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = fmt.Errorf("user %s: %w", userID, domain.ErrNotFound)
		}
		return err
	}
	if err = fn(&doc); err != nil {
		return err
	}
	updatedAt, err := s.writeColumns(ctx, tx, userID, doc, []Field{FieldActivities})
	if err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}
	observability.RecordDocumentUpdated(updatedAt)
	return nil
}

// writeColumns updates only the columns named by mask.
func (s *PostgresStore) writeColumns(ctx context.Context, tx pgx.Tx, userID string, doc Document, mask []Field) (time.Time, error) {
	args := []any{userID}
	sets := make([]string, 0, len(mask)+1)
	for _, f := range mask {
		var value any
		switch f {
		case FieldActivities:
			value = doc.Activities
		case FieldGoals:
			value = doc.Goals
		case FieldStreaks:
			value = doc.Streaks
		case FieldRecords:
			value = doc.Records
		default:
			return time.Time{}, fmt.Errorf("%w: unknown field %q", ErrInvalidUpdate, f)
		}
		body, err := json.Marshal(value)
		if err != nil {
			return time.Time{}, err
		}
		args = append(args, body)
		sets = append(sets, fmt.Sprintf("%s = $%d", f, len(args)))
	}
	sets = append(sets, "version = version + 1", "updated_at = NOW()")

	query := `UPDATE user_documents SET ` + strings.Join(sets, ", ") + ` WHERE user_id=$1 RETURNING updated_at`
	var updatedAt time.Time
	if err := tx.QueryRow(ctx, query, args...).Scan(&updatedAt); err != nil {
		return time.Time{}, err
	}
	return updatedAt, nil
}

type outboxRow struct {
	userID        string
	aggregateType string
	aggregateID   string
	eventType     string
	dedupeKey     string
}

func (s *PostgresStore) insertOutbox(ctx context.Context, tx pgx.Tx, row outboxRow, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO outbox (user_id, aggregate_type, aggregate_id, event_type, topic, partition_key, payload, dedupe_key)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (dedupe_key) DO NOTHING`

	_, err = tx.Exec(ctx, stmt,
		row.userID,
		row.aggregateType,
		row.aggregateID,
		row.eventType,
		s.outboxTopic,
		row.userID,
		body,
		row.dedupeKey,
	)
	return err
}

func scanDocument(row pgx.Row, userID string) (Document, error) {
	var activities, goals, streaks, records []byte
	doc := Document{UserID: userID}
	if err := row.Scan(&activities, &goals, &streaks, &records, &doc.Version, &doc.UpdatedAt); err != nil {
		return Document{}, err
	}
	for _, part := range []struct {
		raw  []byte
		into any
	}{
		{activities, &doc.Activities},
		{goals, &doc.Goals},
		{streaks, &doc.Streaks},
		{records, &doc.Records},
	} {
		if len(part.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(part.raw, part.into); err != nil {
			return Document{}, fmt.Errorf("decode document: %w", err)
		}
	}
	return doc, nil
}
