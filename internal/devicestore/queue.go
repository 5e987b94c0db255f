package devicestore

import (
	"context"
	"encoding/json"
	"fmt"

	"example.com/workoutsync/internal/offlinequeue"
)

// QueueStore persists the offline queue in the offline_queue table.
type QueueStore struct {
	db *DB
}

// NewQueueStore constructs a QueueStore.
func NewQueueStore(db *DB) *QueueStore {
	return &QueueStore{db: db}
}

// Load implements offlinequeue.Store.
func (s *QueueStore) Load(ctx context.Context) ([]offlinequeue.Entry, error) {
	rows, err := s.db.sql.QueryContext(ctx,
		`SELECT user_id, attempts, activity FROM offline_queue ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query offline queue: %w", err)
	}
	defer rows.Close()

	var entries []offlinequeue.Entry
	for rows.Next() {
		var (
			entry offlinequeue.Entry
			body  string
		)
		if err := rows.Scan(&entry.UserID, &entry.Attempts, &body); err != nil {
			return nil, fmt.Errorf("scan offline queue: %w", err)
		}
		if err := json.Unmarshal([]byte(body), &entry.Activity); err != nil {
			return nil, fmt.Errorf("decode queued activity: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Save implements offlinequeue.Store by rewriting the table in one transaction.
func (s *QueueStore) Save(ctx context.Context, entries []offlinequeue.Entry) error {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM offline_queue"); err != nil {
		return fmt.Errorf("clear offline queue: %w", err)
	}
	for i, entry := range entries {
		body, err := json.Marshal(entry.Activity)
		if err != nil {
			return fmt.Errorf("encode activity %s: %w", entry.Activity.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO offline_queue (position, activity_id, user_id, attempts, activity) VALUES (?, ?, ?, ?, ?)`,
			i, entry.Activity.ID, entry.UserID, entry.Attempts, string(body),
		); err != nil {
			return fmt.Errorf("insert queued activity %s: %w", entry.Activity.ID, err)
		}
	}
	return tx.Commit()
}
