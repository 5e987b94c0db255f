package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"example.com/workoutsync/internal/celebration"
)

// MarkerStore persists celebration markers per window kind.
type MarkerStore struct {
	db *DB
}

// NewMarkerStore constructs a MarkerStore.
func NewMarkerStore(db *DB) *MarkerStore {
	return &MarkerStore{db: db}
}

// Claim implements celebration.MarkerStore.
func (s *MarkerStore) Claim(ctx context.Context, window celebration.Window, windowID, key string) (bool, error) {
	tx, err := s.db.sql.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT window_id FROM celebration_windows WHERE window_kind = ?`, string(window),
	).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO celebration_windows (window_kind, window_id) VALUES (?, ?)`, string(window), windowID,
		); err != nil {
			return false, fmt.Errorf("insert window: %w", err)
		}
	case err != nil:
		return false, fmt.Errorf("read window: %w", err)
	case stored != windowID:
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM celebration_markers WHERE window_kind = ?`, string(window),
		); err != nil {
			return false, fmt.Errorf("reset markers: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE celebration_windows SET window_id = ? WHERE window_kind = ?`, windowID, string(window),
		); err != nil {
			return false, fmt.Errorf("roll window: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO celebration_markers (window_kind, key) VALUES (?, ?)`, string(window), key,
	)
	if err != nil {
		return false, fmt.Errorf("insert marker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit marker: %w", err)
	}
	return n == 1, nil
}
