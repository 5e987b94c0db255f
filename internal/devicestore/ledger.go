package devicestore

import (
	"context"
	"fmt"
	"time"
)

// Ledger records which queued peer commands were already executed.
type Ledger struct {
	db *DB
}

// NewLedger constructs a Ledger.
func NewLedger(db *DB) *Ledger {
	return &Ledger{db: db}
}

// Consume marks commandID as executed. It returns false when the command was consumed before.
func (l *Ledger) Consume(ctx context.Context, commandID, action string, issuedAt time.Time) (bool, error) {
	res, err := l.db.sql.ExecContext(ctx,
		`INSERT OR IGNORE INTO consumed_commands (command_id, action, issued_at) VALUES (?, ?, ?)`,
		commandID, action, issuedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("record consumed command: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Prune deletes ledger rows for commands issued before cutoff; they can no longer pass the staleness check.
func (l *Ledger) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.sql.ExecContext(ctx, `DELETE FROM consumed_commands WHERE issued_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune consumed commands: %w", err)
	}
	return res.RowsAffected()
}
