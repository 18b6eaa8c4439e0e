// Package ledger implements the durable idempotency ledger that makes a
// confirmed mutation execute at most once.
//
// Callers claim an idempotency key before executing the real mutation and
// finalize it afterward. The claim is an insert-if-absent on the key's
// primary-key constraint, so two concurrent commit attempts for the same
// key race safely: exactly one wins the claim, the other observes the
// existing record and must not re-execute.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a ledger record.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCommitted  Status = "committed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether the status can no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusFailed
}

// Record is one row of the idempotency ledger.
type Record struct {
	IdempotencyKey string
	Tool           string
	PayloadHash    string
	Status         Status
	CorrelationID  string
	CreatedAt      time.Time
	CommittedAt    *time.Time
}

// ErrNotClaimed is returned by Finalize when no in_progress record exists
// for the key: either it was never claimed or it was already finalized.
var ErrNotClaimed = errors.New("idempotency key was not claimed or is already finalized")

// Ledger persists idempotency records in SQLite.
type Ledger struct {
	db *sql.DB
}

// New creates a Ledger backed by the given database.
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Claim attempts to insert a new in_progress record for key. When the key
// is free, the new record is returned with claimed=true and the caller may
// execute the mutation. When a record already exists, the insert is a
// no-op, the existing record is returned with claimed=false, and the caller
// must not re-execute; it should surface the existing record's status
// instead.
func (l *Ledger) Claim(ctx context.Context, key, tool, payloadHash, correlationID string) (*Record, bool, error) {
	now := time.Now().UTC()

	res, err := l.db.ExecContext(ctx, `
		INSERT INTO idempotency_ledger (idempotency_key, tool, payload_hash, status, correlation_id, created_at)
		VALUES (?, ?, ?, 'in_progress', ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`, key, tool, payloadHash, correlationID, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim idempotency key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to check rows affected: %w", err)
	}

	if n == 1 {
		return &Record{
			IdempotencyKey: key,
			Tool:           tool,
			PayloadHash:    payloadHash,
			Status:         StatusInProgress,
			CorrelationID:  correlationID,
			CreatedAt:      now,
		}, true, nil
	}

	// Key already claimed; return the prior attempt's record unchanged.
	existing, err := l.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Finalize transitions the record for key from in_progress to the given
// terminal status and stamps the completion time. The transition happens at
// most once; a second Finalize (or a Finalize without a prior Claim)
// returns ErrNotClaimed.
func (l *Ledger) Finalize(ctx context.Context, key string, status Status, correlationID string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx, `
		UPDATE idempotency_ledger
		SET status = ?, committed_at = ?, correlation_id = ?
		WHERE idempotency_key = ? AND status = 'in_progress'
	`, string(status), now, correlationID, key)
	if err != nil {
		return fmt.Errorf("failed to finalize idempotency key: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finalize %q: %w", key, ErrNotClaimed)
	}

	return nil
}

// Get retrieves the record for key, or a "not found" error.
func (l *Ledger) Get(ctx context.Context, key string) (*Record, error) {
	r := &Record{}
	var committedAt sql.NullTime

	err := l.db.QueryRowContext(ctx, `
		SELECT idempotency_key, tool, payload_hash, status, correlation_id, created_at, committed_at
		FROM idempotency_ledger
		WHERE idempotency_key = ?
	`, key).Scan(
		&r.IdempotencyKey, &r.Tool, &r.PayloadHash, &r.Status,
		&r.CorrelationID, &r.CreatedAt, &committedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("idempotency record not found: %s", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency record: %w", err)
	}

	if committedAt.Valid {
		t := committedAt.Time
		r.CommittedAt = &t
	}

	return r, nil
}
