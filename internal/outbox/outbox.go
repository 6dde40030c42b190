// Package outbox implements the engine's relational store: two physical
// tables, `waits` and `retries`, sharing one schema, claimed with
// `FOR UPDATE SKIP LOCKED` so multiple processors never race on the same
// row, plus the read-only `definitions` table consumed through
// parser.DefinitionSource.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Table names the two physical outbox tables. Both share the `waits`/
// `retries` schema; which one a continuation lands in is a
// routing decision made by the caller (internal/consumer), not something
// the store itself decides.
type Table string

const (
	Waits   Table = "waits"
	Retries Table = "retries"
)

// Status is a row's PENDING/SENT/FAILED lifecycle state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Row is one claimed outbox record.
type Row struct {
	ID           string
	Message      []byte
	Status       Status
	DelayedUntil time.Time
	AttemptCount int
	LastError    string
}

// ErrNotFound is returned when a definition lookup misses.
var ErrNotFound = errors.New("outbox: not found")

func (t Table) valid() error {
	if t != Waits && t != Retries {
		return fmt.Errorf("outbox: unknown table %q", t)
	}
	return nil
}

// Pool is the subset of *pgxpool.Pool the store reaches for directly:
// transaction starts and the reaper's standalone deletes. Narrowed to an
// interface so the processor loop is testable against a mocked pool.
type Pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store wraps a connection pool with the outbox table operations.
// Every mutating operation that participates in the consumer's "decode ->
// run -> enqueue -> ack" transaction takes a caller-supplied
// pgx.Tx rather than owning its own transaction, so the caller controls the
// commit boundary.
type Store struct {
	Pool Pool
}

// New wraps an already-connected pool (connect-elsewhere, wrap-here); the
// store itself never logs, the processor does.
func New(pool Pool) *Store {
	return &Store{Pool: pool}
}

// Enqueue inserts a PENDING row within the caller's transaction. The
// primary key is a UUIDv7 so the table's natural insertion order already
// gives the `ORDER BY delayed_until` scan useful index locality.
func (s *Store) Enqueue(ctx context.Context, tx pgx.Tx, table Table, message []byte, delayedUntil time.Time) (string, error) {
	if err := table.valid(); err != nil {
		return "", err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("outbox: generate id: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, message, status, delayed_until, attempt_count)
		VALUES ($1, $2, $3, $4, 0)`, table)
	if _, err := tx.Exec(ctx, query, id.String(), message, StatusPending, delayedUntil); err != nil {
		return "", fmt.Errorf("outbox: enqueue into %s: %w", table, err)
	}
	return id.String(), nil
}

// ClaimDue selects up to limit due PENDING rows with FOR UPDATE SKIP
// LOCKED, so concurrent processors partition the work without blocking on
// each other. Must run inside tx; the row lock is held until tx commits or
// rolls back.
func (s *Store) ClaimDue(ctx context.Context, tx pgx.Tx, table Table, limit, maxAttempts int) ([]Row, error) {
	if err := table.valid(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
		SELECT id, message, status, delayed_until, attempt_count, COALESCE(last_error, '')
		FROM %s
		WHERE status = $1 AND delayed_until <= now() AND attempt_count < $2
		ORDER BY delayed_until ASC
		FOR UPDATE SKIP LOCKED
		LIMIT $3`, table)
	rows, err := tx.Query(ctx, query, StatusPending, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim due from %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.ID, &r.Message, &r.Status, &r.DelayedUntil, &r.AttemptCount, &r.LastError); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkSent transitions a row PENDING -> SENT.
func (s *Store) MarkSent(ctx context.Context, tx pgx.Tx, table Table, id string) error {
	if err := table.valid(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET status = $1 WHERE id = $2`, table)
	if _, err := tx.Exec(ctx, query, StatusSent, id); err != nil {
		return fmt.Errorf("outbox: mark %s sent in %s: %w", id, table, err)
	}
	return nil
}

// MarkFailed bumps attempt_count and records lastError. When the bumped attempt count has reached maxAttempts the row moves
// to FAILED; otherwise it stays PENDING with delayedUntil pushed out by the
// caller-computed backoff.
func (s *Store) MarkFailed(ctx context.Context, tx pgx.Tx, table Table, id string, attemptCount, maxAttempts int, lastError string, delayedUntil time.Time) error {
	if err := table.valid(); err != nil {
		return err
	}
	status := StatusPending
	if attemptCount >= maxAttempts {
		status = StatusFailed
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1, attempt_count = $2, last_error = $3, delayed_until = $4
		WHERE id = $5`, table)
	if _, err := tx.Exec(ctx, query, status, attemptCount, lastError, delayedUntil, id); err != nil {
		return fmt.Errorf("outbox: mark %s failed in %s: %w", id, table, err)
	}
	return nil
}

// ReapSent deletes SENT rows older than cutoff,
// capped at limit per call so a large backlog doesn't hold one long-running
// transaction.
func (s *Store) ReapSent(ctx context.Context, table Table, cutoff time.Time, limit int) (int64, error) {
	if err := table.valid(); err != nil {
		return 0, err
	}
	query := fmt.Sprintf(`
		DELETE FROM %s
		WHERE id IN (
			SELECT id FROM %s WHERE status = $1 AND delayed_until < $2 LIMIT $3
		)`, table, table)
	tag, err := s.Pool.Exec(ctx, query, StatusSent, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox: reap sent from %s: %w", table, err)
	}
	return tag.RowsAffected(), nil
}

// BeginTx starts a transaction on the pool, a thin passthrough kept so
// callers (internal/consumer, this package's Processor) depend only on
// *outbox.Store rather than reaching into pgxpool directly.
func (s *Store) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return s.Pool.Begin(ctx)
}
