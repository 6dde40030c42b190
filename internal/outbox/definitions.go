package outbox

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefinitionStore satisfies parser.DefinitionSource against the
// `definitions` table (`id, name, version, definition`,
// unique on `(name, version)`). Definitions are created through the
// admin upload route and never mutated afterwards, so
// unlike Store there is no status/claim machinery here at all.
type DefinitionStore struct {
	Pool PoolQuerier
}

// PoolQuerier is the subset of *pgxpool.Pool the definition store needs,
// narrowed so it can also be satisfied by a pgx.Tx during upload.
type PoolQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DefinitionRecord is one definitions row's identity; the document body is
// fetched separately through Load since listings never need it.
type DefinitionRecord struct {
	ID      string
	Name    string
	Version string
}

// NewDefinitionStore wraps a pool (or, if needed, a tx) for definition reads
// and the upload-time write path.
func NewDefinitionStore(pool PoolQuerier) *DefinitionStore {
	return &DefinitionStore{Pool: pool}
}

// Load implements parser.DefinitionSource: fetch the raw document bytes by
// (name, version) so parser.Parse can decode and validate it.
func (d *DefinitionStore) Load(ctx context.Context, name, version string) ([]byte, error) {
	var definition []byte
	err := d.Pool.QueryRow(ctx, `
		SELECT definition FROM definitions WHERE name = $1 AND version = $2`,
		name, version).Scan(&definition)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("outbox: definition %s/%s: %w", name, version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: load definition %s/%s: %w", name, version, err)
	}
	return definition, nil
}

// Put inserts a new definition row (the admin `upload` boundary).
// Definitions are never mutated once created, so this is the only
// write path the store exposes for this table.
func (d *DefinitionStore) Put(ctx context.Context, name, version string, definition []byte) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("outbox: generate definition id: %w", err)
	}
	_, err = d.Pool.Exec(ctx, `
		INSERT INTO definitions (id, name, version, definition)
		VALUES ($1, $2, $3, $4)`,
		id.String(), name, version, definition)
	if err != nil {
		return fmt.Errorf("outbox: put definition %s/%s: %w", name, version, err)
	}
	return nil
}

// List returns every definition's identity, newest first (UUIDv7 primary
// keys are time-ordered, so the id ordering is creation ordering).
func (d *DefinitionStore) List(ctx context.Context) ([]DefinitionRecord, error) {
	rows, err := d.Pool.Query(ctx, `
		SELECT id, name, version FROM definitions ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("outbox: list definitions: %w", err)
	}
	defer rows.Close()

	var out []DefinitionRecord
	for rows.Next() {
		var r DefinitionRecord
		if err := rows.Scan(&r.ID, &r.Name, &r.Version); err != nil {
			return nil, fmt.Errorf("outbox: scan definition row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
