package outbox

import (
	"context"
	"fmt"
)

// schemaStatements are the engine's three tables in their PostgreSQL form.
// A full migration tool is deliberately absent;
// EnsureSchema exists so a fresh engine process can bring up an empty
// database without external tooling, and is a no-op on an existing one.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS definitions (
		id VARCHAR(36) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version VARCHAR(255) NOT NULL,
		definition TEXT NOT NULL,
		UNIQUE (name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS waits (
		id VARCHAR(36) PRIMARY KEY,
		message TEXT NOT NULL,
		status VARCHAR(50) NOT NULL,
		delayed_until TIMESTAMPTZ NOT NULL,
		attempt_count INT DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS waits_status_delayed_until_idx
		ON waits (status, delayed_until)`,
	`CREATE TABLE IF NOT EXISTS retries (
		id VARCHAR(36) PRIMARY KEY,
		message TEXT NOT NULL,
		status VARCHAR(50) NOT NULL,
		delayed_until TIMESTAMPTZ NOT NULL,
		attempt_count INT DEFAULT 0,
		last_error TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS retries_status_delayed_until_idx
		ON retries (status, delayed_until)`,
}

// EnsureSchema creates the definitions/waits/retries tables and their
// (status, delayed_until) indexes if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("outbox: ensure schema: %w", err)
		}
	}
	return nil
}
