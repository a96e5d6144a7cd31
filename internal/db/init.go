// Package db opens the PostgreSQL key store and runs its maintenance.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS keys (
    name TEXT PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    material BYTEA NOT NULL,
    purposes SMALLINT NOT NULL,
    auth_required BOOLEAN NOT NULL,
    invalidated_by_enrollment BOOLEAN NOT NULL,
    enrollment TEXT NOT NULL DEFAULT '',
    invalidated BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    invalidated_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS keys_invalidated_at_idx ON keys (invalidated_at) WHERE invalidated;
`

// InitPostgres connects to dsn and creates the keys schema.
func InitPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}
