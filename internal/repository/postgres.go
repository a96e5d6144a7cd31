// Package repository provides persistence implementations for the software
// key store: a PostgreSQL table and a local JSON file.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/atinyakov/keygate/internal/keyed"
	"github.com/atinyakov/keygate/internal/models"
)

// PostgresKeyRepository stores wrapped key records in the keys table.
type PostgresKeyRepository struct {
	// DB is the database handle for executing queries and transactions.
	DB *sql.DB
}

// NewPostgresKeyRepository creates a PostgresKeyRepository using the provided *sql.DB.
// db must be a valid connection to a PostgreSQL instance with the keys schema.
func NewPostgresKeyRepository(db *sql.DB) *PostgresKeyRepository {
	return &PostgresKeyRepository{DB: db}
}

const keyColumns = `name, id, material, purposes, auth_required, invalidated_by_enrollment,
		enrollment, invalidated, created_at, invalidated_at`

// Insert stores a new key record. It returns keyed.ErrKeyExists if a key
// with the same name is already present.
func (r *PostgresKeyRepository) Insert(ctx context.Context, rec models.KeyRecord) error {
	res, err := r.DB.ExecContext(ctx, `
		INSERT INTO keys (name, id, material, purposes, auth_required, invalidated_by_enrollment, enrollment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO NOTHING
	`, rec.Name, rec.ID.String(), rec.Material, int(rec.Policy.Purposes), rec.Policy.AuthRequired,
		rec.Policy.InvalidatedByEnrollment, rec.Enrollment, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert key: %w", err)
	}
	if n == 0 {
		return keyed.ErrKeyExists
	}
	return nil
}

// Get fetches a key record by name.
func (r *PostgresKeyRepository) Get(ctx context.Context, name string) (models.KeyRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+keyColumns+` FROM keys WHERE name = $1`, name)
	rec, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.KeyRecord{}, keyed.ErrKeyNotFound
	}
	if err != nil {
		return models.KeyRecord{}, fmt.Errorf("get key: %w", err)
	}
	return rec, nil
}

// List returns every key record ordered by name.
func (r *PostgresKeyRepository) List(ctx context.Context) ([]models.KeyRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+keyColumns+` FROM keys ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var out []models.KeyRecord
	for rows.Next() {
		rec, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInvalidated flags the named key as unusable.
func (r *PostgresKeyRepository) MarkInvalidated(ctx context.Context, name string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE keys SET invalidated = true, invalidated_at = $2 WHERE name = $1 AND invalidated = false
	`, name, at)
	if err != nil {
		return fmt.Errorf("invalidate key: %w", err)
	}
	return nil
}

// Delete removes the named keys and reports how many were removed.
func (r *PostgresKeyRepository) Delete(ctx context.Context, names []string) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM keys WHERE name = ANY($1)`, pq.Array(names))
	if err != nil {
		return 0, fmt.Errorf("delete keys: %w", err)
	}
	return res.RowsAffected()
}

// PurgeInvalidated removes keys invalidated before cutoff.
func (r *PostgresKeyRepository) PurgeInvalidated(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM keys
		 WHERE invalidated = true
		   AND invalidated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge keys: %w", err)
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (models.KeyRecord, error) {
	var (
		rec           models.KeyRecord
		purposes      int
		invalidatedAt sql.NullTime
	)
	err := s.Scan(&rec.Name, &rec.ID, &rec.Material, &purposes, &rec.Policy.AuthRequired,
		&rec.Policy.InvalidatedByEnrollment, &rec.Enrollment, &rec.Invalidated, &rec.CreatedAt, &invalidatedAt)
	if err != nil {
		return models.KeyRecord{}, err
	}
	rec.Policy.Purposes = models.KeyPurpose(purposes)
	if invalidatedAt.Valid {
		t := invalidatedAt.Time
		rec.InvalidatedAt = &t
	}
	return rec, nil
}
