// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// pqUniqueViolation is the Postgres error code for a unique constraint
// violation, which is how the database reports a duplicate key insert.
const pqUniqueViolation = "23505"

// PostgresConfig configures the Postgres-backed registry.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
	// TableName is the outcomes table. Defaults to "saga_idempotency".
	TableName string `yaml:"table_name" json:"table_name"`
	// MaxOpenConns caps the connection pool. Defaults to 10.
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`
	// MaxIdleConns caps idle connections. Defaults to 5.
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`
	// ConnMaxLifetime bounds connection reuse. Defaults to 30m.
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	// AutoMigrate creates the table and index on startup.
	AutoMigrate bool `yaml:"auto_migrate" json:"auto_migrate"`
}

// Validate checks the configuration.
func (c *PostgresConfig) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("postgres idempotency config: dsn is required")
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields.
func (c *PostgresConfig) ApplyDefaults() {
	if c.TableName == "" {
		c.TableName = "saga_idempotency"
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
}

// PostgresRegistry stores outcomes in a Postgres table with a primary
// key on the correlation key. The database enforces append-only
// semantics: a duplicate insert trips the unique constraint and is
// mapped to ErrConflict.
type PostgresRegistry struct {
	db    *sql.DB
	table string
}

// NewPostgresRegistry opens a connection pool and optionally migrates
// the schema.
func NewPostgresRegistry(cfg *PostgresConfig) (*PostgresRegistry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres idempotency: config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres idempotency: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	r := &PostgresRegistry{db: db, table: cfg.TableName}
	if cfg.AutoMigrate {
		if err := r.migrate(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return r, nil
}

// NewPostgresRegistryWithDB wraps an existing database handle, for
// tests.
func NewPostgresRegistryWithDB(db *sql.DB, table string) *PostgresRegistry {
	if table == "" {
		table = "saga_idempotency"
	}
	return &PostgresRegistry{db: db, table: table}
}

func (r *PostgresRegistry) migrate(ctx context.Context) error {
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	correlation_key TEXT PRIMARY KEY,
	instance_id     TEXT NOT NULL,
	saga_name       TEXT NOT NULL,
	status          TEXT NOT NULL,
	result_snapshot JSONB,
	recorded_at     TIMESTAMPTZ NOT NULL
)`, pq.QuoteIdentifier(r.table))
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres idempotency: migrate: %w", err)
	}
	return nil
}

// Lookup implements Registry.
func (r *PostgresRegistry) Lookup(ctx context.Context, key string) (*Record, error) {
	query := fmt.Sprintf(
		`SELECT correlation_key, instance_id, saga_name, status, result_snapshot, recorded_at FROM %s WHERE correlation_key = $1`,
		pq.QuoteIdentifier(r.table))

	var (
		rec      Record
		status   string
		snapshot sql.NullString
	)
	err := r.db.QueryRowContext(ctx, query, key).Scan(
		&rec.CorrelationKey, &rec.InstanceID, &rec.SagaName, &status, &snapshot, &rec.RecordedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres idempotency: lookup %s: %w", key, err)
	}
	if err := rec.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, fmt.Errorf("postgres idempotency: lookup %s: %w", key, err)
	}
	if snapshot.Valid {
		rec.ResultSnapshot = []byte(snapshot.String)
	}
	return &rec, nil
}

// Record implements Registry.
func (r *PostgresRegistry) Record(ctx context.Context, rec *Record) error {
	if rec == nil || rec.CorrelationKey == "" {
		return saga.NewValidationError("idempotency: record requires a correlation key")
	}
	recordedAt := rec.RecordedAt
	if recordedAt.IsZero() {
		recordedAt = time.Now()
	}
	statusText, err := rec.Status.MarshalText()
	if err != nil {
		return saga.NewValidationError(fmt.Sprintf("idempotency: %v", err))
	}
	var snapshot any
	if len(rec.ResultSnapshot) > 0 {
		snapshot = string(rec.ResultSnapshot)
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (correlation_key, instance_id, saga_name, status, result_snapshot, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		pq.QuoteIdentifier(r.table))
	_, err = r.db.ExecContext(ctx, query,
		rec.CorrelationKey, rec.InstanceID, rec.SagaName, string(statusText), snapshot, recordedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("postgres idempotency: record %s: %w", rec.CorrelationKey, err)
	}
	return nil
}

// Close implements Registry.
func (r *PostgresRegistry) Close() error {
	return r.db.Close()
}
