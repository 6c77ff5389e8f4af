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

package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/civicledger/sagaflow/pkg/saga"
)

// PostgresConfig configures the Postgres-backed instance store.
type PostgresConfig struct {
	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
	// TableName is the instances table. Defaults to "saga_instances".
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
		return fmt.Errorf("postgres state config: dsn is required")
	}
	return nil
}

// ApplyDefaults fills zero-valued optional fields.
func (c *PostgresConfig) ApplyDefaults() {
	if c.TableName == "" {
		c.TableName = "saga_instances"
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

// PostgresStore persists instances in a single table with scalar
// columns for everything recovery filters on and jsonb columns for the
// step trace, follow-ups and context snapshot. Save upserts on the
// instance ID. A partial index on non-terminal statuses keeps the
// recovery scan cheap.
type PostgresStore struct {
	db    *sql.DB
	table string
}

// NewPostgresStore opens a connection pool and optionally migrates the
// schema.
func NewPostgresStore(cfg *PostgresConfig) (*PostgresStore, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres state: config is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres state: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	s := &PostgresStore{db: db, table: cfg.TableName}
	if cfg.AutoMigrate {
		if err := s.migrate(context.Background()); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing database handle, for tests.
func NewPostgresStoreWithDB(db *sql.DB, table string) *PostgresStore {
	if table == "" {
		table = "saga_instances"
	}
	return &PostgresStore{db: db, table: table}
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	table := pq.QuoteIdentifier(s.table)
	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id               TEXT PRIMARY KEY,
	correlation_key  TEXT NOT NULL,
	resource_id      TEXT NOT NULL,
	definition_name  TEXT NOT NULL,
	status           TEXT NOT NULL,
	current_step     INT NOT NULL,
	step_records     JSONB,
	follow_ups       JSONB,
	failed_step      TEXT NOT NULL DEFAULT '',
	failure_cause    TEXT NOT NULL DEFAULT '',
	context_snapshot JSONB,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`, table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres state: migrate: %w", err)
	}

	index := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (status) WHERE status IN ('pending', 'running', 'compensating')`,
		pq.QuoteIdentifier(s.table+"_active_idx"), table)
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("postgres state: migrate index: %w", err)
	}
	return nil
}

const instanceColumns = `id, correlation_key, resource_id, definition_name, status, current_step, step_records, follow_ups, failed_step, failure_cause, context_snapshot, created_at, updated_at`

// Save implements Store.
func (s *PostgresStore) Save(ctx context.Context, inst *Instance) error {
	if inst == nil || inst.ID == "" {
		return saga.NewValidationError("state: instance requires an ID")
	}
	statusText, err := inst.Status.MarshalText()
	if err != nil {
		return saga.NewValidationError(fmt.Sprintf("state: %v", err))
	}
	stepRecords, err := marshalNullable(inst.StepRecords)
	if err != nil {
		return saga.NewStorageError("save", err)
	}
	followUps, err := marshalNullable(inst.FollowUps)
	if err != nil {
		return saga.NewStorageError("save", err)
	}
	snapshot, err := marshalNullable(inst.ContextSnapshot)
	if err != nil {
		return saga.NewStorageError("save", err)
	}

	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	current_step = EXCLUDED.current_step,
	step_records = EXCLUDED.step_records,
	follow_ups = EXCLUDED.follow_ups,
	failed_step = EXCLUDED.failed_step,
	failure_cause = EXCLUDED.failure_cause,
	context_snapshot = EXCLUDED.context_snapshot,
	updated_at = EXCLUDED.updated_at`,
		pq.QuoteIdentifier(s.table), instanceColumns)

	_, err = s.db.ExecContext(ctx, query,
		inst.ID, inst.CorrelationKey, inst.ResourceID, inst.DefinitionName,
		string(statusText), inst.CurrentStep, stepRecords, followUps,
		inst.FailedStep, inst.FailureCause, snapshot,
		inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return saga.NewStorageError("save", err)
	}
	return nil
}

// Load implements Store.
func (s *PostgresStore) Load(ctx context.Context, id string) (*Instance, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`,
		instanceColumns, pq.QuoteIdentifier(s.table))
	inst, err := scanInstance(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrInstanceNotFound
	}
	if err != nil {
		return nil, saga.NewStorageError("load", err)
	}
	return inst, nil
}

// ListNonTerminal implements Store.
func (s *PostgresStore) ListNonTerminal(ctx context.Context) ([]*Instance, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE status IN ('pending', 'running', 'compensating') ORDER BY updated_at`,
		instanceColumns, pq.QuoteIdentifier(s.table))
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, saga.NewStorageError("list", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, saga.NewStorageError("list", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, saga.NewStorageError("list", err)
	}
	return out, nil
}

// Close implements Store.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*Instance, error) {
	var (
		inst        Instance
		status      string
		stepRecords sql.NullString
		followUps   sql.NullString
		snapshot    sql.NullString
	)
	err := row.Scan(
		&inst.ID, &inst.CorrelationKey, &inst.ResourceID, &inst.DefinitionName,
		&status, &inst.CurrentStep, &stepRecords, &followUps,
		&inst.FailedStep, &inst.FailureCause, &snapshot,
		&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := inst.Status.UnmarshalText([]byte(status)); err != nil {
		return nil, err
	}
	if stepRecords.Valid {
		if err := json.Unmarshal([]byte(stepRecords.String), &inst.StepRecords); err != nil {
			return nil, err
		}
	}
	if followUps.Valid {
		if err := json.Unmarshal([]byte(followUps.String), &inst.FollowUps); err != nil {
			return nil, err
		}
	}
	if snapshot.Valid {
		if err := json.Unmarshal([]byte(snapshot.String), &inst.ContextSnapshot); err != nil {
			return nil, err
		}
	}
	return &inst, nil
}

// marshalNullable JSON-encodes v, returning nil for empty values so
// the column stays NULL instead of holding "null" or "[]".
func marshalNullable(v any) (any, error) {
	switch t := v.(type) {
	case []StepRecord:
		if len(t) == 0 {
			return nil, nil
		}
	case []saga.FollowUp:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
