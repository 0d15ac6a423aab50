package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stratastore/strata/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore records processed command keys in PostgreSQL so retried
// commands replay their original result instead of executing twice.
type IdempotencyStore struct {
	db     *sql.DB
	schema string
	name   string
}

// IdempotencyOption configures an IdempotencyStore.
type IdempotencyOption func(*IdempotencyStore)

// WithIdempotencySchema sets the schema holding the idempotency table.
// Default is "strata".
func WithIdempotencySchema(schema string) IdempotencyOption {
	return func(s *IdempotencyStore) {
		s.schema = schema
	}
}

// WithIdempotencyTableName sets the idempotency table name. Default is
// "idempotency".
func WithIdempotencyTableName(name string) IdempotencyOption {
	return func(s *IdempotencyStore) {
		s.name = name
	}
}

// NewIdempotencyStore wraps an existing connection pool.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyOption) *IdempotencyStore {
	s := &IdempotencyStore{
		db:     db,
		schema: "strata",
		name:   "idempotency",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewIdempotencyStoreFromAdapter builds an IdempotencyStore sharing the
// adapter's pool and schema.
func NewIdempotencyStoreFromAdapter(a *Adapter, opts ...IdempotencyOption) *IdempotencyStore {
	s := NewIdempotencyStore(a.DB())
	s.schema = a.Schema()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *IdempotencyStore) table() string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(s.name)
}

// Initialize creates the idempotency table if it does not exist.
func (s *IdempotencyStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
			key          VARCHAR(255) PRIMARY KEY,
			command_type VARCHAR(255) NOT NULL,
			aggregate_id VARCHAR(500),
			version      BIGINT,
			response     JSONB,
			error        TEXT,
			success      BOOLEAN NOT NULL DEFAULT false,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+s.schema+"_"+s.name+"_expires") +
			` ON ` + s.table() + ` (expires_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("strata/postgres: initialize idempotency: %w", err)
		}
	}
	return nil
}

// Exists reports whether an unexpired record with the key exists.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM `+s.table()+` WHERE key = $1 AND expires_at > NOW())`,
		key).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("strata/postgres: check idempotency key: %w", err)
	}
	return exists, nil
}

// Store upserts an idempotency record.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.table()+` (
			key, command_type, aggregate_id, version, response, error, success, processed_at, expires_at
		) VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, 0), $5, NULLIF($6, ''), $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			command_type = EXCLUDED.command_type,
			aggregate_id = EXCLUDED.aggregate_id,
			version = EXCLUDED.version,
			response = EXCLUDED.response,
			error = EXCLUDED.error,
			success = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at`,
		record.Key, record.CommandType, record.AggregateID, record.Version,
		nullableBytes(record.Response), record.Error, record.Success,
		record.ProcessedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("strata/postgres: store idempotency record: %w", err)
	}
	return nil
}

// Get returns the record for a key, or nil, nil when absent or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	var (
		record      adapters.IdempotencyRecord
		aggregateID sql.NullString
		version     sql.NullInt64
		errorMsg    sql.NullString
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT key, command_type, aggregate_id, version, response, error, success, processed_at, expires_at
		 FROM `+s.table()+`
		 WHERE key = $1 AND expires_at > NOW()`,
		key).Scan(&record.Key, &record.CommandType, &aggregateID, &version,
		&record.Response, &errorMsg, &record.Success, &record.ProcessedAt, &record.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get idempotency record: %w", err)
	}

	record.AggregateID = aggregateID.String
	record.Version = version.Int64
	record.Error = errorMsg.String
	return &record, nil
}

// Delete removes the record for a key if one exists.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM `+s.table()+` WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("strata/postgres: delete idempotency record: %w", err)
	}
	return nil
}

// Cleanup removes expired records and records processed before the cutoff.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table()+` WHERE processed_at < $1 OR expires_at < NOW()`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: cleanup idempotency records: %w", err)
	}
	return result.RowsAffected()
}

// nullableBytes maps an empty byte slice to SQL NULL.
func nullableBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
