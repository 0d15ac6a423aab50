// Package postgres implements the storage contracts on PostgreSQL. Events,
// streams, snapshots and checkpoints live in one schema; appends run in a
// transaction with the stream row locked, which is what makes the optimistic
// concurrency check atomic.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"

	"github.com/stratastore/strata/adapters"
)

// Version sentinels re-exported for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// ErrNoOutboxStore is returned by AppendWithOutbox when the adapter was
// built without WithOutbox.
var ErrNoOutboxStore = errors.New("strata/postgres: adapter has no outbox store")

// Aliases to the shared adapter errors so callers can match with errors.Is
// without importing the adapters package.
var (
	ErrAdapterClosed       = adapters.ErrAdapterClosed
	ErrEmptyStreamID       = adapters.ErrEmptyStreamID
	ErrNoEvents            = adapters.ErrNoEvents
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict
	ErrStreamNotFound      = adapters.ErrStreamNotFound
	ErrInvalidVersion      = adapters.ErrInvalidVersion
)

var (
	_ adapters.EventStoreAdapter   = (*Adapter)(nil)
	_ adapters.SubscriptionAdapter = (*Adapter)(nil)
	_ adapters.SnapshotAdapter     = (*Adapter)(nil)
	_ adapters.CheckpointAdapter   = (*Adapter)(nil)
	_ adapters.HealthChecker       = (*Adapter)(nil)
	_ adapters.OutboxAppender      = (*Adapter)(nil)
)

// Adapter is a PostgreSQL-backed event store adapter.
type Adapter struct {
	db     *sql.DB
	schema string
	outbox adapters.OutboxStore
	closed bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSchema sets the PostgreSQL schema holding the event store tables.
// Default is "strata".
func WithSchema(schema string) Option {
	return func(a *Adapter) {
		a.schema = schema
	}
}

// WithOutbox attaches an outbox store so AppendWithOutbox can schedule
// messages in the append transaction. The store must support *sql.Tx in
// ScheduleInTx, which the OutboxStore of this package does.
func WithOutbox(store adapters.OutboxStore) Option {
	return func(a *Adapter) {
		a.outbox = store
	}
}

// WithMaxConnections caps the number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections caps the number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime bounds how long a connection may be reused.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *Adapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool for the given connection string.
func NewAdapter(connStr string, opts ...Option) (*Adapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB wraps an existing connection pool.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:     db,
		schema: "strata",
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// table returns the quoted, schema-qualified name of a table.
func (a *Adapter) table(name string) string {
	return pq.QuoteIdentifier(a.schema) + "." + pq.QuoteIdentifier(name)
}

// Initialize creates the schema and tables if they do not exist.
func (a *Adapter) Initialize(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}

	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(a.schema),
		`CREATE TABLE IF NOT EXISTS ` + a.table("streams") + ` (
			id         BIGSERIAL PRIMARY KEY,
			stream_id  VARCHAR(500) NOT NULL UNIQUE,
			category   VARCHAR(250) NOT NULL,
			version    BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("events") + ` (
			global_position BIGSERIAL PRIMARY KEY,
			event_id        UUID NOT NULL DEFAULT gen_random_uuid(),
			stream_id       VARCHAR(500) NOT NULL,
			version         BIGINT NOT NULL,
			event_type      VARCHAR(500) NOT NULL,
			data            JSONB NOT NULL,
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (stream_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("snapshots") + ` (
			stream_id  VARCHAR(500) PRIMARY KEY,
			version    BIGINT NOT NULL,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS ` + a.table("checkpoints") + ` (
			consumer   VARCHAR(500) PRIMARY KEY,
			position   BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+a.schema+"_streams_category") +
			` ON ` + a.table("streams") + ` (category)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+a.schema+"_events_stream") +
			` ON ` + a.table("events") + ` (stream_id, version)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+a.schema+"_events_type") +
			` ON ` + a.table("events") + ` (event_type)`,
	}

	for _, stmt := range statements {
		if _, err := a.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("strata/postgres: initialize schema: %w", err)
		}
	}
	return nil
}

// Append commits events to a stream after the optimistic version check. The
// stream row is locked for the duration of the transaction, so concurrent
// writers to the same stream serialize and the loser gets a typed
// ConcurrencyError.
func (a *Adapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	return a.append(ctx, streamID, events, expectedVersion, nil)
}

// AppendWithOutbox commits events and schedules their outbox messages in the
// same transaction. Requires WithOutbox; without it the call fails.
func (a *Adapter) AppendWithOutbox(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, messages []*adapters.OutboxMessage) ([]adapters.StoredEvent, error) {
	if a.outbox == nil {
		return nil, ErrNoOutboxStore
	}
	return a.append(ctx, streamID, events, expectedVersion, messages)
}

func (a *Adapter) append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, messages []*adapters.OutboxMessage) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, ErrNoEvents
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currentVersion int64
	exists := true
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM `+a.table("streams")+` WHERE stream_id = $1 FOR UPDATE`,
		streamID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return nil, fmt.Errorf("strata/postgres: read stream version: %w", err)
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return nil, err
	}

	if !exists {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO `+a.table("streams")+` (stream_id, category, version) VALUES ($1, $2, 0)`,
			streamID, adapters.ExtractCategory(streamID))
		if err != nil {
			return nil, fmt.Errorf("strata/postgres: create stream: %w", err)
		}
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, rec := range events {
		currentVersion++

		metadataJSON, err := json.Marshal(rec.Metadata)
		if err != nil {
			return nil, fmt.Errorf("strata/postgres: marshal metadata: %w", err)
		}

		ev := adapters.StoredEvent{
			StreamID: streamID,
			Type:     rec.Type,
			Data:     rec.Data,
			Metadata: rec.Metadata,
			Version:  currentVersion,
		}
		err = tx.QueryRowContext(ctx,
			`INSERT INTO `+a.table("events")+` (stream_id, version, event_type, data, metadata)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING global_position, event_id, created_at`,
			streamID, currentVersion, rec.Type, rec.Data, metadataJSON,
		).Scan(&ev.GlobalPosition, &ev.ID, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("strata/postgres: insert event: %w", err)
		}
		stored[i] = ev
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE `+a.table("streams")+` SET version = $1, updated_at = NOW() WHERE stream_id = $2`,
		currentVersion, streamID)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: update stream version: %w", err)
	}

	if len(messages) > 0 {
		if err := a.outbox.ScheduleInTx(ctx, tx, messages); err != nil {
			return nil, fmt.Errorf("strata/postgres: schedule outbox messages: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("strata/postgres: commit transaction: %w", err)
	}
	return stored, nil
}

// Load returns a stream's events after fromVersion. A missing stream yields
// an empty slice.
func (a *Adapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	rows, err := a.db.QueryContext(ctx,
		`SELECT global_position, event_id, stream_id, version, event_type, data, metadata, created_at
		 FROM `+a.table("events")+`
		 WHERE stream_id = $1 AND version > $2
		 ORDER BY version`,
		streamID, fromVersion)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: load events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetStreamInfo returns stream metadata, or ErrStreamNotFound.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var info adapters.StreamInfo
	err := a.db.QueryRowContext(ctx,
		`SELECT stream_id, category, version, created_at, updated_at
		 FROM `+a.table("streams")+`
		 WHERE stream_id = $1`,
		streamID).Scan(&info.StreamID, &info.Category, &info.Version, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get stream info: %w", err)
	}

	// Versions are consecutive from 1, so the version doubles as the count.
	info.EventCount = info.Version
	return &info, nil
}

// GetLastPosition returns the global position of the newest event, 0 for an
// empty store.
func (a *Adapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}

	var pos sql.NullInt64
	err := a.db.QueryRowContext(ctx,
		`SELECT MAX(global_position) FROM `+a.table("events")).Scan(&pos)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: get last position: %w", err)
	}
	if pos.Valid {
		return uint64(pos.Int64), nil
	}
	return 0, nil
}

// SaveSnapshot stores a snapshot, replacing any earlier one.
func (a *Adapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO `+a.table("snapshots")+` (stream_id, version, data)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (stream_id) DO UPDATE SET
			version = EXCLUDED.version,
			data = EXCLUDED.data,
			created_at = NOW()`,
		streamID, version, data)
	if err != nil {
		return fmt.Errorf("strata/postgres: save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the stream's snapshot, or nil, nil when absent.
func (a *Adapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if a.closed {
		return nil, ErrAdapterClosed
	}

	var rec adapters.SnapshotRecord
	err := a.db.QueryRowContext(ctx,
		`SELECT stream_id, version, data FROM `+a.table("snapshots")+` WHERE stream_id = $1`,
		streamID).Scan(&rec.StreamID, &rec.Version, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: load snapshot: %w", err)
	}
	return &rec, nil
}

// DeleteSnapshot removes the stream's snapshot if one exists.
func (a *Adapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx,
		`DELETE FROM `+a.table("snapshots")+` WHERE stream_id = $1`, streamID)
	if err != nil {
		return fmt.Errorf("strata/postgres: delete snapshot: %w", err)
	}
	return nil
}

// GetCheckpoint returns a consumer's last processed position, 0 when unset.
func (a *Adapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if a.closed {
		return 0, ErrAdapterClosed
	}

	var pos int64
	err := a.db.QueryRowContext(ctx,
		`SELECT position FROM `+a.table("checkpoints")+` WHERE consumer = $1`,
		projectionName).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: get checkpoint: %w", err)
	}
	return uint64(pos), nil
}

// SetCheckpoint stores a consumer's last processed position.
func (a *Adapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if a.closed {
		return ErrAdapterClosed
	}

	_, err := a.db.ExecContext(ctx,
		`INSERT INTO `+a.table("checkpoints")+` (consumer, position)
		 VALUES ($1, $2)
		 ON CONFLICT (consumer) DO UPDATE SET
			position = EXCLUDED.position,
			updated_at = NOW()`,
		projectionName, position)
	if err != nil {
		return fmt.Errorf("strata/postgres: set checkpoint: %w", err)
	}
	return nil
}

// Ping checks database connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// Close releases the connection pool.
func (a *Adapter) Close() error {
	a.closed = true
	return a.db.Close()
}

// DB exposes the underlying pool for callers that share it with other
// stores of this package.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name the adapter operates in.
func (a *Adapter) Schema() string {
	return a.schema
}

// scanEvents collects stored events from a query over the events table. The
// select order is fixed: global_position, event_id, stream_id, version,
// event_type, data, metadata, created_at.
func scanEvents(rows *sql.Rows) ([]adapters.StoredEvent, error) {
	events := make([]adapters.StoredEvent, 0)
	for rows.Next() {
		var ev adapters.StoredEvent
		var metadataJSON []byte

		err := rows.Scan(&ev.GlobalPosition, &ev.ID, &ev.StreamID, &ev.Version,
			&ev.Type, &ev.Data, &metadataJSON, &ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("strata/postgres: scan event: %w", err)
		}
		if len(metadataJSON) > 0 {
			if err := json.Unmarshal(metadataJSON, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("strata/postgres: unmarshal metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate events: %w", err)
	}
	return events, nil
}
