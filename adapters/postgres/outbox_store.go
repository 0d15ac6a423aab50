package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/stratastore/strata/adapters"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore persists outbox messages in PostgreSQL. FetchPending claims
// messages with FOR UPDATE SKIP LOCKED, so multiple processors can poll the
// same table without double-delivering a claim.
type OutboxStore struct {
	db     *sql.DB
	schema string
	name   string
}

// OutboxOption configures an OutboxStore.
type OutboxOption func(*OutboxStore)

// WithOutboxSchema sets the schema holding the outbox table. Default is
// "strata".
func WithOutboxSchema(schema string) OutboxOption {
	return func(s *OutboxStore) {
		s.schema = schema
	}
}

// WithOutboxTableName sets the outbox table name. Default is "outbox".
func WithOutboxTableName(name string) OutboxOption {
	return func(s *OutboxStore) {
		s.name = name
	}
}

// NewOutboxStore wraps an existing connection pool.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	s := &OutboxStore{
		db:     db,
		schema: "strata",
		name:   "outbox",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOutboxStoreFromAdapter builds an OutboxStore sharing the adapter's pool
// and schema, so the adapter's append transaction and ScheduleInTx hit the
// same database.
func NewOutboxStoreFromAdapter(a *Adapter, opts ...OutboxOption) *OutboxStore {
	s := NewOutboxStore(a.DB())
	s.schema = a.Schema()
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *OutboxStore) table() string {
	return pq.QuoteIdentifier(s.schema) + "." + pq.QuoteIdentifier(s.name)
}

// Initialize creates the outbox table if it does not exist.
func (s *OutboxStore) Initialize(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pq.QuoteIdentifier(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.table() + ` (
			id              UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			aggregate_id    VARCHAR(500) NOT NULL,
			event_type      VARCHAR(500) NOT NULL,
			destination     VARCHAR(500) NOT NULL,
			payload         JSONB NOT NULL,
			headers         JSONB NOT NULL DEFAULT '{}',
			status          INT NOT NULL DEFAULT 0,
			attempts        INT NOT NULL DEFAULT 0,
			max_attempts    INT NOT NULL DEFAULT 5,
			last_error      TEXT,
			scheduled_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			processed_at    TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+s.schema+"_"+s.name+"_pending") +
			` ON ` + s.table() + ` (scheduled_at) WHERE status = 0`,
		`CREATE INDEX IF NOT EXISTS ` + pq.QuoteIdentifier("idx_"+s.schema+"_"+s.name+"_dead_letter") +
			` ON ` + s.table() + ` (created_at) WHERE status = 4`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("strata/postgres: initialize outbox: %w", err)
		}
	}
	return nil
}

// Schedule stores messages in their own transaction.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("strata/postgres: begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertMessages(ctx, tx, messages); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("strata/postgres: commit transaction: %w", err)
	}
	return nil
}

// ScheduleInTx stores messages within an existing *sql.Tx, which is what the
// Adapter passes during AppendWithOutbox.
func (s *OutboxStore) ScheduleInTx(ctx context.Context, tx interface{}, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	sqlTx, ok := tx.(*sql.Tx)
	if !ok {
		return fmt.Errorf("strata/postgres: outbox tx must be *sql.Tx, got %T", tx)
	}
	return s.insertMessages(ctx, sqlTx, messages)
}

func (s *OutboxStore) insertMessages(ctx context.Context, tx *sql.Tx, messages []*adapters.OutboxMessage) error {
	query := `INSERT INTO ` + s.table() + ` (
			aggregate_id, event_type, destination, payload, headers,
			status, attempts, max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	now := time.Now()
	for _, msg := range messages {
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("strata/postgres: marshal outbox headers: %w", err)
		}

		scheduledAt := msg.ScheduledAt
		if scheduledAt.IsZero() {
			scheduledAt = now
		}
		createdAt := msg.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		maxAttempts := msg.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 5
		}

		err = tx.QueryRowContext(ctx, query,
			msg.AggregateID, msg.EventType, msg.Destination, msg.Payload, headersJSON,
			int(adapters.OutboxPending), 0, maxAttempts, scheduledAt, createdAt,
		).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("strata/postgres: insert outbox message: %w", err)
		}
	}
	return nil
}

// FetchPending claims up to limit due pending messages, marking them
// processing and counting the attempt.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	query := `UPDATE ` + s.table() + ` SET
			status = $1,
			attempts = attempts + 1,
			last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM ` + s.table() + `
			WHERE status = 0 AND scheduled_at <= NOW()
			ORDER BY scheduled_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, aggregate_id, event_type, destination, payload, headers,
			status, attempts, max_attempts, last_error, scheduled_at,
			last_attempt_at, processed_at, created_at`

	rows, err := s.db.QueryContext(ctx, query, int(adapters.OutboxProcessing), limit)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// MarkCompleted marks messages as delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	_, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+` SET status = $1, processed_at = NOW() WHERE id = ANY($2::uuid[])`,
		int(adapters.OutboxCompleted), pq.Array(ids))
	if err != nil {
		return fmt.Errorf("strata/postgres: mark outbox messages completed: %w", err)
	}
	return nil
}

// MarkFailed marks a message as failed with the delivery error.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+` SET status = $1, last_error = $2 WHERE id = $3`,
		int(adapters.OutboxFailed), errMsg, id)
	if err != nil {
		return fmt.Errorf("strata/postgres: mark outbox message failed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("strata/postgres: rows affected: %w", err)
	}
	if affected == 0 {
		return adapters.ErrOutboxMessageNotFound
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+` SET status = $1 WHERE status = $2 AND attempts < $3`,
		int(adapters.OutboxPending), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: retry failed outbox messages: %w", err)
	}
	return result.RowsAffected()
}

// MoveToDeadLetter transitions exhausted failed messages to dead letter.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE `+s.table()+` SET status = $1 WHERE status = $2 AND attempts >= $3`,
		int(adapters.OutboxDeadLetter), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: move outbox messages to dead letter: %w", err)
	}
	return result.RowsAffected()
}

// GetDeadLetterMessages retrieves dead-lettered messages, newest first.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	query := `SELECT id, aggregate_id, event_type, destination, payload, headers,
			status, attempts, max_attempts, last_error, scheduled_at,
			last_attempt_at, processed_at, created_at
		FROM ` + s.table() + `
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, int(adapters.OutboxDeadLetter), limit)
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get dead letter messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// Cleanup removes completed messages processed before the age cutoff.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.table()+` WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2`,
		int(adapters.OutboxCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("strata/postgres: cleanup outbox: %w", err)
	}
	return result.RowsAffected()
}

// Close is a no-op; the connection pool is owned by the caller.
func (s *OutboxStore) Close() error {
	return nil
}

// Get retrieves a single message by ID.
func (s *OutboxStore) Get(ctx context.Context, id string) (*adapters.OutboxMessage, error) {
	query := `SELECT id, aggregate_id, event_type, destination, payload, headers,
			status, attempts, max_attempts, last_error, scheduled_at,
			last_attempt_at, processed_at, created_at
		FROM ` + s.table() + `
		WHERE id = $1`

	msg := &adapters.OutboxMessage{}
	var row messageRow

	err := s.db.QueryRowContext(ctx, query, id).Scan(row.dest(msg)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrOutboxMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("strata/postgres: get outbox message: %w", err)
	}
	if err := row.apply(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// messageRow holds scan targets for the nullable outbox columns.
type messageRow struct {
	headersJSON   []byte
	status        int
	lastError     sql.NullString
	lastAttemptAt sql.NullTime
	processedAt   sql.NullTime
}

// dest returns scan destinations matching the fixed SELECT column order.
func (r *messageRow) dest(msg *adapters.OutboxMessage) []interface{} {
	return []interface{}{
		&msg.ID, &msg.AggregateID, &msg.EventType, &msg.Destination,
		&msg.Payload, &r.headersJSON, &r.status, &msg.Attempts,
		&msg.MaxAttempts, &r.lastError, &msg.ScheduledAt,
		&r.lastAttemptAt, &r.processedAt, &msg.CreatedAt,
	}
}

func (r *messageRow) apply(msg *adapters.OutboxMessage) error {
	msg.Status = adapters.OutboxStatus(r.status)
	msg.LastError = r.lastError.String
	if r.lastAttemptAt.Valid {
		t := r.lastAttemptAt.Time
		msg.LastAttemptAt = &t
	}
	if r.processedAt.Valid {
		t := r.processedAt.Time
		msg.ProcessedAt = &t
	}
	if len(r.headersJSON) > 0 && string(r.headersJSON) != "null" {
		if err := json.Unmarshal(r.headersJSON, &msg.Headers); err != nil {
			return fmt.Errorf("strata/postgres: unmarshal outbox headers: %w", err)
		}
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]*adapters.OutboxMessage, error) {
	var messages []*adapters.OutboxMessage
	for rows.Next() {
		msg := &adapters.OutboxMessage{}
		var row messageRow

		if err := rows.Scan(row.dest(msg)...); err != nil {
			return nil, fmt.Errorf("strata/postgres: scan outbox message: %w", err)
		}
		if err := row.apply(msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("strata/postgres: iterate outbox messages: %w", err)
	}
	return messages, nil
}
