package adapters

import (
	"context"
	"errors"
	"time"
)

// ErrOutboxMessageNotFound is returned when an outbox message does not exist.
var ErrOutboxMessageNotFound = errors.New("strata: outbox message not found")

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus int

const (
	// OutboxPending means the message is waiting to be delivered.
	OutboxPending OutboxStatus = iota

	// OutboxProcessing means a processor has claimed the message.
	OutboxProcessing

	// OutboxCompleted means the message was delivered successfully.
	OutboxCompleted

	// OutboxFailed means the last delivery attempt failed.
	OutboxFailed

	// OutboxDeadLetter means the message exhausted its attempts.
	OutboxDeadLetter
)

// String returns the string representation of the status.
func (s OutboxStatus) String() string {
	switch s {
	case OutboxPending:
		return "pending"
	case OutboxProcessing:
		return "processing"
	case OutboxCompleted:
		return "completed"
	case OutboxFailed:
		return "failed"
	case OutboxDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// OutboxMessage is one event payload scheduled for delivery to an external
// destination. Messages are written alongside the events that produced them
// and relayed by an OutboxProcessor with at-least-once semantics.
type OutboxMessage struct {
	// ID is the unique message identifier.
	ID string `json:"id"`

	// AggregateID is the stream the originating event belongs to.
	AggregateID string `json:"aggregateId"`

	// EventType is the type of the originating event.
	EventType string `json:"eventType"`

	// Destination is the delivery target, prefixed with the publisher
	// scheme (e.g. "kafka:orders", "webhook:https://example.com/events").
	Destination string `json:"destination"`

	// Payload is the message body.
	Payload []byte `json:"payload"`

	// Headers carry contextual key-value pairs to the destination.
	Headers map[string]string `json:"headers,omitempty"`

	// Status is the current delivery state.
	Status OutboxStatus `json:"status"`

	// Attempts is the number of delivery attempts made so far.
	Attempts int `json:"attempts"`

	// MaxAttempts is how many attempts are allowed before dead-lettering.
	MaxAttempts int `json:"maxAttempts"`

	// LastError is the error message of the last failed attempt.
	LastError string `json:"lastError,omitempty"`

	// ScheduledAt is when the message becomes eligible for delivery.
	ScheduledAt time.Time `json:"scheduledAt"`

	// LastAttemptAt is when delivery was last attempted.
	LastAttemptAt *time.Time `json:"lastAttemptAt,omitempty"`

	// ProcessedAt is when the message was delivered.
	ProcessedAt *time.Time `json:"processedAt,omitempty"`

	// CreatedAt is when the message was scheduled.
	CreatedAt time.Time `json:"createdAt"`
}

// OutboxAppender is implemented by event store adapters that can commit
// events and their outbox messages in one transaction, making scheduling
// atomic with the append.
type OutboxAppender interface {
	// AppendWithOutbox appends events and schedules outbox messages
	// atomically, under the same expected-version check as Append.
	AppendWithOutbox(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64, messages []*OutboxMessage) ([]StoredEvent, error)
}

// OutboxStore persists outbox messages. Implementations must make
// FetchPending an atomic claim so concurrent processors never deliver the
// same message twice within one claim window.
type OutboxStore interface {
	// Schedule stores messages for later delivery.
	Schedule(ctx context.Context, messages []*OutboxMessage) error

	// ScheduleInTx stores messages within an existing storage transaction,
	// so events and their outbox messages commit atomically. The tx
	// parameter is backend-specific.
	ScheduleInTx(ctx context.Context, tx interface{}, messages []*OutboxMessage) error

	// FetchPending atomically claims up to limit due pending messages,
	// marking them processing and incrementing their attempt count.
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// MarkCompleted marks messages as successfully delivered.
	MarkCompleted(ctx context.Context, ids []string) error

	// MarkFailed marks a message as failed with the delivery error.
	MarkFailed(ctx context.Context, id string, lastErr error) error

	// RetryFailed resets failed messages below maxAttempts back to pending
	// and reports how many were reset.
	RetryFailed(ctx context.Context, maxAttempts int) (int64, error)

	// MoveToDeadLetter transitions failed messages at or above maxAttempts
	// to dead letter and reports how many were moved.
	MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error)

	// GetDeadLetterMessages retrieves dead-lettered messages for
	// inspection or manual replay.
	GetDeadLetterMessages(ctx context.Context, limit int) ([]*OutboxMessage, error)

	// Cleanup removes completed messages older than the given age and
	// reports how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)

	// Initialize sets up required storage schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error
}
