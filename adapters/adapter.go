// Package adapters defines the storage contracts implemented by event store
// backends. The root strata package talks to storage exclusively through
// these interfaces, so a backend only needs to implement the subset of
// capabilities it supports.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all adapter implementations. Backends return
// these (or typed errors matching them via errors.Is) so callers can handle
// failures uniformly regardless of the backend in use.
var (
	// ErrConcurrencyConflict is returned when an optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("strata: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("strata: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("strata: stream ID is required")

	// ErrNoEvents is returned when attempting to append zero events.
	ErrNoEvents = errors.New("strata: no events to append")

	// ErrInvalidVersion is returned when an invalid expected version is specified.
	ErrInvalidVersion = errors.New("strata: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("strata: adapter is closed")

	// ErrNilAggregate indicates a nil aggregate was passed.
	ErrNilAggregate = errors.New("strata: nil aggregate")
)

// Metadata carries event context that the store persists but never
// interprets: correlation and causation identifiers for tracing, the
// acting user, the tenant, and any custom key-value pairs.
type Metadata struct {
	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty"`

	// TenantID for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventRecord is an event as handed to an adapter for appending: the
// serialized payload plus its type tag and metadata. Versions and positions
// are assigned by the adapter during Append.
type EventRecord struct {
	// Type is the event type identifier used for decoding on read.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// StoredEvent is a committed event as returned by an adapter, including the
// storage-assigned identity, stream version and global position.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream. The first committed event
	// of a stream has version 1.
	Version int64

	// GlobalPosition is the insertion-order position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// StreamInfo describes one event stream.
type StreamInfo struct {
	// StreamID is the stream identifier.
	StreamID string

	// Category is the aggregate type, the part of the stream ID before the
	// first hyphen.
	Category string

	// Version is the current stream version, equal to the number of
	// committed events.
	Version int64

	// EventCount is the number of events in the stream.
	EventCount int64

	// CreatedAt is when the first event was stored.
	CreatedAt time.Time

	// UpdatedAt is when the last event was stored.
	UpdatedAt time.Time
}

// EventStoreAdapter is the minimal contract a backend must implement:
// optimistic-concurrency appends and ordered reads per stream.
type EventStoreAdapter interface {
	// Append stores events to the stream after checking expectedVersion
	// against the stream's current version (0 when the stream does not
	// exist yet). Sentinel expected versions:
	//   - AnyVersion (-1): skip the check
	//   - NoStream (0): stream must not exist (or be empty)
	//   - StreamExists (-2): stream must exist
	//   - any positive number: stream must be at exactly this version
	// Events are committed in the given order with consecutive versions
	// starting at current+1. The whole call is atomic per stream: a
	// concurrent loser observes a ConcurrencyError, never partial state.
	// Returns the stored events with their assigned versions and positions.
	Append(ctx context.Context, streamID string, events []EventRecord, expectedVersion int64) ([]StoredEvent, error)

	// Load returns the stream's events with version strictly greater than
	// fromVersion, in ascending version order. A missing stream yields an
	// empty slice, not an error.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// GetLastPosition returns the global position of the last stored event,
	// 0 when the store is empty.
	GetLastPosition(ctx context.Context) (uint64, error)

	// Initialize sets up required storage schema. Called once at startup.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SubscriptionOptions configures subscription delivery.
type SubscriptionOptions struct {
	// BufferSize is the size of the event channel buffer. Default: 100.
	BufferSize int

	// PollInterval is how often polling-based adapters check for new
	// events. Default: 100ms.
	PollInterval time.Duration

	// OnError is called when an error occurs during subscription delivery.
	// If nil, errors may be logged or silently retried by the adapter.
	OnError func(err error)
}

// SubscriptionAdapter exposes the global insertion ordering across all
// streams. Backends implement it to feed projections, catch-up
// subscriptions and rebuilds.
type SubscriptionAdapter interface {
	// LoadFromPosition returns up to limit events with global position
	// strictly greater than fromPosition, in global order.
	LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error)

	// SubscribeAll delivers all events across all streams on a channel,
	// starting after the given global position.
	SubscribeAll(ctx context.Context, fromPosition uint64, opts ...SubscriptionOptions) (<-chan StoredEvent, error)

	// SubscribeStream delivers events of one stream, starting after the
	// given version.
	SubscribeStream(ctx context.Context, streamID string, fromVersion int64, opts ...SubscriptionOptions) (<-chan StoredEvent, error)

	// SubscribeCategory delivers events of all streams in a category,
	// starting after the given global position.
	SubscribeCategory(ctx context.Context, category string, fromPosition uint64, opts ...SubscriptionOptions) (<-chan StoredEvent, error)
}

// SnapshotRecord is a stored aggregate snapshot: the stream it belongs to,
// the stream version the state was captured at, and the opaque state blob.
type SnapshotRecord struct {
	// StreamID is the stream identifier.
	StreamID string

	// Version is the stream version at the time of the snapshot. It never
	// exceeds the stream's current version.
	Version int64

	// Data is the serialized snapshot payload.
	Data []byte
}

// SnapshotAdapter persists aggregate snapshots for fast rehydration.
// Snapshots are superseded by later ones, never mutated in place.
type SnapshotAdapter interface {
	// SaveSnapshot stores a snapshot for the given stream, replacing any
	// earlier one.
	SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error

	// LoadSnapshot retrieves the latest snapshot for the given stream.
	// Returns nil, nil if no snapshot exists.
	LoadSnapshot(ctx context.Context, streamID string) (*SnapshotRecord, error)

	// DeleteSnapshot removes the snapshot for the given stream.
	DeleteSnapshot(ctx context.Context, streamID string) error
}

// TransactionalAdapter is implemented by backends that can scope multiple
// operations into one atomic unit.
type TransactionalAdapter interface {
	// BeginTx starts a new transaction.
	BeginTx(ctx context.Context) (Transaction, error)
}

// Transaction scopes adapter operations to one atomic commit.
type Transaction interface {
	// Commit commits the transaction.
	Commit() error

	// Rollback aborts the transaction.
	Rollback() error

	// Adapter returns an adapter that operates within this transaction.
	Adapter() EventStoreAdapter
}

// CheckpointAdapter persists the last processed global position per
// consumer, keyed by projection or subscription name.
type CheckpointAdapter interface {
	// GetCheckpoint returns the last processed position for a projection.
	// Returns 0 if no checkpoint exists.
	GetCheckpoint(ctx context.Context, projectionName string) (uint64, error)

	// SetCheckpoint stores the last processed position for a projection.
	SetCheckpoint(ctx context.Context, projectionName string, position uint64) error
}

// HealthChecker reports whether the backend is reachable.
type HealthChecker interface {
	// Ping checks if the adapter can connect to its backend.
	Ping(ctx context.Context) error
}

// IdempotencyStore tracks processed commands to prevent duplicate
// processing. Backends may implement this to support idempotent commands.
type IdempotencyStore interface {
	// Exists checks if a command with the given key was already processed.
	Exists(ctx context.Context, key string) (bool, error)

	// Store records that a command was processed.
	Store(ctx context.Context, record *IdempotencyRecord) error

	// Get retrieves the idempotency record for a key.
	// Returns nil, nil if the key doesn't exist.
	Get(ctx context.Context, key string) (*IdempotencyRecord, error)

	// Delete removes an idempotency record.
	Delete(ctx context.Context, key string) error

	// Cleanup removes expired records and reports how many were removed.
	Cleanup(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyRecord stores the outcome of a processed command.
type IdempotencyRecord struct {
	// Key is the idempotency key.
	Key string `json:"key"`

	// CommandType is the type of the processed command.
	CommandType string `json:"commandType"`

	// AggregateID is the ID of the affected aggregate (if any).
	AggregateID string `json:"aggregateId,omitempty"`

	// Version is the aggregate version after processing (if any).
	Version int64 `json:"version,omitempty"`

	// Response contains serialized response data (optional).
	Response []byte `json:"response,omitempty"`

	// Error contains the error message if the command failed.
	Error string `json:"error,omitempty"`

	// Success indicates if the command was processed successfully.
	Success bool `json:"success"`

	// ProcessedAt is when the command was processed.
	ProcessedAt time.Time `json:"processedAt"`

	// ExpiresAt is when the record should expire.
	ExpiresAt time.Time `json:"expiresAt"`
}

// IsExpired returns true if the record has expired.
func (r *IdempotencyRecord) IsExpired() bool {
	return time.Now().After(r.ExpiresAt)
}

// StreamSummary is a compact stream listing entry for inspection tooling.
type StreamSummary struct {
	// StreamID is the stream identifier.
	StreamID string

	// EventCount is the number of events in the stream.
	EventCount int64

	// LastEventType is the type of the most recent event.
	LastEventType string

	// LastUpdated is when the last event was stored.
	LastUpdated time.Time
}

// EventStoreStats aggregates statistics across the whole store.
type EventStoreStats struct {
	// TotalEvents is the total number of events across all streams.
	TotalEvents int64

	// TotalStreams is the number of unique streams.
	TotalStreams int64

	// EventTypes is the number of unique event types.
	EventTypes int64

	// AvgEventsPerStream is the average events per stream.
	AvgEventsPerStream float64

	// TopEventTypes contains the most common event types.
	TopEventTypes []EventTypeCount
}

// EventTypeCount holds an event type and its count.
type EventTypeCount struct {
	// Type is the event type name.
	Type string

	// Count is the number of occurrences.
	Count int64
}

// StreamQueryAdapter provides stream inspection for operator tooling,
// avoiding direct SQL access from the CLI.
type StreamQueryAdapter interface {
	// ListStreams returns stream summaries. prefix filters streams by ID
	// prefix (empty for all); limit caps the results (0 for unlimited).
	ListStreams(ctx context.Context, prefix string, limit int) ([]StreamSummary, error)

	// GetStreamEvents returns events from a stream with pagination.
	GetStreamEvents(ctx context.Context, streamID string, fromVersion int64, limit int) ([]StoredEvent, error)

	// GetEventStoreStats returns aggregate statistics about the store.
	GetEventStoreStats(ctx context.Context) (*EventStoreStats, error)
}

// ProjectionInfo describes a projection's progress for tooling.
type ProjectionInfo struct {
	// Name is the projection identifier.
	Name string

	// Position is the last processed global position.
	Position int64

	// Status is the projection state (active, paused, etc.).
	Status string

	// UpdatedAt is when the projection was last updated.
	UpdatedAt time.Time
}

// ProjectionQueryAdapter provides projection management for operator tooling.
type ProjectionQueryAdapter interface {
	// ListProjections returns all known projections.
	ListProjections(ctx context.Context) ([]ProjectionInfo, error)

	// GetProjection returns information about a specific projection.
	// Returns nil, nil if the projection doesn't exist.
	GetProjection(ctx context.Context, name string) (*ProjectionInfo, error)

	// SetProjectionStatus updates a projection's status (active, paused).
	SetProjectionStatus(ctx context.Context, name string, status string) error

	// ResetProjectionCheckpoint resets a projection's position to 0 so it
	// can be rebuilt from the start of the log.
	ResetProjectionCheckpoint(ctx context.Context, name string) error

	// GetTotalEventCount returns the highest global position, used for
	// rebuild progress display.
	GetTotalEventCount(ctx context.Context) (int64, error)
}

// DiagnosticInfo contains backend diagnostic information.
type DiagnosticInfo struct {
	// Version is the backend server version (e.g., "PostgreSQL 16.1").
	Version string

	// Connected indicates if the connection is healthy.
	Connected bool

	// Message provides additional status information.
	Message string
}

// SchemaCheckResult reports whether the event store schema is in place.
type SchemaCheckResult struct {
	// TableExists indicates if the events table exists.
	TableExists bool

	// EventCount is the number of events in the store.
	EventCount int64

	// Message provides additional information.
	Message string
}

// ProjectionHealthResult summarizes projection lag for health reporting.
type ProjectionHealthResult struct {
	// TotalProjections is the number of known projections.
	TotalProjections int64

	// ProjectionsBehind is the number of projections that are behind the
	// head of the log.
	ProjectionsBehind int64

	// MaxPosition is the highest global position in the event store.
	MaxPosition int64

	// Message provides additional information.
	Message string
}

// DiagnosticAdapter provides health diagnostics for operator tooling.
type DiagnosticAdapter interface {
	// Ping checks if the backend connection is healthy.
	Ping(ctx context.Context) error

	// GetDiagnosticInfo returns backend version and connection status.
	GetDiagnosticInfo(ctx context.Context) (*DiagnosticInfo, error)

	// CheckSchema verifies the event store schema exists.
	CheckSchema(ctx context.Context, tableName string) (*SchemaCheckResult, error)

	// GetProjectionHealth returns projection health status.
	GetProjectionHealth(ctx context.Context) (*ProjectionHealthResult, error)
}
