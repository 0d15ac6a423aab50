package strata

import (
	"fmt"
	"strings"
	"time"

	"github.com/stratastore/strata/adapters"
)

// Version sentinels for optimistic concurrency control. These alias the
// adapters package constants so callers only import strata.
const (
	// AnyVersion skips the version check entirely.
	AnyVersion = adapters.AnyVersion

	// NoStream requires the stream to not exist yet.
	NoStream = adapters.NoStream

	// StreamExists requires the stream to already exist.
	StreamExists = adapters.StreamExists
)

// StreamID identifies one event stream: a category (the aggregate type) and
// an instance ID. The canonical string form is "Category-ID".
type StreamID struct {
	// Category is the aggregate type (e.g. "Order", "Customer").
	Category string

	// ID is the instance identifier within the category.
	ID string
}

// NewStreamID creates a StreamID from a category and an ID.
func NewStreamID(category, id string) StreamID {
	return StreamID{Category: category, ID: id}
}

// ParseStreamID parses the canonical "Category-ID" form. The category is
// everything before the first hyphen.
func ParseStreamID(s string) (StreamID, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return StreamID{}, fmt.Errorf("strata: invalid stream ID %q, expected 'Category-ID'", s)
	}
	return StreamID{Category: parts[0], ID: parts[1]}, nil
}

// String returns the canonical "Category-ID" form.
func (s StreamID) String() string {
	return s.Category + "-" + s.ID
}

// IsZero reports whether the StreamID is empty.
func (s StreamID) IsZero() bool {
	return s.Category == "" && s.ID == ""
}

// Validate checks that both parts are present.
func (s StreamID) Validate() error {
	if s.Category == "" {
		return fmt.Errorf("strata: stream category is required")
	}
	if s.ID == "" {
		return fmt.Errorf("strata: stream ID is required")
	}
	return nil
}

// Metadata is the open key-value bag attached to events. The store persists
// it but never interprets it; it exists for correlation, causation and
// tenancy context.
type Metadata struct {
	// CorrelationID links related events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the event or command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies the user who triggered this event.
	UserID string `json:"userId,omitempty"`

	// TenantID identifies the tenant for multi-tenant applications.
	TenantID string `json:"tenantId,omitempty"`

	// Custom contains arbitrary application-specific key-value pairs.
	Custom map[string]string `json:"custom,omitempty"`
}

// WithCorrelationID returns a copy with the correlation ID set.
func (m Metadata) WithCorrelationID(id string) Metadata {
	m.CorrelationID = id
	return m
}

// WithCausationID returns a copy with the causation ID set.
func (m Metadata) WithCausationID(id string) Metadata {
	m.CausationID = id
	return m
}

// WithUserID returns a copy with the user ID set.
func (m Metadata) WithUserID(id string) Metadata {
	m.UserID = id
	return m
}

// WithTenantID returns a copy with the tenant ID set.
func (m Metadata) WithTenantID(id string) Metadata {
	m.TenantID = id
	return m
}

// WithCustom returns a copy with a custom key-value pair added. The custom
// map is copied so earlier values stay immutable.
func (m Metadata) WithCustom(key, value string) Metadata {
	custom := make(map[string]string, len(m.Custom)+1)
	for k, v := range m.Custom {
		custom[k] = v
	}
	custom[key] = value
	m.Custom = custom
	return m
}

// IsEmpty reports whether no metadata values are set.
func (m Metadata) IsEmpty() bool {
	return m.CorrelationID == "" &&
		m.CausationID == "" &&
		m.UserID == "" &&
		m.TenantID == "" &&
		len(m.Custom) == 0
}

// EventData is an event prepared for appending: the type tag, the serialized
// payload, and optional metadata. Versions, IDs and timestamps are assigned
// by the store at commit time.
type EventData struct {
	// Type is the event type identifier (e.g. "OrderPlaced").
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// NewEventData creates an EventData with the given type tag and payload.
func NewEventData(eventType string, data []byte) EventData {
	return EventData{Type: eventType, Data: data}
}

// WithMetadata returns a copy with the metadata set.
func (e EventData) WithMetadata(m Metadata) EventData {
	e.Metadata = m
	return e
}

// Validate checks that the type tag and payload are present.
func (e EventData) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("strata: event type is required")
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("strata: event data is required")
	}
	return nil
}

// StoredEvent is a committed event with its storage-assigned identity. It is
// immutable: once an event has a version and global position, it is never
// mutated or reordered.
type StoredEvent struct {
	// ID is the globally unique event identifier.
	ID string

	// StreamID identifies the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream. The first committed event
	// of a stream has version 1; a fresh, never-committed event is 0.
	Version int64

	// GlobalPosition is the insertion-order position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// StreamInfo describes one event stream: its identity, its current version
// (always equal to the number of committed events) and its lifecycle
// timestamps.
type StreamInfo struct {
	// StreamID is the stream identifier.
	StreamID string

	// Category is the stream category (aggregate type).
	Category string

	// Version is the current stream version.
	Version int64

	// EventCount is the number of events in the stream.
	EventCount int64

	// CreatedAt is when the first event was committed.
	CreatedAt time.Time

	// UpdatedAt is when the last event was committed.
	UpdatedAt time.Time
}

// Event is a committed event with its payload decoded back to a Go value.
// This is the representation handed to application code and projections.
type Event struct {
	// ID is the globally unique event identifier.
	ID string

	// StreamID identifies the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// Data is the decoded event payload.
	Data interface{}

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition is the position across all streams.
	GlobalPosition uint64

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// EventFromStored pairs a StoredEvent with its decoded payload.
func EventFromStored(stored StoredEvent, data interface{}) Event {
	return Event{
		ID:             stored.ID,
		StreamID:       stored.StreamID,
		Type:           stored.Type,
		Data:           data,
		Metadata:       stored.Metadata,
		Version:        stored.Version,
		GlobalPosition: stored.GlobalPosition,
		Timestamp:      stored.Timestamp,
	}
}
