// Shared helpers used by every adapter implementation: version sentinels,
// the optimistic concurrency check, stream ID parsing and typed errors.
package adapters

import (
	"fmt"
	"strings"
)

// Version sentinels accepted as the expectedVersion of an Append.
const (
	// AnyVersion skips the version check entirely.
	AnyVersion int64 = -1

	// NoStream requires the stream to not exist yet. It doubles as the
	// current version of a stream that has never been appended to.
	NoStream int64 = 0

	// StreamExists requires the stream to already exist.
	StreamExists int64 = -2
)

// ExtractCategory returns the category portion of a stream ID. Stream IDs
// follow the "Category-ID" convention (e.g. "Order-123"); the category is
// everything before the first hyphen, or the whole ID when there is none.
func ExtractCategory(streamID string) string {
	if streamID == "" {
		return ""
	}
	parts := strings.SplitN(streamID, "-", 2)
	return parts[0]
}

// ConcurrencyError reports a lost optimistic-concurrency race. The expected
// and actual versions are optional: conflicts detected without full version
// knowledge (a unique-constraint violation surfacing from storage, for
// example) carry only the message.
type ConcurrencyError struct {
	// StreamID is the stream the conflict occurred on, when known.
	StreamID string

	// Message is the base error message.
	Message string

	// ExpectedVersion is the version the caller expected, when known.
	ExpectedVersion *int64

	// ActualVersion is the version the stream was actually at, when known.
	ActualVersion *int64
}

// NewConcurrencyError returns a ConcurrencyError carrying only a message.
func NewConcurrencyError(message string) *ConcurrencyError {
	return &ConcurrencyError{Message: message}
}

// NewVersionConflict returns the standard conflict error for a stream,
// carrying both the expected and the observed version.
func NewVersionConflict(streamID string, expected, actual int64) *ConcurrencyError {
	e := &ConcurrencyError{
		StreamID: streamID,
		Message:  fmt.Sprintf("strata: concurrency conflict on stream %q", streamID),
	}
	return e.WithVersions(expected, actual)
}

// WithVersions sets both version fields and returns the error.
func (e *ConcurrencyError) WithVersions(expected, actual int64) *ConcurrencyError {
	e.ExpectedVersion = &expected
	e.ActualVersion = &actual
	return e
}

// Error formats the message. The version suffix is emitted if and only if
// both the expected and the actual version are present.
func (e *ConcurrencyError) Error() string {
	if e.ExpectedVersion != nil && e.ActualVersion != nil {
		return fmt.Sprintf("%s (expected: %d, actual: %d)", e.Message, *e.ExpectedVersion, *e.ActualVersion)
	}
	return e.Message
}

// Is reports a match against ErrConcurrencyConflict for errors.Is.
func (e *ConcurrencyError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// StreamNotFoundError reports an operation that required an existing stream.
type StreamNotFoundError struct {
	StreamID string
}

// NewStreamNotFoundError creates a new StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return &StreamNotFoundError{StreamID: streamID}
}

// Error implements the error interface.
func (e *StreamNotFoundError) Error() string {
	return fmt.Sprintf("strata: stream %q not found", e.StreamID)
}

// Is reports a match against ErrStreamNotFound for errors.Is.
func (e *StreamNotFoundError) Is(target error) bool {
	return target == ErrStreamNotFound
}

// CheckVersion applies the optimistic concurrency rule shared by all
// adapters: compare the caller's expected version against the stream's
// current version (and existence) and return nil, a ConcurrencyError, a
// StreamNotFoundError or ErrInvalidVersion accordingly.
//
// The adapter must call this inside its per-stream critical section so the
// comparison and the subsequent append are atomic with respect to
// concurrent writers.
func CheckVersion(streamID string, expected, current int64, exists bool) error {
	switch expected {
	case AnyVersion:
		return nil
	case NoStream:
		if exists && current != 0 {
			return NewVersionConflict(streamID, expected, current)
		}
		return nil
	case StreamExists:
		if !exists {
			return NewStreamNotFoundError(streamID)
		}
		return nil
	default:
		if expected < 0 {
			return ErrInvalidVersion
		}
		if current != expected {
			return NewVersionConflict(streamID, expected, current)
		}
		return nil
	}
}

// CopyIdempotencyRecord returns a copy of an IdempotencyRecord so stored
// records cannot be mutated by callers.
func CopyIdempotencyRecord(record *IdempotencyRecord) *IdempotencyRecord {
	if record == nil {
		return nil
	}
	return &IdempotencyRecord{
		Key:         record.Key,
		CommandType: record.CommandType,
		AggregateID: record.AggregateID,
		Version:     record.Version,
		Response:    record.Response,
		Success:     record.Success,
		Error:       record.Error,
		ProcessedAt: record.ProcessedAt,
		ExpiresAt:   record.ExpiresAt,
	}
}

// DefaultLimit substitutes a default when the provided limit is not
// positive. Used for pagination in LoadFromPosition and similar methods.
func DefaultLimit(limit, defaultValue int) int {
	if limit <= 0 {
		return defaultValue
	}
	return limit
}
