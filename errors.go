package strata

import (
	"errors"
	"fmt"

	"github.com/stratastore/strata/adapters"
)

// Sentinel errors for common failure conditions. Match them with
// errors.Is(). The storage-level sentinels alias the adapters package so a
// typed error returned by any backend matches here too.
var (
	// ErrStreamNotFound indicates the requested stream does not exist.
	ErrStreamNotFound = adapters.ErrStreamNotFound

	// ErrConcurrencyConflict indicates a lost optimistic-concurrency race.
	// This is the only expected, retryable failure of an append.
	ErrConcurrencyConflict = adapters.ErrConcurrencyConflict

	// ErrEmptyStreamID indicates an empty stream ID was provided.
	ErrEmptyStreamID = adapters.ErrEmptyStreamID

	// ErrNoEvents indicates no events were provided for append.
	ErrNoEvents = adapters.ErrNoEvents

	// ErrInvalidVersion indicates an invalid expected version.
	ErrInvalidVersion = adapters.ErrInvalidVersion

	// ErrAdapterClosed indicates the storage adapter has been closed.
	ErrAdapterClosed = adapters.ErrAdapterClosed

	// ErrNilAggregate indicates a nil aggregate was passed.
	ErrNilAggregate = adapters.ErrNilAggregate

	// ErrAggregateNotFound indicates an aggregate with no snapshot and no
	// events: it has never been saved. Distinct from infrastructure
	// failures so callers can map it to a domain-level "does not exist".
	ErrAggregateNotFound = errors.New("strata: aggregate not found")

	// ErrEventNotFound indicates the requested event does not exist.
	ErrEventNotFound = errors.New("strata: event not found")

	// ErrSerializationFailed indicates event encoding or decoding failed.
	ErrSerializationFailed = errors.New("strata: serialization failed")

	// ErrEventTypeNotRegistered indicates an unknown event type tag.
	ErrEventTypeNotRegistered = errors.New("strata: event type not registered")

	// ErrNilStore indicates a nil event store was passed.
	ErrNilStore = errors.New("strata: nil event store")

	// ErrNotImplemented indicates an optional operation is not supported
	// by the implementation.
	ErrNotImplemented = errors.New("strata: not implemented")

	// ErrSubscriptionNotSupported indicates the adapter cannot serve the
	// global event ordering required for subscriptions and projections.
	ErrSubscriptionNotSupported = errors.New("strata: adapter does not support subscriptions")
)

// Projection engine errors.
var (
	// ErrNilProjection indicates a nil projection was registered.
	ErrNilProjection = errors.New("strata: nil projection")

	// ErrEmptyProjectionName indicates a projection without a name.
	ErrEmptyProjectionName = errors.New("strata: projection name is required")

	// ErrProjectionAlreadyRegistered indicates a duplicate registration.
	ErrProjectionAlreadyRegistered = errors.New("strata: projection already registered")

	// ErrProjectionNotFound indicates an unknown projection name.
	ErrProjectionNotFound = errors.New("strata: projection not found")

	// ErrEngineAlreadyRunning indicates Start was called twice.
	ErrEngineAlreadyRunning = errors.New("strata: projection engine already running")

	// ErrNoCheckpointStore indicates the engine was started without a
	// checkpoint store while async projections are registered.
	ErrNoCheckpointStore = errors.New("strata: checkpoint store is required")
)

// Command and handler errors.
var (
	// ErrHandlerNotFound indicates no handler is registered for a command type.
	ErrHandlerNotFound = errors.New("strata: handler not found")

	// ErrValidationFailed indicates command validation failed.
	ErrValidationFailed = errors.New("strata: validation failed")

	// ErrCommandAlreadyProcessed indicates an idempotent command replay.
	ErrCommandAlreadyProcessed = errors.New("strata: command already processed")

	// ErrNilCommand indicates a nil command was passed.
	ErrNilCommand = errors.New("strata: nil command")

	// ErrHandlerPanicked indicates a handler panicked during execution.
	ErrHandlerPanicked = errors.New("strata: handler panicked")

	// ErrCommandBusClosed indicates the command bus has been closed.
	ErrCommandBusClosed = errors.New("strata: command bus closed")
)

// Background worker errors.
var (
	// ErrProcessorAlreadyRunning indicates Start was called on a running
	// outbox processor.
	ErrProcessorAlreadyRunning = errors.New("strata: outbox processor already running")

	// ErrProcessAlreadyRunning indicates Start was called on a running
	// process manager.
	ErrProcessAlreadyRunning = errors.New("strata: process manager already running")

	// ErrPublisherNotFound indicates an outbox message targets a destination
	// with no registered publisher.
	ErrPublisherNotFound = errors.New("strata: no publisher registered for destination")
)

// ConcurrencyError reports a lost optimistic-lock race. The expected and
// actual versions are optional; the formatted message carries the
// "(expected: X, actual: Y)" suffix only when both are known. The type is
// shared with the adapters package so backend-raised conflicts surface
// unchanged.
type ConcurrencyError = adapters.ConcurrencyError

// NewConcurrencyError returns a ConcurrencyError carrying only a message.
// Attach versions with WithVersions when both are known.
func NewConcurrencyError(message string) *ConcurrencyError {
	return adapters.NewConcurrencyError(message)
}

// NewVersionConflict returns the standard conflict error for a stream with
// both the expected and the observed version populated.
func NewVersionConflict(streamID string, expected, actual int64) *ConcurrencyError {
	return adapters.NewVersionConflict(streamID, expected, actual)
}

// StreamNotFoundError reports an operation that required an existing stream.
type StreamNotFoundError = adapters.StreamNotFoundError

// NewStreamNotFoundError creates a StreamNotFoundError.
func NewStreamNotFoundError(streamID string) *StreamNotFoundError {
	return adapters.NewStreamNotFoundError(streamID)
}

// AggregateNotFoundError reports a load for an aggregate that has neither a
// snapshot nor any events.
type AggregateNotFoundError struct {
	// StreamID is the stream that was looked up.
	StreamID string
}

// Error returns the error message.
func (e *AggregateNotFoundError) Error() string {
	return fmt.Sprintf("strata: aggregate %q not found", e.StreamID)
}

// Is reports a match against ErrAggregateNotFound for errors.Is.
func (e *AggregateNotFoundError) Is(target error) bool {
	return target == ErrAggregateNotFound
}

// Unwrap returns the sentinel for errors.Unwrap.
func (e *AggregateNotFoundError) Unwrap() error {
	return ErrAggregateNotFound
}

// NewAggregateNotFoundError creates an AggregateNotFoundError.
func NewAggregateNotFoundError(streamID string) *AggregateNotFoundError {
	return &AggregateNotFoundError{StreamID: streamID}
}

// SerializationError reports an event encode or decode failure. These are
// infrastructure failures: the store surfaces them unchanged and never
// retries them.
type SerializationError struct {
	// EventType is the type tag of the event involved.
	EventType string

	// Operation is "serialize" or "deserialize".
	Operation string

	// Cause is the underlying codec error.
	Cause error
}

// Error returns the error message.
func (e *SerializationError) Error() string {
	return fmt.Sprintf("strata: failed to %s event type %q: %v", e.Operation, e.EventType, e.Cause)
}

// Is reports a match against ErrSerializationFailed for errors.Is.
func (e *SerializationError) Is(target error) bool {
	return target == ErrSerializationFailed
}

// Unwrap returns the underlying cause.
func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// NewSerializationError creates a SerializationError.
func NewSerializationError(eventType, operation string, cause error) *SerializationError {
	return &SerializationError{EventType: eventType, Operation: operation, Cause: cause}
}

// EventTypeNotRegisteredError reports a decode of an event whose type tag
// has no registered Go type.
type EventTypeNotRegisteredError struct {
	// EventType is the unknown type tag.
	EventType string
}

// Error returns the error message.
func (e *EventTypeNotRegisteredError) Error() string {
	return fmt.Sprintf("strata: event type %q not registered", e.EventType)
}

// Is reports a match against ErrEventTypeNotRegistered for errors.Is.
func (e *EventTypeNotRegisteredError) Is(target error) bool {
	return target == ErrEventTypeNotRegistered
}

// Unwrap returns the sentinel for errors.Unwrap.
func (e *EventTypeNotRegisteredError) Unwrap() error {
	return ErrEventTypeNotRegistered
}

// NewEventTypeNotRegisteredError creates an EventTypeNotRegisteredError.
func NewEventTypeNotRegisteredError(eventType string) *EventTypeNotRegisteredError {
	return &EventTypeNotRegisteredError{EventType: eventType}
}

// HandlerNotFoundError reports a dispatch for a command type with no
// registered handler.
type HandlerNotFoundError struct {
	// CommandType is the unhandled command type.
	CommandType string
}

// Error returns the error message.
func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("strata: no handler registered for command type %q", e.CommandType)
}

// Is reports a match against ErrHandlerNotFound for errors.Is.
func (e *HandlerNotFoundError) Is(target error) bool {
	return target == ErrHandlerNotFound
}

// Unwrap returns the sentinel for errors.Unwrap.
func (e *HandlerNotFoundError) Unwrap() error {
	return ErrHandlerNotFound
}

// NewHandlerNotFoundError creates a HandlerNotFoundError.
func NewHandlerNotFoundError(cmdType string) *HandlerNotFoundError {
	return &HandlerNotFoundError{CommandType: cmdType}
}

// PanicError reports a handler panic captured by the recovery middleware.
type PanicError struct {
	// CommandType is the command being processed when the panic occurred.
	CommandType string

	// Value is the recovered panic value.
	Value interface{}

	// Stack is the goroutine stack at the time of the panic.
	Stack string

	// CommandData is a sanitized JSON rendering of the command, when the
	// caller chose to capture one. Sensitive fields must be masked before
	// setting it.
	CommandData string
}

// Error returns the error message.
func (e *PanicError) Error() string {
	return fmt.Sprintf("strata: handler panicked while processing %q: %v", e.CommandType, e.Value)
}

// Is reports a match against ErrHandlerPanicked for errors.Is.
func (e *PanicError) Is(target error) bool {
	return target == ErrHandlerPanicked
}

// Unwrap returns the sentinel for errors.Unwrap.
func (e *PanicError) Unwrap() error {
	return ErrHandlerPanicked
}

// NewPanicError creates a PanicError.
func NewPanicError(cmdType string, value interface{}, stack string) *PanicError {
	return &PanicError{CommandType: cmdType, Value: value, Stack: stack}
}

// NewPanicErrorWithCommand creates a PanicError carrying a sanitized
// rendering of the command for debugging.
func NewPanicErrorWithCommand(cmdType string, value interface{}, stack, commandData string) *PanicError {
	return &PanicError{CommandType: cmdType, Value: value, Stack: stack, CommandData: commandData}
}
