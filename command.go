package strata

import (
	"context"
	"fmt"
)

// Command is an intent to change state. Commands are validated before they
// reach a handler.
type Command interface {
	// CommandType returns the command's type identifier, e.g. "OpenAccount".
	CommandType() string

	// Validate reports whether the command's payload is well formed.
	Validate() error
}

// AggregateCommand targets one aggregate instance.
type AggregateCommand interface {
	Command

	// AggregateID returns the target aggregate's ID. Commands that create
	// a new aggregate return an empty string.
	AggregateID() string
}

// IdempotentCommand carries a deduplication key: dispatching the same key
// twice returns the first execution's result instead of re-running.
type IdempotentCommand interface {
	Command

	// IdempotencyKey returns the deduplication key.
	IdempotencyKey() string
}

// CommandBase carries the identity and tracing fields shared by commands.
// Embed it in command types.
type CommandBase struct {
	// CommandID uniquely identifies this command instance.
	CommandID string `json:"commandId,omitempty"`

	// CorrelationID groups the commands and events of one business
	// transaction.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID names the command or event that triggered this one.
	CausationID string `json:"causationId,omitempty"`

	// Metadata holds application-specific key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// WithCommandID returns a copy with the command ID set.
func (c CommandBase) WithCommandID(id string) CommandBase {
	c.CommandID = id
	return c
}

// WithCorrelationID returns a copy with the correlation ID set.
func (c CommandBase) WithCorrelationID(id string) CommandBase {
	c.CorrelationID = id
	return c
}

// WithCausationID returns a copy with the causation ID set.
func (c CommandBase) WithCausationID(id string) CommandBase {
	c.CausationID = id
	return c
}

// WithMetadata returns a copy with one metadata pair added.
func (c CommandBase) WithMetadata(key, value string) CommandBase {
	merged := make(map[string]string, len(c.Metadata)+1)
	for k, v := range c.Metadata {
		merged[k] = v
	}
	merged[key] = value
	c.Metadata = merged
	return c
}

// GetMetadata returns the value for a metadata key, or "".
func (c CommandBase) GetMetadata(key string) string {
	return c.Metadata[key]
}

// GetCommandID returns the command ID.
func (c CommandBase) GetCommandID() string {
	return c.CommandID
}

// GetCorrelationID returns the correlation ID.
func (c CommandBase) GetCorrelationID() string {
	return c.CorrelationID
}

// GetCausationID returns the causation ID.
func (c CommandBase) GetCausationID() string {
	return c.CausationID
}

// CommandResult is the outcome of one command execution.
type CommandResult struct {
	// Success reports whether the command executed without error.
	Success bool

	// AggregateID is the affected aggregate. For create commands it is
	// the new aggregate's ID.
	AggregateID string

	// Version is the aggregate's stream version after execution.
	Version int64

	// Data carries handler-specific result data.
	Data interface{}

	// Error is set when the command failed.
	Error error
}

// NewSuccessResult creates a successful CommandResult.
func NewSuccessResult(aggregateID string, version int64) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
	}
}

// NewSuccessResultWithData creates a successful CommandResult carrying data.
func NewSuccessResultWithData(aggregateID string, version int64, data interface{}) CommandResult {
	return CommandResult{
		Success:     true,
		AggregateID: aggregateID,
		Version:     version,
		Data:        data,
	}
}

// NewErrorResult creates a failed CommandResult.
func NewErrorResult(err error) CommandResult {
	return CommandResult{Error: err}
}

// IsSuccess reports whether the command executed successfully.
func (r CommandResult) IsSuccess() bool {
	return r.Success && r.Error == nil
}

// IsError reports whether the command failed.
func (r CommandResult) IsError() bool {
	return !r.Success || r.Error != nil
}

// CommandContext travels through the middleware chain with the command.
type CommandContext struct {
	// Context is the request context.
	Context context.Context

	// Command is the command being dispatched.
	Command Command

	// Result is filled in by the handler.
	Result CommandResult

	// Metadata is scratch space shared between middleware.
	Metadata map[string]interface{}
}

// NewCommandContext creates a CommandContext for one dispatch.
func NewCommandContext(ctx context.Context, cmd Command) *CommandContext {
	return &CommandContext{
		Context:  ctx,
		Command:  cmd,
		Metadata: make(map[string]interface{}),
	}
}

// Set stores a middleware value.
func (c *CommandContext) Set(key string, value interface{}) {
	c.Metadata[key] = value
}

// Get retrieves a middleware value.
func (c *CommandContext) Get(key string) (interface{}, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}

// GetString retrieves a middleware value as a string, or "".
func (c *CommandContext) GetString(key string) string {
	if s, ok := c.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// SetResult records the execution result.
func (c *CommandContext) SetResult(result CommandResult) {
	c.Result = result
}

// SetSuccess records a successful result.
func (c *CommandContext) SetSuccess(aggregateID string, version int64) {
	c.Result = NewSuccessResult(aggregateID, version)
}

// SetError records a failed result.
func (c *CommandContext) SetError(err error) {
	c.Result = NewErrorResult(err)
}

// Validator validates commands beyond their own Validate method.
type Validator interface {
	Validate(cmd Command) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(cmd Command) error

// Validate calls the function.
func (f ValidatorFunc) Validate(cmd Command) error {
	return f(cmd)
}

// ValidationError reports one command validation failure.
type ValidationError struct {
	CommandType string

	// Field names the failing field, when one applies.
	Field string

	Message string

	// Cause is the underlying error, when one exists.
	Cause error
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("strata: validation failed for command %q field %q: %s",
			e.CommandType, e.Field, e.Message)
	}
	return fmt.Sprintf("strata: validation failed for command %q: %s",
		e.CommandType, e.Message)
}

// Is reports a match against ErrValidationFailed for errors.Is.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the underlying cause.
func (e *ValidationError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a ValidationError.
func NewValidationError(cmdType, field, message string) *ValidationError {
	return &ValidationError{
		CommandType: cmdType,
		Field:       field,
		Message:     message,
	}
}

// NewValidationErrorWithCause creates a ValidationError wrapping a cause.
func NewValidationErrorWithCause(cmdType, field, message string, cause error) *ValidationError {
	return &ValidationError{
		CommandType: cmdType,
		Field:       field,
		Message:     message,
		Cause:       cause,
	}
}

// MultiValidationError aggregates several validation failures.
type MultiValidationError struct {
	CommandType string
	Errors      []*ValidationError
}

// Error returns the error message.
func (e *MultiValidationError) Error() string {
	return fmt.Sprintf("strata: validation failed for command %q: %d error(s)",
		e.CommandType, len(e.Errors))
}

// Is reports a match against ErrValidationFailed for errors.Is.
func (e *MultiValidationError) Is(target error) bool {
	return target == ErrValidationFailed
}

// Unwrap returns the first contained error.
func (e *MultiValidationError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Add appends a validation error.
func (e *MultiValidationError) Add(err *ValidationError) {
	e.Errors = append(e.Errors, err)
}

// AddField appends a validation error for one field.
func (e *MultiValidationError) AddField(field, message string) {
	e.Add(&ValidationError{
		CommandType: e.CommandType,
		Field:       field,
		Message:     message,
	})
}

// HasErrors reports whether any failures were recorded.
func (e *MultiValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

// NewMultiValidationError creates an empty MultiValidationError.
func NewMultiValidationError(cmdType string) *MultiValidationError {
	return &MultiValidationError{CommandType: cmdType}
}
