package strata

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/google/uuid"
)

// CommandHandler holds the business logic for one command type.
type CommandHandler interface {
	// CommandType returns the command type this handler processes.
	CommandType() string

	// Handle executes the command and returns a result.
	Handle(ctx context.Context, cmd Command) (CommandResult, error)
}

// CommandHandlerFunc wraps a function as a CommandHandler.
type CommandHandlerFunc struct {
	cmdType string
	fn      func(ctx context.Context, cmd Command) (CommandResult, error)
}

// NewCommandHandlerFunc creates a CommandHandlerFunc.
func NewCommandHandlerFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) *CommandHandlerFunc {
	return &CommandHandlerFunc{
		cmdType: cmdType,
		fn:      fn,
	}
}

// CommandType returns the handled command type.
func (h *CommandHandlerFunc) CommandType() string {
	return h.cmdType
}

// Handle executes the wrapped function.
func (h *CommandHandlerFunc) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	return h.fn(ctx, cmd)
}

// GenericHandler is a type-safe handler for one concrete command type.
type GenericHandler[C Command] struct {
	handler func(ctx context.Context, cmd C) (CommandResult, error)
	cmdType string
}

// NewGenericHandler creates a GenericHandler for command type C.
func NewGenericHandler[C Command](handler func(ctx context.Context, cmd C) (CommandResult, error)) *GenericHandler[C] {
	var zero C
	return &GenericHandler[C]{
		handler: handler,
		cmdType: zero.CommandType(),
	}
}

// CommandType returns the handled command type.
func (h *GenericHandler[C]) CommandType() string {
	return h.cmdType
}

// Handle asserts the command to C and runs the handler.
func (h *GenericHandler[C]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typedCmd, ok := cmd.(C)
	if !ok {
		return NewErrorResult(fmt.Errorf("strata: expected command type %T, got %T", *new(C), cmd)), nil
	}
	return h.handler(ctx, typedCmd)
}

// AggregateHandler runs the load-execute-save cycle for commands targeting
// one aggregate type: load (or create) the aggregate, run the executor,
// then save under its current version. A concurrent writer surfaces as a
// ConcurrencyError in the result.
type AggregateHandler[C AggregateCommand, A Aggregate] struct {
	store     *EventStore
	factory   func(id string) A
	executor  func(ctx context.Context, agg A, cmd C) error
	newIDFunc func() string
}

// AggregateHandlerConfig configures an AggregateHandler. NewIDFunc supplies
// IDs for create commands; when nil, a random UUID is used.
type AggregateHandlerConfig[C AggregateCommand, A Aggregate] struct {
	Store     *EventStore
	Factory   func(id string) A
	Executor  func(ctx context.Context, agg A, cmd C) error
	NewIDFunc func() string
}

// NewAggregateHandler creates an AggregateHandler.
func NewAggregateHandler[C AggregateCommand, A Aggregate](config AggregateHandlerConfig[C, A]) *AggregateHandler[C, A] {
	h := &AggregateHandler[C, A]{
		store:     config.Store,
		factory:   config.Factory,
		executor:  config.Executor,
		newIDFunc: config.NewIDFunc,
	}
	if h.newIDFunc == nil {
		h.newIDFunc = uuid.NewString
	}
	return h
}

// CommandType returns the handled command type.
func (h *AggregateHandler[C, A]) CommandType() string {
	var zero C
	return zero.CommandType()
}

// Handle loads or creates the aggregate, executes the command against it
// and saves the resulting events.
func (h *AggregateHandler[C, A]) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	typedCmd, ok := cmd.(C)
	if !ok {
		return NewErrorResult(fmt.Errorf("strata: expected command type %T, got %T", *new(C), cmd)), nil
	}

	aggID := typedCmd.AggregateID()
	isNew := aggID == ""
	if isNew {
		aggID = h.newIDFunc()
	}

	agg := h.factory(aggID)
	if !isNew {
		if err := h.store.LoadAggregate(ctx, agg); err != nil {
			return NewErrorResult(fmt.Errorf("strata: failed to load aggregate: %w", err)), nil
		}
	}

	if err := h.executor(ctx, agg, typedCmd); err != nil {
		return NewErrorResult(err), nil
	}

	version, err := h.store.SaveAggregate(ctx, agg)
	if err != nil {
		return NewErrorResult(fmt.Errorf("strata: failed to save aggregate: %w", err)), nil
	}

	return NewSuccessResult(agg.AggregateID(), version), nil
}

// HandlerRegistry maps command types to their handlers.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]CommandHandler
}

// NewHandlerRegistry creates an empty HandlerRegistry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{
		handlers: make(map[string]CommandHandler),
	}
}

// Register adds a handler, replacing any existing one for the same type.
func (r *HandlerRegistry) Register(handler CommandHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[handler.CommandType()] = handler
}

// RegisterFunc registers a handler function for one command type.
func (r *HandlerRegistry) RegisterFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) {
	r.Register(NewCommandHandlerFunc(cmdType, fn))
}

// Get returns the handler for a command type, nil if unregistered.
func (r *HandlerRegistry) Get(cmdType string) CommandHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[cmdType]
}

// Has reports whether a handler is registered for the command type.
func (r *HandlerRegistry) Has(cmdType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[cmdType]
	return ok
}

// Remove drops the handler for a command type.
func (r *HandlerRegistry) Remove(cmdType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, cmdType)
}

// Clear drops all handlers.
func (r *HandlerRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = make(map[string]CommandHandler)
}

// Count returns the number of registered handlers.
func (r *HandlerRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// CommandTypes lists all registered command types.
func (r *HandlerRegistry) CommandTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// RegisterGenericHandler registers a typed handler function.
func RegisterGenericHandler[C Command](registry *HandlerRegistry, handler func(ctx context.Context, cmd C) (CommandResult, error)) {
	registry.Register(NewGenericHandler(handler))
}

// CommandDispatcher routes commands to their handlers.
type CommandDispatcher interface {
	// Dispatch sends a command to its handler and returns the result.
	Dispatch(ctx context.Context, cmd Command) (CommandResult, error)
}

// SimpleDispatcher routes commands by type with no middleware.
type SimpleDispatcher struct {
	registry *HandlerRegistry
}

// NewSimpleDispatcher creates a SimpleDispatcher over a registry.
func NewSimpleDispatcher(registry *HandlerRegistry) *SimpleDispatcher {
	return &SimpleDispatcher{registry: registry}
}

// Dispatch forwards the command to its registered handler.
func (d *SimpleDispatcher) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	handler := d.registry.Get(cmd.CommandType())
	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	return handler.Handle(ctx, cmd)
}

// GetCommandType derives a command type name by reflection for commands
// that do not embed CommandBase.
func GetCommandType(cmd interface{}) string {
	if cmd == nil {
		return ""
	}
	t := reflect.TypeOf(cmd)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
