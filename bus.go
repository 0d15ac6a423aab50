package strata

import (
	"context"
	"sync"
	"sync/atomic"
)

// CommandBus routes commands through a middleware pipeline to their
// registered handlers.
type CommandBus struct {
	registry   *HandlerRegistry
	middleware []Middleware
	closed     atomic.Bool
	mu         sync.RWMutex
}

// CommandBusOption configures a CommandBus.
type CommandBusOption func(*CommandBus)

// WithMiddleware adds middleware at construction time.
func WithMiddleware(middleware ...Middleware) CommandBusOption {
	return func(b *CommandBus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithHandlerRegistry sets a shared handler registry.
func WithHandlerRegistry(registry *HandlerRegistry) CommandBusOption {
	return func(b *CommandBus) {
		b.registry = registry
	}
}

// NewCommandBus creates a CommandBus.
func NewCommandBus(opts ...CommandBusOption) *CommandBus {
	bus := &CommandBus{
		registry: NewHandlerRegistry(),
	}
	for _, opt := range opts {
		opt(bus)
	}
	return bus
}

// Register adds a handler.
func (b *CommandBus) Register(handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registry.Register(handler)
}

// RegisterFunc registers a handler function for one command type.
func (b *CommandBus) RegisterFunc(cmdType string, fn func(ctx context.Context, cmd Command) (CommandResult, error)) {
	b.Register(NewCommandHandlerFunc(cmdType, fn))
}

// Use appends middleware. Middleware runs in registration order.
func (b *CommandBus) Use(middleware ...Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware...)
}

// resolve snapshots the handler and middleware chain for one dispatch, so
// concurrent Use/Register calls cannot mutate a dispatch in flight.
func (b *CommandBus) resolve(cmdType string) (CommandHandler, []Middleware) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	middleware := make([]Middleware, len(b.middleware))
	copy(middleware, b.middleware)
	return b.registry.Get(cmdType), middleware
}

// Dispatch sends a command through the middleware chain to its handler.
func (b *CommandBus) Dispatch(ctx context.Context, cmd Command) (CommandResult, error) {
	if b.closed.Load() {
		return NewErrorResult(ErrCommandBusClosed), ErrCommandBusClosed
	}
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}

	handler, middleware := b.resolve(cmd.CommandType())
	if handler == nil {
		err := NewHandlerNotFoundError(cmd.CommandType())
		return NewErrorResult(err), err
	}

	chain := ChainMiddleware(middleware...)(MiddlewareFunc(handler.Handle))
	return chain(ctx, cmd)
}

// DispatchAsync dispatches on a new goroutine and returns a channel that
// yields the single result.
func (b *CommandBus) DispatchAsync(ctx context.Context, cmd Command) <-chan DispatchResult {
	resultCh := make(chan DispatchResult, 1)

	go func() {
		defer close(resultCh)
		result, err := b.Dispatch(ctx, cmd)
		resultCh <- DispatchResult{CommandResult: result, Error: err}
	}()

	return resultCh
}

// DispatchAll dispatches commands sequentially, returning one result per
// command. A cancelled context stops after the command in flight.
func (b *CommandBus) DispatchAll(ctx context.Context, cmds ...Command) ([]DispatchResult, error) {
	results := make([]DispatchResult, len(cmds))

	for i, cmd := range cmds {
		result, err := b.Dispatch(ctx, cmd)
		results[i] = DispatchResult{CommandResult: result, Error: err}

		if ctx.Err() != nil {
			return results[:i+1], ctx.Err()
		}
	}

	return results, nil
}

// HasHandler reports whether a handler is registered for the command type.
func (b *CommandBus) HasHandler(cmdType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Has(cmdType)
}

// HandlerCount returns the number of registered handlers.
func (b *CommandBus) HandlerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.registry.Count()
}

// MiddlewareCount returns the number of registered middleware.
func (b *CommandBus) MiddlewareCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.middleware)
}

// Close stops the bus; later dispatches fail with ErrCommandBusClosed.
func (b *CommandBus) Close() error {
	b.closed.Store(true)
	return nil
}

// IsClosed reports whether the bus has been closed.
func (b *CommandBus) IsClosed() bool {
	return b.closed.Load()
}

// DispatchResult pairs a CommandResult with the dispatch error.
type DispatchResult struct {
	CommandResult
	Error error
}

// IsSuccess reports whether the dispatch and the command both succeeded.
func (r DispatchResult) IsSuccess() bool {
	return r.Error == nil && r.CommandResult.IsSuccess()
}

// MiddlewareFunc is the handler signature middleware wraps.
type MiddlewareFunc func(ctx context.Context, cmd Command) (CommandResult, error)

// Middleware decorates a handler function.
type Middleware func(next MiddlewareFunc) MiddlewareFunc

// ChainMiddleware folds several middleware into one.
func ChainMiddleware(middleware ...Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		for i := len(middleware) - 1; i >= 0; i-- {
			next = middleware[i](next)
		}
		return next
	}
}
