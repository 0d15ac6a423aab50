package strata

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ValidationMiddleware rejects commands whose Validate method fails before
// they reach a handler.
func ValidationMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if err := cmd.Validate(); err != nil {
				return NewErrorResult(err), err
			}
			return next(ctx, cmd)
		}
	}
}

// RecoveryMiddleware converts handler panics into PanicError results,
// capturing the stack and a best-effort JSON dump of the command.
func RecoveryMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (result CommandResult, err error) {
			defer func() {
				if r := recover(); r != nil {
					stack := string(debug.Stack())
					var commandData string
					if data, jsonErr := json.Marshal(cmd); jsonErr == nil {
						commandData = string(data)
					}
					panicErr := NewPanicErrorWithCommand(cmd.CommandType(), r, stack, commandData)
					result = NewErrorResult(panicErr)
					err = panicErr
				}
			}()
			return next(ctx, cmd)
		}
	}
}

// LoggingMiddleware logs each dispatch with its outcome and duration.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Middleware returns the middleware function.
func (m *LoggingMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()

			m.logger.Debug("dispatching command", "type", cmd.CommandType())

			result, err := next(ctx, cmd)
			duration := time.Since(start)

			switch {
			case err != nil:
				m.logger.Error("command failed",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", err)
			case result.IsError():
				m.logger.Warn("command returned error result",
					"type", cmd.CommandType(),
					"duration", duration,
					"error", result.Error)
			default:
				m.logger.Info("command completed",
					"type", cmd.CommandType(),
					"duration", duration,
					"aggregateId", result.AggregateID,
					"version", result.Version)
			}

			return result, err
		}
	}
}

// TimeoutMiddleware bounds handler execution time.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return next(ctx, cmd)
		}
	}
}

// RetryConfig tunes RetryMiddleware.
type RetryConfig struct {
	// MaxAttempts includes the first attempt.
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Multiplier grows the delay between attempts.
	Multiplier float64

	// ShouldRetry filters retryable errors; nil retries everything.
	// Retrying a ConcurrencyError after reloading state is the typical
	// use.
	ShouldRetry func(err error) bool
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// RetryMiddleware re-dispatches failed commands with backoff.
func RetryMiddleware(config RetryConfig) Middleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 1.0
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			var lastResult CommandResult
			var lastErr error
			delay := config.InitialDelay

			for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
				lastResult, lastErr = next(ctx, cmd)

				if lastErr == nil && lastResult.IsSuccess() {
					return lastResult, nil
				}
				if attempt == config.MaxAttempts {
					break
				}

				errToCheck := lastErr
				if errToCheck == nil {
					errToCheck = lastResult.Error
				}
				if config.ShouldRetry != nil && !config.ShouldRetry(errToCheck) {
					break
				}

				select {
				case <-ctx.Done():
					return NewErrorResult(ctx.Err()), ctx.Err()
				case <-time.After(delay):
				}

				delay = time.Duration(float64(delay) * config.Multiplier)
				if delay > config.MaxDelay {
					delay = config.MaxDelay
				}
			}

			return lastResult, lastErr
		}
	}
}

// MetricsCollector records command execution outcomes. The Prometheus
// implementation lives in middleware/metrics.
type MetricsCollector interface {
	RecordCommand(cmdType string, duration time.Duration, success bool, err error)
}

// MetricsMiddleware records per-command metrics through the collector.
func MetricsMiddleware(collector MetricsCollector) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			start := time.Now()
			result, err := next(ctx, cmd)
			duration := time.Since(start)

			success := err == nil && result.IsSuccess()
			recordErr := err
			if recordErr == nil {
				recordErr = result.Error
			}
			collector.RecordCommand(cmd.CommandType(), duration, success, recordErr)

			return result, err
		}
	}
}

// ContextValueMiddleware injects a fixed key-value pair into the context.
type ContextValueMiddleware struct {
	key   interface{}
	value interface{}
}

// NewContextValueMiddleware creates a ContextValueMiddleware.
func NewContextValueMiddleware(key, value interface{}) *ContextValueMiddleware {
	return &ContextValueMiddleware{key: key, value: value}
}

// Middleware returns the middleware function.
func (m *ContextValueMiddleware) Middleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			return next(context.WithValue(ctx, m.key, m.value), cmd)
		}
	}
}

type correlationIDKey struct{}

// CorrelationIDFromContext returns the correlation ID from context, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(correlationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// CorrelationIDMiddleware ensures every dispatch carries a correlation ID:
// taken from the context if present, then the command, then generated. The
// default generator produces UUIDs.
func CorrelationIDMiddleware(generator func() string) Middleware {
	if generator == nil {
		generator = uuid.NewString
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CorrelationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			var correlationID string
			if base, ok := cmd.(interface{ GetCorrelationID() string }); ok {
				correlationID = base.GetCorrelationID()
			}
			if correlationID == "" {
				correlationID = generator()
			}

			return next(context.WithValue(ctx, correlationIDKey{}, correlationID), cmd)
		}
	}
}

type causationIDKey struct{}

// CausationIDFromContext returns the causation ID from context, or "".
func CausationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(causationIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCausationID returns a context carrying the causation ID.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	return context.WithValue(ctx, causationIDKey{}, causationID)
}

// CausationIDMiddleware propagates the causation chain: the command's
// causation ID when set, otherwise its command ID, so downstream events can
// name what caused them.
func CausationIDMiddleware() Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if CausationIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			var causationID string
			if base, ok := cmd.(interface{ GetCausationID() string }); ok {
				causationID = base.GetCausationID()
			}
			if causationID == "" {
				if base, ok := cmd.(interface{ GetCommandID() string }); ok {
					causationID = base.GetCommandID()
				}
			}

			if causationID != "" {
				ctx = WithCausationID(ctx, causationID)
			}
			return next(ctx, cmd)
		}
	}
}

type tenantIDKey struct{}

// TenantIDFromContext returns the tenant ID from context, or "".
func TenantIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(tenantIDKey{}).(string); ok {
		return id
	}
	return ""
}

// WithTenantID returns a context carrying the tenant ID.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey{}, tenantID)
}

// TenantMiddleware extracts the tenant ID from commands and fails required
// dispatches that lack one.
func TenantMiddleware(extractor func(Command) string, required bool) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if TenantIDFromContext(ctx) != "" {
				return next(ctx, cmd)
			}

			tenantID := ""
			if extractor != nil {
				tenantID = extractor(cmd)
			}

			if tenantID == "" && required {
				err := NewValidationError(cmd.CommandType(), "tenantId", "tenant ID is required")
				return NewErrorResult(err), err
			}
			if tenantID != "" {
				ctx = WithTenantID(ctx, tenantID)
			}
			return next(ctx, cmd)
		}
	}
}

// ConditionalMiddleware applies middleware only when the predicate holds.
func ConditionalMiddleware(condition func(Command) bool, middleware Middleware) Middleware {
	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			if condition(cmd) {
				return middleware(next)(ctx, cmd)
			}
			return next(ctx, cmd)
		}
	}
}

// CommandTypeMiddleware applies middleware only to the listed types.
func CommandTypeMiddleware(types []string, middleware Middleware) Middleware {
	typeSet := make(map[string]bool, len(types))
	for _, t := range types {
		typeSet[t] = true
	}

	return ConditionalMiddleware(func(cmd Command) bool {
		return typeSet[cmd.CommandType()]
	}, middleware)
}
