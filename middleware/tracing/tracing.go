// Package tracing provides OpenTelemetry spans for command dispatch, event
// store operations, and projections.
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer(tracing.WithServiceName("orders"))
//	bus := strata.NewCommandBus(store)
//	bus.Use(tracing.CommandMiddleware(tracer))
//
//	traced := tracing.NewStoreMiddleware(adapter, tracer)
//
// Spans carry the command type, stream and version attributes, correlation
// IDs, and error details on failure.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters"
)

const (
	// TracerName identifies the library to the tracer provider.
	TracerName = "github.com/stratastore/strata"

	// DefaultServiceName is used when no service name is configured.
	DefaultServiceName = "strata"
)

// Tracer wraps an OpenTelemetry tracer with the service name applied to
// every span.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider instead of the global one.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name attached to spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a Tracer backed by the global TracerProvider unless
// WithTracerProvider overrides it.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a span under the current context.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

// CommandMiddleware returns command bus middleware that wraps each dispatch
// in a span named command.<type>.
func CommandMiddleware(tracer *Tracer) strata.Middleware {
	return func(next strata.MiddlewareFunc) strata.MiddlewareFunc {
		return func(ctx context.Context, cmd strata.Command) (strata.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, fmt.Sprintf("command.%s", cmd.CommandType()),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			attrs := []attribute.KeyValue{
				attribute.String("strata.service", tracer.serviceName),
				attribute.String("strata.command.type", cmd.CommandType()),
			}
			if target, ok := cmd.(interface{ AggregateID() string }); ok {
				attrs = append(attrs, attribute.String("strata.command.aggregate_id", target.AggregateID()))
			}
			if correlationID := strata.CorrelationIDFromContext(ctx); correlationID != "" {
				attrs = append(attrs, attribute.String("strata.correlation_id", correlationID))
			}
			span.SetAttributes(attrs...)

			result, err := next(ctx, cmd)

			switch {
			case err != nil:
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case result.IsError():
				span.RecordError(result.Error)
				span.SetStatus(codes.Error, result.Error.Error())
			default:
				span.SetStatus(codes.Ok, "")
				span.SetAttributes(
					attribute.String("strata.result.aggregate_id", result.AggregateID),
					attribute.Int64("strata.result.version", result.Version),
				)
			}

			return result, err
		}
	}
}

// StoreMiddleware wraps an EventStoreAdapter so every operation runs inside
// a client span.
type StoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var _ adapters.EventStoreAdapter = (*StoreMiddleware)(nil)

// NewStoreMiddleware wraps an adapter with tracing.
func NewStoreMiddleware(adapter adapters.EventStoreAdapter, tracer *Tracer) *StoreMiddleware {
	return &StoreMiddleware{adapter: adapter, tracer: tracer}
}

func (m *StoreMiddleware) finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Append stores events, recording the stream, the expected version, and the
// committed positions.
func (m *StoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.append",
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(
		attribute.String("strata.service", m.tracer.serviceName),
		attribute.String("strata.stream_id", streamID),
		attribute.Int64("strata.expected_version", expectedVersion),
		attribute.Int("strata.events.count", len(events)),
	)
	if len(events) > 0 {
		types := make([]string, len(events))
		for i, e := range events {
			types[i] = e.Type
		}
		span.SetAttributes(attribute.StringSlice("strata.events.types", types))
	}

	stored, err := m.adapter.Append(ctx, streamID, events, expectedVersion)
	if err == nil && len(stored) > 0 {
		last := stored[len(stored)-1]
		span.SetAttributes(
			attribute.Int64("strata.stored.version", last.Version),
			attribute.Int64("strata.stored.global_position", int64(last.GlobalPosition)),
		)
	}
	m.finish(span, err)

	return stored, err
}

// Load retrieves events, recording the stream and how many came back.
func (m *StoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.load",
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(
		attribute.String("strata.service", m.tracer.serviceName),
		attribute.String("strata.stream_id", streamID),
		attribute.Int64("strata.from_version", fromVersion),
	)

	events, err := m.adapter.Load(ctx, streamID, fromVersion)
	if err == nil {
		span.SetAttributes(attribute.Int("strata.events.loaded", len(events)))
	}
	m.finish(span, err)

	return events, err
}

func (m *StoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.get_stream_info",
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(
		attribute.String("strata.service", m.tracer.serviceName),
		attribute.String("strata.stream_id", streamID),
	)

	info, err := m.adapter.GetStreamInfo(ctx, streamID)
	if err == nil {
		span.SetAttributes(attribute.Int64("strata.stream.version", info.Version))
	}
	m.finish(span, err)

	return info, err
}

func (m *StoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.get_last_position",
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(attribute.String("strata.service", m.tracer.serviceName))

	pos, err := m.adapter.GetLastPosition(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int64("strata.last_position", int64(pos)))
	}
	m.finish(span, err)

	return pos, err
}

func (m *StoreMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.initialize",
		trace.WithSpanKind(trace.SpanKindClient),
	)

	span.SetAttributes(attribute.String("strata.service", m.tracer.serviceName))

	err := m.adapter.Initialize(ctx)
	m.finish(span, err)

	return err
}

func (m *StoreMiddleware) Close() error {
	return m.adapter.Close()
}

// ProjectionMiddleware wraps an inline projection so each Apply runs inside
// a span carrying the event's identity.
type ProjectionMiddleware struct {
	projection strata.InlineProjection
	tracer     *Tracer
}

var _ strata.InlineProjection = (*ProjectionMiddleware)(nil)

// NewProjectionMiddleware wraps an inline projection with tracing.
func NewProjectionMiddleware(projection strata.InlineProjection, tracer *Tracer) *ProjectionMiddleware {
	return &ProjectionMiddleware{projection: projection, tracer: tracer}
}

// Name returns the wrapped projection's name.
func (m *ProjectionMiddleware) Name() string {
	return m.projection.Name()
}

// HandledEvents returns the wrapped projection's event types.
func (m *ProjectionMiddleware) HandledEvents() []string {
	return m.projection.HandledEvents()
}

// Apply folds an event inside a projection.<name>.apply span.
func (m *ProjectionMiddleware) Apply(ctx context.Context, event strata.StoredEvent) error {
	ctx, span := m.tracer.StartSpan(ctx, fmt.Sprintf("projection.%s.apply", m.projection.Name()),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("strata.service", m.tracer.serviceName),
		attribute.String("strata.projection.name", m.projection.Name()),
		attribute.String("strata.event.type", event.Type),
		attribute.String("strata.event.id", event.ID),
		attribute.String("strata.event.stream_id", event.StreamID),
		attribute.Int64("strata.event.version", event.Version),
		attribute.Int64("strata.event.global_position", int64(event.GlobalPosition)),
	)

	err := m.projection.Apply(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	return err
}

// SpanFromContext returns the current span.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError records an error on the current span and marks it failed.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
