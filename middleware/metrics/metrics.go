// Package metrics exposes Prometheus instrumentation for the command bus,
// the event store, and projections.
//
//	m := metrics.New(metrics.WithServiceName("orders"))
//	m.MustRegister()
//
//	bus := strata.NewCommandBus(store)
//	bus.Use(m.CommandMiddleware())
//
//	instrumented := m.WrapEventStore(adapter)
//
// Collected series cover command throughput and latency, append and load
// rates, projection processing, and errors grouped by type.
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters"
)

// Metric label names.
const (
	LabelCommandType    = "command_type"
	LabelEventType      = "event_type"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorType      = "error_type"
	LabelService        = "service"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Operation label values.
const (
	OperationAppend    = "append"
	OperationLoad      = "load"
	OperationSubscribe = "subscribe"
)

// Metrics holds the Prometheus collectors. Create one per process and
// register it once; the middleware constructors all share it.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	commandsTotal    *prometheus.CounterVec
	commandDuration  *prometheus.HistogramVec
	commandsInFlight *prometheus.GaugeVec

	storeOperationsTotal   *prometheus.CounterVec
	storeOperationDuration *prometheus.HistogramVec
	eventsAppendedTotal    *prometheus.CounterVec
	eventsLoadedTotal      *prometheus.CounterVec

	projectionsProcessedTotal *prometheus.CounterVec
	projectionDuration        *prometheus.HistogramVec
	projectionLag             *prometheus.GaugeVec
	projectionCheckpoint      *prometheus.GaugeVec

	errorsTotal *prometheus.CounterVec
}

// Option configures Metrics.
type Option func(*Metrics)

// WithNamespace sets the Prometheus namespace. Defaults to "strata".
func WithNamespace(namespace string) Option {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) Option {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithServiceName sets the service label applied to every series.
func WithServiceName(name string) Option {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a Metrics instance.
func New(opts ...Option) *Metrics {
	m := &Metrics{
		namespace:   "strata",
		serviceName: "unknown",
	}
	for _, opt := range opts {
		opt(m)
	}

	m.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "commands_total",
			Help:      "Total number of commands dispatched.",
		},
		[]string{LabelService, LabelCommandType, LabelStatus},
	)
	m.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "command_duration_seconds",
			Help:      "Duration of command handling in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelCommandType},
	)
	m.commandsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "commands_in_flight",
			Help:      "Number of commands currently being handled.",
		},
		[]string{LabelService, LabelCommandType},
	)

	m.storeOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operations_total",
			Help:      "Total number of event store operations.",
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)
	m.storeOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operation_duration_seconds",
			Help:      "Duration of event store operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelOperation},
	)
	m.eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_appended_total",
			Help:      "Total number of events appended to streams.",
		},
		[]string{LabelService, LabelEventType},
	)
	m.eventsLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_loaded_total",
			Help:      "Total number of events loaded from streams.",
		},
		[]string{LabelService},
	)

	m.projectionsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projections_processed_total",
			Help:      "Total number of events processed by projections.",
		},
		[]string{LabelService, LabelProjectionName, LabelEventType, LabelStatus},
	)
	m.projectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_duration_seconds",
			Help:      "Duration of projection event handling in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelProjectionName},
	)
	m.projectionLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_lag_events",
			Help:      "Events between each projection's checkpoint and the log head.",
		},
		[]string{LabelService, LabelProjectionName},
	)
	m.projectionCheckpoint = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_checkpoint_position",
			Help:      "Current checkpoint position for each projection.",
		},
		[]string{LabelService, LabelProjectionName},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by type.",
		},
		[]string{LabelService, LabelErrorType},
	)

	return m
}

// Collectors returns every collector for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.commandsTotal,
		m.commandDuration,
		m.commandsInFlight,
		m.storeOperationsTotal,
		m.storeOperationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionsProcessedTotal,
		m.projectionDuration,
		m.projectionLag,
		m.projectionCheckpoint,
		m.errorsTotal,
	}
}

// MustRegister registers every collector with the default registry and
// panics on failure.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers every collector with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// CommandMiddleware returns command bus middleware recording dispatch
// counts, in-flight gauge, and latency.
func (m *Metrics) CommandMiddleware() strata.Middleware {
	return func(next strata.MiddlewareFunc) strata.MiddlewareFunc {
		return func(ctx context.Context, cmd strata.Command) (strata.CommandResult, error) {
			cmdType := cmd.CommandType()

			m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Inc()
			defer m.commandsInFlight.WithLabelValues(m.serviceName, cmdType).Dec()

			start := time.Now()
			result, err := next(ctx, cmd)
			m.commandDuration.WithLabelValues(m.serviceName, cmdType).Observe(time.Since(start).Seconds())

			status := StatusSuccess
			if err != nil || result.IsError() {
				status = StatusError
				if err != nil {
					m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
				} else {
					m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(result.Error)).Inc()
				}
			}
			m.commandsTotal.WithLabelValues(m.serviceName, cmdType, status).Inc()

			return result, err
		}
	}
}

// errorTypeName maps sentinel errors to a stable label value.
func errorTypeName(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, strata.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, strata.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, strata.ErrHandlerNotFound):
		return "handler_not_found"
	case errors.Is(err, strata.ErrValidationFailed):
		return "validation_failed"
	case errors.Is(err, strata.ErrCommandAlreadyProcessed):
		return "command_already_processed"
	case errors.Is(err, strata.ErrHandlerPanicked):
		return "handler_panicked"
	case errors.Is(err, strata.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, strata.ErrEventTypeNotRegistered):
		return "event_type_not_registered"
	case errors.Is(err, strata.ErrNilAggregate):
		return "nil_aggregate"
	case errors.Is(err, strata.ErrNilCommand):
		return "nil_command"
	case errors.Is(err, adapters.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	default:
		return "unknown"
	}
}

// StoreMiddleware instruments an EventStoreAdapter. It forwards the
// subscription methods when the wrapped adapter supports them.
type StoreMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var _ adapters.EventStoreAdapter = (*StoreMiddleware)(nil)
var _ adapters.SubscriptionAdapter = (*StoreMiddleware)(nil)
var _ adapters.SnapshotAdapter = (*StoreMiddleware)(nil)

// WrapEventStore wraps an adapter with metrics collection.
func (m *Metrics) WrapEventStore(adapter adapters.EventStoreAdapter) *StoreMiddleware {
	return &StoreMiddleware{adapter: adapter, metrics: m}
}

func (sm *StoreMiddleware) observe(operation string, start time.Time, err error) {
	m := sm.metrics
	m.storeOperationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())
	status := StatusSuccess
	if err != nil {
		status = StatusError
	}
	m.storeOperationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// Append stores events and records per-type append counters.
func (sm *StoreMiddleware) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	stored, err := sm.adapter.Append(ctx, streamID, events, expectedVersion)
	sm.observe(OperationAppend, start, err)

	if err != nil {
		sm.metrics.errorsTotal.WithLabelValues(sm.metrics.serviceName, "append_error").Inc()
	} else {
		for _, e := range events {
			sm.metrics.eventsAppendedTotal.WithLabelValues(sm.metrics.serviceName, e.Type).Inc()
		}
	}
	return stored, err
}

// Load retrieves events and records the loaded-event counter.
func (sm *StoreMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := sm.adapter.Load(ctx, streamID, fromVersion)
	sm.observe(OperationLoad, start, err)

	if err != nil {
		sm.metrics.errorsTotal.WithLabelValues(sm.metrics.serviceName, "load_error").Inc()
	} else {
		sm.metrics.eventsLoadedTotal.WithLabelValues(sm.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

func (sm *StoreMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := sm.adapter.GetStreamInfo(ctx, streamID)
	sm.observe("get_stream_info", start, err)
	return info, err
}

func (sm *StoreMiddleware) GetLastPosition(ctx context.Context) (uint64, error) {
	start := time.Now()
	pos, err := sm.adapter.GetLastPosition(ctx)
	sm.observe("get_last_position", start, err)
	return pos, err
}

// SaveSnapshot delegates to the wrapped adapter's SnapshotAdapter.
// Fails with ErrNotImplemented when the adapter keeps no snapshots.
func (sm *StoreMiddleware) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	snap, ok := sm.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return strata.ErrNotImplemented
	}
	start := time.Now()
	err := snap.SaveSnapshot(ctx, streamID, version, data)
	sm.observe("save_snapshot", start, err)
	return err
}

func (sm *StoreMiddleware) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	snap, ok := sm.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return nil, strata.ErrNotImplemented
	}
	start := time.Now()
	snapshot, err := snap.LoadSnapshot(ctx, streamID)
	sm.observe("load_snapshot", start, err)
	return snapshot, err
}

func (sm *StoreMiddleware) DeleteSnapshot(ctx context.Context, streamID string) error {
	snap, ok := sm.adapter.(adapters.SnapshotAdapter)
	if !ok {
		return strata.ErrNotImplemented
	}
	start := time.Now()
	err := snap.DeleteSnapshot(ctx, streamID)
	sm.observe("delete_snapshot", start, err)
	return err
}

func (sm *StoreMiddleware) Initialize(ctx context.Context) error {
	return sm.adapter.Initialize(ctx)
}

func (sm *StoreMiddleware) Close() error {
	return sm.adapter.Close()
}

// SupportsSubscriptions reports whether the wrapped adapter can serve
// the subscription methods.
func (sm *StoreMiddleware) SupportsSubscriptions() bool {
	_, ok := sm.adapter.(adapters.SubscriptionAdapter)
	return ok
}

// LoadFromPosition loads events from a global position. Fails with
// ErrSubscriptionNotSupported when the wrapped adapter has no global order.
func (sm *StoreMiddleware) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	sub, ok := sm.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, strata.ErrSubscriptionNotSupported
	}

	start := time.Now()
	events, err := sub.LoadFromPosition(ctx, fromPosition, limit)
	sm.observe("load_from_position", start, err)

	if err != nil {
		sm.metrics.errorsTotal.WithLabelValues(sm.metrics.serviceName, "load_from_position_error").Inc()
	} else {
		sm.metrics.eventsLoadedTotal.WithLabelValues(sm.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

func (sm *StoreMiddleware) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	sub, ok := sm.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, strata.ErrSubscriptionNotSupported
	}
	sm.metrics.storeOperationsTotal.WithLabelValues(sm.metrics.serviceName, OperationSubscribe, StatusSuccess).Inc()
	return sub.SubscribeAll(ctx, fromPosition, opts...)
}

func (sm *StoreMiddleware) SubscribeStream(ctx context.Context, streamID string, fromVersion int64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	sub, ok := sm.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, strata.ErrSubscriptionNotSupported
	}
	sm.metrics.storeOperationsTotal.WithLabelValues(sm.metrics.serviceName, OperationSubscribe, StatusSuccess).Inc()
	return sub.SubscribeStream(ctx, streamID, fromVersion, opts...)
}

func (sm *StoreMiddleware) SubscribeCategory(ctx context.Context, category string, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	sub, ok := sm.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, strata.ErrSubscriptionNotSupported
	}
	sm.metrics.storeOperationsTotal.WithLabelValues(sm.metrics.serviceName, OperationSubscribe, StatusSuccess).Inc()
	return sub.SubscribeCategory(ctx, category, fromPosition, opts...)
}

// ProjectionMiddleware instruments an inline projection.
type ProjectionMiddleware struct {
	projection strata.InlineProjection
	metrics    *Metrics
}

var _ strata.InlineProjection = (*ProjectionMiddleware)(nil)

// WrapProjection wraps an inline projection with metrics collection.
func (m *Metrics) WrapProjection(projection strata.InlineProjection) *ProjectionMiddleware {
	return &ProjectionMiddleware{projection: projection, metrics: m}
}

// Name returns the wrapped projection's name.
func (pm *ProjectionMiddleware) Name() string {
	return pm.projection.Name()
}

// HandledEvents returns the wrapped projection's event types.
func (pm *ProjectionMiddleware) HandledEvents() []string {
	return pm.projection.HandledEvents()
}

// Apply folds an event, recording latency, processed counts, and the
// checkpoint gauge.
func (pm *ProjectionMiddleware) Apply(ctx context.Context, event strata.StoredEvent) error {
	m := pm.metrics
	name := pm.projection.Name()

	start := time.Now()
	err := pm.projection.Apply(ctx, event)
	m.projectionDuration.WithLabelValues(m.serviceName, name).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, "projection_error").Inc()
	}
	m.projectionsProcessedTotal.WithLabelValues(m.serviceName, name, event.Type, status).Inc()
	m.projectionCheckpoint.WithLabelValues(m.serviceName, name).Set(float64(event.GlobalPosition))

	return err
}

// RecordProjectionLag records how far a projection trails the log head.
func (m *Metrics) RecordProjectionLag(projectionName string, lag int64) {
	m.projectionLag.WithLabelValues(m.serviceName, projectionName).Set(float64(lag))
}

// RecordProjectionCheckpoint records a projection's checkpoint position.
func (m *Metrics) RecordProjectionCheckpoint(projectionName string, position uint64) {
	m.projectionCheckpoint.WithLabelValues(m.serviceName, projectionName).Set(float64(position))
}

// RecordError increments the error counter for an arbitrary error type.
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorType).Inc()
}
