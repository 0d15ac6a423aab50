package strata

import (
	"context"
	"time"
)

// Projection derives a read model from the event log. Implementations also
// satisfy one of InlineProjection, AsyncProjection or LiveProjection,
// which determines how the engine delivers events to them.
type Projection interface {
	// Name identifies the projection for checkpointing and management.
	Name() string

	// HandledEvents lists the event types this projection consumes.
	// An empty list means every event type.
	HandledEvents() []string
}

// InlineProjection is updated synchronously as part of the append path:
// events are delivered before Append returns to the writer. A failing
// inline projection is logged and skipped, never failing the append.
type InlineProjection interface {
	Projection

	// Apply folds a single committed event into the read model.
	Apply(ctx context.Context, event StoredEvent) error
}

// AsyncProjection consumes the log in the background with at-least-once
// delivery: after a crash, events since the last checkpoint are redelivered,
// so Apply must be idempotent.
type AsyncProjection interface {
	Projection

	// Apply folds a single event into the read model.
	Apply(ctx context.Context, event StoredEvent) error

	// ApplyBatch folds a batch of consecutive events. Implementations that
	// have no batch optimization return ErrNotImplemented and the engine
	// falls back to per-event Apply.
	ApplyBatch(ctx context.Context, events []StoredEvent) error
}

// LiveProjection receives events in real time with no durability: missed
// events while a subscriber is down are not redelivered. Suited to
// dashboards and notifications.
type LiveProjection interface {
	Projection

	// OnEvent is invoked for each event. It must not block for long.
	OnEvent(ctx context.Context, event StoredEvent)

	// IsTransient reports whether the projection keeps no durable state.
	// Transient projections are not checkpointed.
	IsTransient() bool
}

// ProjectionState is a projection's lifecycle state.
type ProjectionState string

const (
	ProjectionStateStopped    ProjectionState = "stopped"
	ProjectionStateRunning    ProjectionState = "running"
	ProjectionStatePaused     ProjectionState = "paused"
	ProjectionStateFaulted    ProjectionState = "faulted"
	ProjectionStateRebuilding ProjectionState = "rebuilding"
	ProjectionStateCatchingUp ProjectionState = "catching_up"
)

// ProjectionStatus is a point-in-time view of one projection's progress.
type ProjectionStatus struct {
	Name string

	State ProjectionState

	// LastPosition is the global position of the last processed event.
	LastPosition uint64

	// EventsProcessed counts events handled since the engine started.
	EventsProcessed uint64

	LastProcessedAt time.Time

	// Error holds the failure message when State is faulted.
	Error string

	// Lag is how many events the projection trails the head of the log.
	Lag uint64

	// AverageLatency is the mean per-event processing time.
	AverageLatency time.Duration
}

// CheckpointStore records each async projection's last processed global
// position so processing resumes there after a restart.
type CheckpointStore interface {
	// GetCheckpoint returns the last processed position, 0 if none.
	GetCheckpoint(ctx context.Context, projectionName string) (uint64, error)

	// SetCheckpoint stores the last processed position.
	SetCheckpoint(ctx context.Context, projectionName string, position uint64) error

	// DeleteCheckpoint removes a projection's checkpoint.
	DeleteCheckpoint(ctx context.Context, projectionName string) error

	// GetAllCheckpoints returns every stored checkpoint by projection name.
	GetAllCheckpoints(ctx context.Context) (map[string]uint64, error)
}

// Checkpoint is one stored checkpoint record.
type Checkpoint struct {
	ProjectionName string
	Position       uint64
	UpdatedAt      time.Time
}

// ProjectionMetrics observes projection processing. The Prometheus
// implementation lives in middleware/metrics.
type ProjectionMetrics interface {
	RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool)
	RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool)
	RecordCheckpoint(projectionName string, position uint64)
	RecordError(projectionName string, err error)
}

type noopProjectionMetrics struct{}

func (m *noopProjectionMetrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordBatchProcessed(projectionName string, count int, duration time.Duration, success bool) {
}

func (m *noopProjectionMetrics) RecordCheckpoint(projectionName string, position uint64) {}

func (m *noopProjectionMetrics) RecordError(projectionName string, err error) {}

// ShouldHandleEventType reports whether a projection declaring the given
// handled list consumes eventType. An empty list consumes everything.
func ShouldHandleEventType(handled []string, eventType string) bool {
	if len(handled) == 0 {
		return true
	}
	for _, et := range handled {
		if et == eventType {
			return true
		}
	}
	return false
}

// ProjectionBase supplies Name and HandledEvents. Embed it in projection
// types.
type ProjectionBase struct {
	name          string
	handledEvents []string
}

// NewProjectionBase creates a ProjectionBase.
func NewProjectionBase(name string, handledEvents ...string) ProjectionBase {
	return ProjectionBase{
		name:          name,
		handledEvents: handledEvents,
	}
}

// Name returns the projection name.
func (p *ProjectionBase) Name() string {
	return p.name
}

// HandledEvents returns the declared event types.
func (p *ProjectionBase) HandledEvents() []string {
	return p.handledEvents
}

// HandlesEvent reports whether the projection consumes the event type.
func (p *ProjectionBase) HandlesEvent(eventType string) bool {
	return ShouldHandleEventType(p.handledEvents, eventType)
}

// AsyncProjectionBase is ProjectionBase plus a default ApplyBatch that
// defers to per-event Apply. Embed it in async projections.
type AsyncProjectionBase struct {
	ProjectionBase
}

// NewAsyncProjectionBase creates an AsyncProjectionBase.
func NewAsyncProjectionBase(name string, handledEvents ...string) AsyncProjectionBase {
	return AsyncProjectionBase{
		ProjectionBase: NewProjectionBase(name, handledEvents...),
	}
}

// ApplyBatch reports no batch support; the engine falls back to Apply.
func (p *AsyncProjectionBase) ApplyBatch(ctx context.Context, events []StoredEvent) error {
	return ErrNotImplemented
}

// LiveProjectionBase is ProjectionBase plus transience. Embed it in live
// projections.
type LiveProjectionBase struct {
	ProjectionBase
	transient bool
}

// NewLiveProjectionBase creates a LiveProjectionBase.
func NewLiveProjectionBase(name string, transient bool, handledEvents ...string) LiveProjectionBase {
	return LiveProjectionBase{
		ProjectionBase: NewProjectionBase(name, handledEvents...),
		transient:      transient,
	}
}

// IsTransient reports whether the projection keeps no durable state.
func (p *LiveProjectionBase) IsTransient() bool {
	return p.transient
}
