// Package projections provides fixtures for testing inline, async, and
// live projections against an in-memory read model store.
package projections

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters/memory"
)

// TB is testing.TB, aliased so fixtures can be driven by a recorder in
// their own tests.
type TB = testing.TB

// Fixture feeds events to a projection and asserts on the read models it
// maintains.
type Fixture[T any] struct {
	t          TB
	ctx        context.Context
	projection strata.Projection
	models     strata.ReadModelStore[T]
	events     []strata.StoredEvent
	position   uint64
}

// ForProjection creates a fixture over a projection and the read model
// store it writes to.
func ForProjection[T any](t TB, projection strata.Projection, models strata.ReadModelStore[T]) *Fixture[T] {
	t.Helper()
	return &Fixture[T]{
		t:          t,
		ctx:        context.Background(),
		projection: projection,
		models:     models,
	}
}

// WithContext replaces the context used when applying events.
func (f *Fixture[T]) WithContext(ctx context.Context) *Fixture[T] {
	f.ctx = ctx
	return f
}

// GivenEvents applies stored events to the projection. Positions and
// timestamps are stamped when missing so ordering stays realistic.
func (f *Fixture[T]) GivenEvents(events ...strata.StoredEvent) *Fixture[T] {
	f.t.Helper()

	for _, event := range events {
		f.position++
		if event.GlobalPosition == 0 {
			event.GlobalPosition = f.position
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now()
		}
		f.events = append(f.events, event)
		f.apply(event)
	}
	return f
}

// GivenDomainEvents marshals domain events to JSON stored events on the
// given stream and applies them. Event types are the struct names.
func (f *Fixture[T]) GivenDomainEvents(streamID string, domainEvents ...interface{}) *Fixture[T] {
	f.t.Helper()

	for i, event := range domainEvents {
		data, err := json.Marshal(event)
		if err != nil {
			f.t.Fatalf("marshaling domain event %T: %v", event, err)
		}

		rt := reflect.TypeOf(event)
		if rt.Kind() == reflect.Ptr {
			rt = rt.Elem()
		}

		f.position++
		stored := strata.StoredEvent{
			ID:             fmt.Sprintf("evt-%d", f.position),
			StreamID:       streamID,
			Type:           rt.Name(),
			Data:           data,
			Version:        int64(i + 1),
			GlobalPosition: f.position,
			Timestamp:      time.Now(),
		}
		f.events = append(f.events, stored)
		f.apply(stored)
	}
	return f
}

func (f *Fixture[T]) apply(event strata.StoredEvent) {
	f.t.Helper()
	if inline, ok := f.projection.(strata.InlineProjection); ok {
		if err := inline.Apply(f.ctx, event); err != nil {
			f.t.Fatalf("applying %s: %v", event.Type, err)
		}
	}
}

// ThenModel asserts the read model with the given ID equals expected.
func (f *Fixture[T]) ThenModel(id string, expected T) {
	f.t.Helper()

	actual := f.ThenModelExists(id)
	if !reflect.DeepEqual(*actual, expected) {
		f.t.Errorf("read model %s mismatch\nexpected: %+v\nactual:   %+v", id, expected, *actual)
	}
}

// ThenModelExists asserts a read model exists and returns it.
func (f *Fixture[T]) ThenModelExists(id string) *T {
	f.t.Helper()

	actual, err := f.models.Get(f.ctx, id)
	if err != nil {
		f.t.Fatalf("read model %s: %v", id, err)
	}
	return actual
}

// ThenModelAbsent asserts no read model exists for the ID.
func (f *Fixture[T]) ThenModelAbsent(id string) {
	f.t.Helper()

	actual, err := f.models.Get(f.ctx, id)
	if err != nil {
		if errors.Is(err, strata.ErrNotFound) {
			return
		}
		f.t.Fatalf("read model %s: %v", id, err)
	}
	f.t.Errorf("expected read model %s to be absent, found %+v", id, *actual)
}

// ThenModelCount asserts how many read models the store holds.
func (f *Fixture[T]) ThenModelCount(expected int) {
	f.t.Helper()

	count, err := f.models.Count(f.ctx, strata.NewQuery().Build())
	if err != nil {
		f.t.Fatalf("counting read models: %v", err)
	}
	if count != int64(expected) {
		f.t.Errorf("expected %d read models, got %d", expected, count)
	}
}

// ThenModelMatches asserts the read model passes a custom check.
func (f *Fixture[T]) ThenModelMatches(id string, check func(t TB, model *T)) {
	f.t.Helper()
	check(f.t, f.ThenModelExists(id))
}

// Models returns the underlying read model store.
func (f *Fixture[T]) Models() strata.ReadModelStore[T] {
	return f.models
}

// Events returns the events applied so far.
func (f *Fixture[T]) Events() []strata.StoredEvent {
	return f.events
}

// InlineFixture adds direct event application for inline projections.
type InlineFixture[T any] struct {
	*Fixture[T]
	inline strata.InlineProjection
}

// ForInline creates a fixture for an inline projection.
func ForInline[T any](t TB, projection strata.InlineProjection, models strata.ReadModelStore[T]) *InlineFixture[T] {
	t.Helper()
	return &InlineFixture[T]{
		Fixture: ForProjection[T](t, projection, models),
		inline:  projection,
	}
}

// ApplyEvent applies one event, returning the projection's error instead of
// failing the test.
func (f *InlineFixture[T]) ApplyEvent(event strata.StoredEvent) error {
	return f.inline.Apply(f.ctx, event)
}

// AsyncFixture adds batch application for async projections.
type AsyncFixture[T any] struct {
	*Fixture[T]
	async strata.AsyncProjection
}

// ForAsync creates a fixture for an async projection.
func ForAsync[T any](t TB, projection strata.AsyncProjection, models strata.ReadModelStore[T]) *AsyncFixture[T] {
	t.Helper()
	return &AsyncFixture[T]{
		Fixture: ForProjection[T](t, projection, models),
		async:   projection,
	}
}

// ApplyBatch hands a batch to the projection, returning its error.
func (f *AsyncFixture[T]) ApplyBatch(events []strata.StoredEvent) error {
	return f.async.ApplyBatch(f.ctx, events)
}

// LiveFixture adds event notification for live projections.
type LiveFixture[T any] struct {
	*Fixture[T]
	live strata.LiveProjection
}

// ForLive creates a fixture for a live projection.
func ForLive[T any](t TB, projection strata.LiveProjection, models strata.ReadModelStore[T]) *LiveFixture[T] {
	t.Helper()
	return &LiveFixture[T]{
		Fixture: ForProjection[T](t, projection, models),
		live:    projection,
	}
}

// OnEvent notifies the projection of one event.
func (f *LiveFixture[T]) OnEvent(event strata.StoredEvent) {
	f.live.OnEvent(f.ctx, event)
}

// ThenIsTransient asserts the projection's transience flag.
func (f *LiveFixture[T]) ThenIsTransient(expected bool) {
	f.t.Helper()
	if f.live.IsTransient() != expected {
		f.t.Errorf("expected IsTransient=%v, got %v", expected, f.live.IsTransient())
	}
}

// EngineFixture runs projections through a real projection engine over an
// in-memory store.
type EngineFixture struct {
	t      TB
	ctx    context.Context
	engine *strata.ProjectionEngine
	store  *strata.EventStore
}

// ForEngine creates an engine fixture with an in-memory event store and
// checkpoint store.
func ForEngine(t TB) *EngineFixture {
	t.Helper()
	store := strata.New(memory.NewAdapter())
	engine := strata.NewProjectionEngine(store, strata.WithCheckpointStore(memory.NewCheckpointStore()))
	store.ObserveCommits(engine)

	return &EngineFixture{
		t:      t,
		ctx:    context.Background(),
		engine: engine,
		store:  store,
	}
}

// WithContext replaces the context used for engine operations.
func (f *EngineFixture) WithContext(ctx context.Context) *EngineFixture {
	f.ctx = ctx
	return f
}

// RegisterInline registers an inline projection, failing the test on error.
func (f *EngineFixture) RegisterInline(projection strata.InlineProjection) *EngineFixture {
	f.t.Helper()
	if err := f.engine.RegisterInline(projection); err != nil {
		f.t.Fatalf("registering inline projection: %v", err)
	}
	return f
}

// RegisterAsync registers an async projection, failing the test on error.
func (f *EngineFixture) RegisterAsync(projection strata.AsyncProjection, opts ...strata.AsyncOptions) *EngineFixture {
	f.t.Helper()
	if err := f.engine.RegisterAsync(projection, opts...); err != nil {
		f.t.Fatalf("registering async projection: %v", err)
	}
	return f
}

// RegisterLive registers a live projection, failing the test on error.
func (f *EngineFixture) RegisterLive(projection strata.LiveProjection, opts ...strata.LiveOptions) *EngineFixture {
	f.t.Helper()
	if err := f.engine.RegisterLive(projection, opts...); err != nil {
		f.t.Fatalf("registering live projection: %v", err)
	}
	return f
}

// Start starts the engine.
func (f *EngineFixture) Start() *EngineFixture {
	f.t.Helper()
	if err := f.engine.Start(f.ctx); err != nil {
		f.t.Fatalf("starting engine: %v", err)
	}
	return f
}

// Stop stops the engine.
func (f *EngineFixture) Stop() *EngineFixture {
	f.t.Helper()
	if err := f.engine.Stop(f.ctx); err != nil {
		f.t.Fatalf("stopping engine: %v", err)
	}
	return f
}

// AppendEvents appends domain events to the store.
func (f *EngineFixture) AppendEvents(streamID string, events ...interface{}) *EngineFixture {
	f.t.Helper()
	if _, err := f.store.Append(f.ctx, streamID, events); err != nil {
		f.t.Fatalf("appending to %s: %v", streamID, err)
	}
	return f
}

// WaitFor blocks until the named projection's lag reaches zero or the
// timeout expires.
func (f *EngineFixture) WaitFor(name string, timeout time.Duration) *EngineFixture {
	f.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		status, err := f.engine.GetStatus(name)
		if err == nil && status != nil && status.Lag == 0 {
			return f
		}
		time.Sleep(10 * time.Millisecond)
	}
	f.t.Fatalf("projection %s did not catch up within %v", name, timeout)
	return f
}

// Engine returns the underlying projection engine.
func (f *EngineFixture) Engine() *strata.ProjectionEngine {
	return f.engine
}

// Store returns the fixture's event store.
func (f *EngineFixture) Store() *strata.EventStore {
	return f.store
}
