package strata

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratastore/strata/adapters"
)

// EventStore is the append/read contract at the heart of the library. It
// serializes events, delegates storage to an adapter that enforces
// per-stream optimistic concurrency, and fans newly committed events out to
// registered commit observers.
type EventStore struct {
	adapter    adapters.EventStoreAdapter
	serializer Serializer
	logger     Logger

	obsMu     sync.RWMutex
	observers []CommitObserver
}

// Logger is the minimal structured logging interface used across the
// library. Inject an implementation with WithLogger; the default discards
// everything.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger discards all log output.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// CommitObserver receives each batch of newly committed events, in commit
// order, after the append's per-stream critical section has been released
// and before Append returns to its caller. Observers must not fail the
// writer path: an observer that cannot keep up should queue internally and
// reconcile on its own.
type CommitObserver interface {
	EventsCommitted(ctx context.Context, events []StoredEvent)
}

// CommitObserverFunc adapts a function to the CommitObserver interface.
type CommitObserverFunc func(ctx context.Context, events []StoredEvent)

// EventsCommitted calls the function.
func (f CommitObserverFunc) EventsCommitted(ctx context.Context, events []StoredEvent) {
	f(ctx, events)
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithSerializer sets a custom serializer.
func WithSerializer(s Serializer) Option {
	return func(es *EventStore) {
		es.serializer = s
	}
}

// WithLogger sets a custom logger.
func WithLogger(l Logger) Option {
	return func(es *EventStore) {
		es.logger = l
	}
}

// New creates an EventStore backed by the given adapter.
func New(adapter adapters.EventStoreAdapter, opts ...Option) *EventStore {
	es := &EventStore{
		adapter:    adapter,
		serializer: NewJSONSerializer(),
		logger:     &noopLogger{},
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// Serializer returns the event store's serializer.
func (s *EventStore) Serializer() Serializer {
	return s.serializer
}

// Adapter returns the underlying adapter.
func (s *EventStore) Adapter() adapters.EventStoreAdapter {
	return s.adapter
}

// Logger returns the store's logger.
func (s *EventStore) Logger() Logger {
	return s.logger
}

// RegisterEvents registers event types with the serializer so they can be
// decoded on read.
func (s *EventStore) RegisterEvents(events ...interface{}) {
	type bulkRegistrar interface {
		RegisterAll(examples ...interface{})
	}
	if reg, ok := s.serializer.(bulkRegistrar); ok {
		reg.RegisterAll(events...)
	}
}

// ObserveCommits registers observers for newly committed events. The
// projection engine and the outbox scheduler register themselves here.
func (s *EventStore) ObserveCommits(observers ...CommitObserver) {
	s.obsMu.Lock()
	defer s.obsMu.Unlock()
	s.observers = append(s.observers, observers...)
}

// notifyCommitted hands one append's committed events to every observer, in
// commit order. The adapter has already released its per-stream critical
// section; a slow observer delays this caller but never blocks other
// streams.
func (s *EventStore) notifyCommitted(ctx context.Context, events []StoredEvent) {
	if len(events) == 0 {
		return
	}
	s.obsMu.RLock()
	observers := make([]CommitObserver, len(s.observers))
	copy(observers, s.observers)
	s.obsMu.RUnlock()

	for _, obs := range observers {
		obs.EventsCommitted(ctx, events)
	}
}

// AppendOption configures an append operation.
type AppendOption func(*appendConfig)

type appendConfig struct {
	metadata        Metadata
	expectedVersion int64
}

// ExpectVersion sets the expected stream version for optimistic concurrency.
func ExpectVersion(v int64) AppendOption {
	return func(c *appendConfig) {
		c.expectedVersion = v
	}
}

// WithAppendMetadata sets metadata for all events in the append operation.
func WithAppendMetadata(m Metadata) AppendOption {
	return func(c *appendConfig) {
		c.metadata = m
	}
}

// Append atomically commits events to the stream and returns the new stream
// version. If the expected version (default AnyVersion) does not match the
// stream's current version, Append fails with a ConcurrencyError carrying
// both versions; the loser of a concurrent race always sees that error,
// never silent data loss. On success the committed events are handed to the
// registered commit observers in commit order before Append returns.
func (s *EventStore) Append(ctx context.Context, streamID string, events []interface{}, opts ...AppendOption) (int64, error) {
	if streamID == "" {
		return 0, ErrEmptyStreamID
	}
	if len(events) == 0 {
		return 0, ErrNoEvents
	}

	config := &appendConfig{expectedVersion: AnyVersion}
	for _, opt := range opts {
		opt(config)
	}

	records, err := s.encodeEvents(events, config.metadata)
	if err != nil {
		return 0, err
	}

	stored, err := s.adapter.Append(ctx, streamID, records, config.expectedVersion)
	if err != nil {
		return 0, err
	}

	committed := s.finishAppend(ctx, stored)
	return committed, nil
}

// encodeEvents serializes domain events into adapter records.
func (s *EventStore) encodeEvents(events []interface{}, metadata Metadata) ([]adapters.EventRecord, error) {
	records := make([]adapters.EventRecord, len(events))
	for i, event := range events {
		eventData, err := SerializeEvent(s.serializer, event, metadata)
		if err != nil {
			return nil, fmt.Errorf("strata: failed to serialize event %d: %w", i, err)
		}
		records[i] = adapters.EventRecord{
			Type:     eventData.Type,
			Data:     eventData.Data,
			Metadata: metadataToAdapter(eventData.Metadata),
		}
	}
	return records, nil
}

// finishAppend converts the adapter's committed events, notifies observers
// and returns the new stream version.
func (s *EventStore) finishAppend(ctx context.Context, stored []adapters.StoredEvent) int64 {
	committed := make([]StoredEvent, len(stored))
	for i, se := range stored {
		committed[i] = storedEventFromAdapter(se)
	}
	s.notifyCommitted(ctx, committed)
	if len(committed) == 0 {
		return 0
	}
	return committed[len(committed)-1].Version
}

// Load retrieves and decodes all events of a stream. A missing stream
// yields an empty slice, not an error.
func (s *EventStore) Load(ctx context.Context, streamID string) ([]Event, error) {
	return s.LoadFrom(ctx, streamID, 0)
}

// LoadFrom retrieves and decodes the stream's events with version strictly
// greater than fromVersion, in ascending version order.
func (s *EventStore) LoadFrom(ctx context.Context, streamID string, fromVersion int64) ([]Event, error) {
	stored, err := s.LoadRaw(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}

	events := make([]Event, len(stored))
	for i, se := range stored {
		event, err := DeserializeEvent(s.serializer, se)
		if err != nil {
			return nil, fmt.Errorf("strata: failed to deserialize event %d: %w", i, err)
		}
		events[i] = event
	}
	return events, nil
}

// LoadRaw retrieves events without decoding their payloads.
func (s *EventStore) LoadRaw(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	stored, err := s.adapter.Load(ctx, streamID, fromVersion)
	if err != nil {
		return nil, err
	}

	result := make([]StoredEvent, len(stored))
	for i, se := range stored {
		result[i] = storedEventFromAdapter(se)
	}
	return result, nil
}

// SaveAggregate persists an aggregate's uncommitted events under an
// expected-version check using the aggregate's current version, and returns
// the committed stream version. On success the aggregate's version is
// advanced to the committed version and its pending queue is cleared; on
// ConcurrencyError the aggregate is left untouched so the caller can reload
// and retry. Saving an aggregate with no pending events is a no-op.
func (s *EventStore) SaveAggregate(ctx context.Context, agg Aggregate) (int64, error) {
	if agg == nil {
		return 0, ErrNilAggregate
	}

	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return agg.Version(), nil
	}

	streamID := BuildStreamID(agg.AggregateType(), agg.AggregateID())

	records, err := s.encodeEvents(events, Metadata{})
	if err != nil {
		return 0, err
	}

	stored, err := s.adapter.Append(ctx, streamID, records, agg.Version())
	if err != nil {
		return 0, err
	}

	committed := s.finishAppend(ctx, stored)

	if setter, ok := agg.(VersionSetter); ok {
		setter.SetVersion(committed)
	}
	agg.ClearUncommittedEvents()

	return committed, nil
}

// LoadAggregate rebuilds an aggregate's state by replaying its stream from
// the aggregate's current version. The aggregate should be a fresh instance
// with ID and type set, or one restored from a snapshot with its version
// set to the snapshot version. After replay the aggregate's version equals
// the last applied event's version.
func (s *EventStore) LoadAggregate(ctx context.Context, agg Aggregate) error {
	if agg == nil {
		return ErrNilAggregate
	}

	streamID := BuildStreamID(agg.AggregateType(), agg.AggregateID())

	stored, err := s.adapter.Load(ctx, streamID, agg.Version())
	if err != nil {
		return err
	}

	var lastVersion int64
	for i, se := range stored {
		data, err := s.serializer.Deserialize(se.Data, se.Type)
		if err != nil {
			return fmt.Errorf("strata: failed to deserialize event %d: %w", i, err)
		}
		if err := agg.ApplyEvent(data); err != nil {
			return fmt.Errorf("strata: failed to apply event %d: %w", i, err)
		}
		lastVersion = se.Version
	}

	// Version bookkeeping is done once, from the stored versions, so it
	// stays correct when the replay started from a snapshot.
	if setter, ok := agg.(VersionSetter); ok && len(stored) > 0 {
		setter.SetVersion(lastVersion)
	}

	return nil
}

// GetStreamInfo returns metadata about a stream.
func (s *EventStore) GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error) {
	if streamID == "" {
		return nil, ErrEmptyStreamID
	}

	info, err := s.adapter.GetStreamInfo(ctx, streamID)
	if err != nil {
		return nil, err
	}

	return &StreamInfo{
		StreamID:   info.StreamID,
		Category:   info.Category,
		Version:    info.Version,
		EventCount: info.EventCount,
		CreatedAt:  info.CreatedAt,
		UpdatedAt:  info.UpdatedAt,
	}, nil
}

// GetLastPosition returns the global position of the last stored event,
// 0 when the store is empty.
func (s *EventStore) GetLastPosition(ctx context.Context) (uint64, error) {
	return s.adapter.GetLastPosition(ctx)
}

// LoadEventsFromPosition reads the single global ordering across all
// streams: up to limit events with global position strictly greater than
// fromPosition. Projections, subscriptions and rebuilds consume the log
// through this method. Returns ErrSubscriptionNotSupported if the adapter
// cannot serve a global ordering.
func (s *EventStore) LoadEventsFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]StoredEvent, error) {
	subAdapter, ok := s.adapter.(adapters.SubscriptionAdapter)
	if !ok {
		return nil, ErrSubscriptionNotSupported
	}

	events, err := subAdapter.LoadFromPosition(ctx, fromPosition, limit)
	if err != nil {
		return nil, err
	}

	result := make([]StoredEvent, len(events))
	for i, e := range events {
		result[i] = storedEventFromAdapter(e)
	}
	return result, nil
}

// Initialize sets up the required storage schema.
func (s *EventStore) Initialize(ctx context.Context) error {
	return s.adapter.Initialize(ctx)
}

// Close releases resources held by the event store.
func (s *EventStore) Close() error {
	return s.adapter.Close()
}

func metadataToAdapter(m Metadata) adapters.Metadata {
	return adapters.Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

func metadataFromAdapter(m adapters.Metadata) Metadata {
	return Metadata{
		CorrelationID: m.CorrelationID,
		CausationID:   m.CausationID,
		UserID:        m.UserID,
		TenantID:      m.TenantID,
		Custom:        m.Custom,
	}
}

func storedEventFromAdapter(se adapters.StoredEvent) StoredEvent {
	return StoredEvent{
		ID:             se.ID,
		StreamID:       se.StreamID,
		Type:           se.Type,
		Data:           se.Data,
		Metadata:       metadataFromAdapter(se.Metadata),
		Version:        se.Version,
		GlobalPosition: se.GlobalPosition,
		Timestamp:      se.Timestamp,
	}
}
