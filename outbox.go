package strata

import (
	"context"
	"fmt"
	"time"

	"github.com/stratastore/strata/adapters"
)

// OutboxStatus is the delivery state of an outbox message.
type OutboxStatus = adapters.OutboxStatus

// Outbox status constants.
const (
	OutboxPending    = adapters.OutboxPending
	OutboxProcessing = adapters.OutboxProcessing
	OutboxCompleted  = adapters.OutboxCompleted
	OutboxFailed     = adapters.OutboxFailed
	OutboxDeadLetter = adapters.OutboxDeadLetter
)

// OutboxMessage is one payload scheduled for delivery.
type OutboxMessage = adapters.OutboxMessage

// OutboxStore persists outbox messages.
type OutboxStore = adapters.OutboxStore

// Publisher delivers outbox messages to one kind of external system. The
// kafka, sns and webhook packages provide implementations.
type Publisher interface {
	// Publish sends the messages to the external system.
	Publish(ctx context.Context, messages []*OutboxMessage) error

	// Destination returns the scheme this publisher serves, e.g. "kafka".
	Destination() string
}

// OutboxRoute maps committed events to outbox destinations.
type OutboxRoute struct {
	// EventTypes restricts the route; empty matches every event.
	EventTypes []string

	// Destination is the delivery target, scheme-prefixed, e.g.
	// "kafka:orders" or "webhook:https://example.com/events".
	Destination string

	// Transform optionally replaces the payload before scheduling.
	Transform func(stored StoredEvent) ([]byte, error)

	// Filter optionally drops events; return true to keep.
	Filter func(stored StoredEvent) bool
}

func (r *OutboxRoute) matchesEvent(eventType string) bool {
	return ShouldHandleEventType(r.EventTypes, eventType)
}

// OutboxMetrics observes outbox relay activity.
type OutboxMetrics interface {
	RecordMessageProcessed(destination string, success bool)
	RecordMessageFailed(destination string)
	RecordMessageDeadLettered()
	RecordBatchDuration(duration time.Duration)
	RecordPendingMessages(count int64)
}

type noopOutboxMetrics struct{}

func (m *noopOutboxMetrics) RecordMessageProcessed(destination string, success bool) {}
func (m *noopOutboxMetrics) RecordMessageFailed(destination string)                  {}
func (m *noopOutboxMetrics) RecordMessageDeadLettered()                              {}
func (m *noopOutboxMetrics) RecordBatchDuration(duration time.Duration)              {}
func (m *noopOutboxMetrics) RecordPendingMessages(count int64)                       {}

// EventStoreWithOutbox decorates an EventStore so every append also
// schedules outbox messages per the configured routes. When the adapter
// implements adapters.OutboxAppender, events and messages commit in one
// transaction; otherwise scheduling happens right after the append.
type EventStoreWithOutbox struct {
	store       *EventStore
	outbox      OutboxStore
	routes      []OutboxRoute
	logger      Logger
	maxAttempts int
}

// OutboxOption configures an EventStoreWithOutbox.
type OutboxOption func(*EventStoreWithOutbox)

// WithOutboxLogger sets the wrapper's logger.
func WithOutboxLogger(l Logger) OutboxOption {
	return func(es *EventStoreWithOutbox) {
		es.logger = l
	}
}

// WithOutboxMaxAttempts sets the delivery attempt budget per message.
func WithOutboxMaxAttempts(n int) OutboxOption {
	return func(es *EventStoreWithOutbox) {
		es.maxAttempts = n
	}
}

// NewEventStoreWithOutbox wraps a store with outbox scheduling.
func NewEventStoreWithOutbox(store *EventStore, outboxStore OutboxStore, routes []OutboxRoute, opts ...OutboxOption) *EventStoreWithOutbox {
	es := &EventStoreWithOutbox{
		store:       store,
		outbox:      outboxStore,
		routes:      routes,
		logger:      &noopLogger{},
		maxAttempts: 5,
	}
	for _, opt := range opts {
		opt(es)
	}
	return es
}

// Store returns the wrapped EventStore.
func (es *EventStoreWithOutbox) Store() *EventStore {
	return es.store
}

// OutboxStore returns the underlying OutboxStore.
func (es *EventStoreWithOutbox) OutboxStore() OutboxStore {
	return es.outbox
}

// buildMessages applies the routes to serialized records, producing the
// outbox messages to schedule alongside them.
func (es *EventStoreWithOutbox) buildMessages(streamID string, records []adapters.EventRecord) []*OutboxMessage {
	var messages []*OutboxMessage
	now := time.Now()

	for _, rec := range records {
		stored := StoredEvent{
			StreamID: streamID,
			Type:     rec.Type,
			Data:     rec.Data,
			Metadata: metadataFromAdapter(rec.Metadata),
		}
		for _, route := range es.routes {
			if msg := es.buildMessageForRoute(route, stored, now); msg != nil {
				messages = append(messages, msg)
			}
		}
	}
	return messages
}

func (es *EventStoreWithOutbox) buildMessageForRoute(route OutboxRoute, stored StoredEvent, now time.Time) *OutboxMessage {
	if !route.matchesEvent(stored.Type) {
		return nil
	}
	if route.Filter != nil && !route.Filter(stored) {
		return nil
	}

	payload := stored.Data
	if route.Transform != nil {
		transformed, err := route.Transform(stored)
		if err != nil {
			es.logger.Error("failed to transform outbox payload",
				"eventType", stored.Type, "destination", route.Destination, "error", err)
			return nil
		}
		payload = transformed
	}

	return &OutboxMessage{
		AggregateID: stored.StreamID,
		EventType:   stored.Type,
		Destination: route.Destination,
		Payload:     payload,
		Headers: map[string]string{
			"stream-id":      stored.StreamID,
			"event-type":     stored.Type,
			"correlation-id": stored.Metadata.CorrelationID,
			"causation-id":   stored.Metadata.CausationID,
		},
		Status:      OutboxPending,
		MaxAttempts: es.maxAttempts,
		ScheduledAt: now,
		CreatedAt:   now,
	}
}

// Append commits events and schedules their outbox messages, returning the
// new stream version.
func (es *EventStoreWithOutbox) Append(ctx context.Context, streamID string, events []interface{}, opts ...AppendOption) (int64, error) {
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

	records, err := es.store.encodeEvents(events, config.metadata)
	if err != nil {
		return 0, err
	}

	return es.appendWithOutbox(ctx, streamID, records, config.expectedVersion)
}

// SaveAggregate persists an aggregate's uncommitted events with outbox
// scheduling, returning the committed version.
func (es *EventStoreWithOutbox) SaveAggregate(ctx context.Context, agg Aggregate) (int64, error) {
	if agg == nil {
		return 0, ErrNilAggregate
	}

	events := agg.UncommittedEvents()
	if len(events) == 0 {
		return agg.Version(), nil
	}

	streamID := BuildStreamID(agg.AggregateType(), agg.AggregateID())

	records, err := es.store.encodeEvents(events, Metadata{})
	if err != nil {
		return 0, err
	}

	committed, err := es.appendWithOutbox(ctx, streamID, records, agg.Version())
	if err != nil {
		return 0, err
	}

	if setter, ok := agg.(VersionSetter); ok {
		setter.SetVersion(committed)
	}
	agg.ClearUncommittedEvents()
	return committed, nil
}

func (es *EventStoreWithOutbox) appendWithOutbox(ctx context.Context, streamID string, records []adapters.EventRecord, expectedVersion int64) (int64, error) {
	messages := es.buildMessages(streamID, records)

	if appender, ok := es.store.adapter.(adapters.OutboxAppender); ok && len(messages) > 0 {
		stored, err := appender.AppendWithOutbox(ctx, streamID, records, expectedVersion, messages)
		if err != nil {
			return 0, err
		}
		return es.store.finishAppend(ctx, stored), nil
	}

	stored, err := es.store.adapter.Append(ctx, streamID, records, expectedVersion)
	if err != nil {
		return 0, err
	}

	if len(messages) > 0 {
		es.logger.Warn("outbox messages scheduled non-atomically; adapter does not implement OutboxAppender")
		if err := es.outbox.Schedule(ctx, messages); err != nil {
			es.logger.Error("failed to schedule outbox messages", "error", err)
			return 0, fmt.Errorf("strata: events appended but outbox scheduling failed: %w", err)
		}
	}

	return es.store.finishAppend(ctx, stored), nil
}
