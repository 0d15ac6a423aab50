package strata

import (
	"context"
	"sync"
	"time"
)

// Subscription is a live feed of stored events.
type Subscription interface {
	// Events returns the delivery channel. It is closed when the
	// subscription stops.
	Events() <-chan StoredEvent

	// Close stops the subscription.
	Close() error

	// Err returns the error that terminated the subscription, if any.
	Err() error
}

// SubscriptionOptions configures event delivery.
type SubscriptionOptions struct {
	// BufferSize is the delivery channel capacity. Default 256.
	BufferSize int

	// Filter restricts which events are delivered.
	Filter EventFilter

	// RetryOnError keeps polling through transient read errors.
	// Default true.
	RetryOnError bool

	// BatchSize caps events fetched per poll. Default 100.
	BatchSize int
}

// DefaultSubscriptionOptions returns the default subscription options.
func DefaultSubscriptionOptions() SubscriptionOptions {
	return SubscriptionOptions{
		BufferSize:   256,
		RetryOnError: true,
		BatchSize:    100,
	}
}

// EventFilter decides which events a subscription delivers.
type EventFilter interface {
	// Matches reports whether the event should be delivered.
	Matches(event StoredEvent) bool
}

// EventFilterFunc adapts a function to EventFilter.
type EventFilterFunc func(event StoredEvent) bool

// Matches calls the function.
func (f EventFilterFunc) Matches(event StoredEvent) bool {
	return f(event)
}

// EventTypeFilter matches events whose type is in a fixed set.
type EventTypeFilter struct {
	eventTypes map[string]struct{}
}

// NewEventTypeFilter creates a filter over the given event types.
func NewEventTypeFilter(eventTypes ...string) *EventTypeFilter {
	f := &EventTypeFilter{
		eventTypes: make(map[string]struct{}, len(eventTypes)),
	}
	for _, t := range eventTypes {
		f.eventTypes[t] = struct{}{}
	}
	return f
}

// Matches reports whether the event's type is in the set.
func (f *EventTypeFilter) Matches(event StoredEvent) bool {
	_, ok := f.eventTypes[event.Type]
	return ok
}

// CategoryFilter matches events whose stream belongs to one category.
type CategoryFilter struct {
	category string
}

// NewCategoryFilter creates a filter for one stream category.
func NewCategoryFilter(category string) *CategoryFilter {
	return &CategoryFilter{category: category}
}

// Matches reports whether the event's stream is in the category.
func (f *CategoryFilter) Matches(event StoredEvent) bool {
	streamID, err := ParseStreamID(event.StreamID)
	if err != nil {
		return false
	}
	return streamID.Category == f.category
}

// CompositeFilter matches when every wrapped filter matches.
type CompositeFilter struct {
	filters []EventFilter
}

// NewCompositeFilter combines filters with AND semantics.
func NewCompositeFilter(filters ...EventFilter) *CompositeFilter {
	return &CompositeFilter{filters: filters}
}

// Matches reports whether all filters match.
func (f *CompositeFilter) Matches(event StoredEvent) bool {
	for _, filter := range f.filters {
		if !filter.Matches(event) {
			return false
		}
	}
	return true
}

// CatchupSubscription replays historical events from a position, then
// transitions to polling for new ones. The cursor advances only after each
// event is delivered, so nothing is skipped across the transition.
type CatchupSubscription struct {
	store *EventStore
	opts  SubscriptionOptions

	eventCh chan StoredEvent
	stopCh  chan struct{}

	mu       sync.RWMutex
	position uint64
	err      error
	closed   bool
	started  bool
}

// NewCatchupSubscription creates a catch-up subscription starting after
// fromPosition. Call Start to begin delivery.
func NewCatchupSubscription(store *EventStore, fromPosition uint64, opts ...SubscriptionOptions) (*CatchupSubscription, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	options := DefaultSubscriptionOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}

	return &CatchupSubscription{
		store:    store,
		opts:     options,
		position: fromPosition,
		eventCh:  make(chan StoredEvent, options.BufferSize),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the subscription: catch-up first, then polling at the
// given interval. Calling Start twice is a no-op.
func (s *CatchupSubscription) Start(ctx context.Context, pollInterval time.Duration) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	if s.closed {
		s.mu.Unlock()
		return ErrAdapterClosed
	}
	s.started = true
	s.mu.Unlock()

	go s.run(ctx, pollInterval)
	return nil
}

func (s *CatchupSubscription) run(ctx context.Context, pollInterval time.Duration) {
	defer close(s.eventCh)

	// Phase 1: drain the backlog.
	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.stopCh:
			return
		default:
		}

		events, err := s.store.LoadEventsFromPosition(ctx, s.Position(), s.opts.BatchSize)
		if err != nil {
			s.setErr(err)
			return
		}
		if len(events) == 0 {
			break
		}
		if !s.deliver(ctx, events) {
			return
		}
	}

	// Phase 2: poll for new events.
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			events, err := s.store.LoadEventsFromPosition(ctx, s.Position(), s.opts.BatchSize)
			if err != nil {
				if !s.opts.RetryOnError {
					s.setErr(err)
					return
				}
				continue
			}
			if !s.deliver(ctx, events) {
				return
			}
		}
	}
}

// deliver pushes events to the channel, advancing the cursor per event.
// Returns false when the subscription should stop.
func (s *CatchupSubscription) deliver(ctx context.Context, events []StoredEvent) bool {
	for _, event := range events {
		if s.opts.Filter != nil && !s.opts.Filter.Matches(event) {
			s.setPosition(event.GlobalPosition)
			continue
		}

		select {
		case s.eventCh <- event:
			s.setPosition(event.GlobalPosition)
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return false
		case <-s.stopCh:
			return false
		}
	}
	return true
}

// Events returns the delivery channel.
func (s *CatchupSubscription) Events() <-chan StoredEvent {
	return s.eventCh
}

// Close stops the subscription.
func (s *CatchupSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

// Err returns the error that terminated the subscription.
func (s *CatchupSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Position returns the last delivered global position.
func (s *CatchupSubscription) Position() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

func (s *CatchupSubscription) setPosition(pos uint64) {
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
}

func (s *CatchupSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// PollingSubscription delivers new events on a fixed polling cadence with
// no catch-up phase.
type PollingSubscription struct {
	store *EventStore
	opts  SubscriptionOptions

	eventCh chan StoredEvent
	stopCh  chan struct{}

	mu       sync.RWMutex
	position uint64
	err      error
	closed   bool
}

// NewPollingSubscription creates a polling subscription starting after
// fromPosition.
func NewPollingSubscription(store *EventStore, fromPosition uint64, opts ...SubscriptionOptions) *PollingSubscription {
	options := DefaultSubscriptionOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BatchSize <= 0 {
		options.BatchSize = 100
	}

	return &PollingSubscription{
		store:    store,
		opts:     options,
		eventCh:  make(chan StoredEvent, options.BufferSize),
		stopCh:   make(chan struct{}),
		position: fromPosition,
	}
}

// Start begins polling at the given interval.
func (s *PollingSubscription) Start(ctx context.Context, pollInterval time.Duration) {
	go s.poll(ctx, pollInterval)
}

func (s *PollingSubscription) poll(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(s.eventCh)

	for {
		select {
		case <-ctx.Done():
			s.setErr(ctx.Err())
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.mu.RLock()
			from := s.position
			s.mu.RUnlock()

			events, err := s.store.LoadEventsFromPosition(ctx, from, s.opts.BatchSize)
			if err != nil {
				if !s.opts.RetryOnError {
					s.setErr(err)
					return
				}
				continue
			}

			for _, event := range events {
				if s.opts.Filter != nil && !s.opts.Filter.Matches(event) {
					s.setPosition(event.GlobalPosition)
					continue
				}

				select {
				case s.eventCh <- event:
					s.setPosition(event.GlobalPosition)
				case <-ctx.Done():
					s.setErr(ctx.Err())
					return
				case <-s.stopCh:
					return
				}
			}
		}
	}
}

// Events returns the delivery channel.
func (s *PollingSubscription) Events() <-chan StoredEvent {
	return s.eventCh
}

// Close stops the subscription.
func (s *PollingSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	return nil
}

// Err returns the error that terminated the subscription.
func (s *PollingSubscription) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *PollingSubscription) setPosition(pos uint64) {
	s.mu.Lock()
	s.position = pos
	s.mu.Unlock()
}

func (s *PollingSubscription) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
