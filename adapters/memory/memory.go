// Package memory implements the storage contracts on in-process maps. It is
// the adapter used by the test suite and is handy for prototyping; nothing
// survives a restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratastore/strata/adapters"
)

// Version sentinels re-exported for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

var (
	_ adapters.EventStoreAdapter   = (*Adapter)(nil)
	_ adapters.SubscriptionAdapter = (*Adapter)(nil)
	_ adapters.SnapshotAdapter     = (*Adapter)(nil)
	_ adapters.CheckpointAdapter   = (*Adapter)(nil)
	_ adapters.HealthChecker       = (*Adapter)(nil)
	_ adapters.OutboxAppender      = (*Adapter)(nil)
)

// Adapter keeps every committed event in one globally ordered log and
// indexes each stream by its offsets into that log. All methods are safe for
// concurrent use; Append holds the write lock for the whole
// check-then-commit sequence, which is what makes the version check atomic
// per stream.
type Adapter struct {
	mu        sync.RWMutex
	log       []adapters.StoredEvent
	byStream  map[string][]int
	streams   map[string]*adapters.StreamInfo
	snapshots map[string]adapters.SnapshotRecord
	marks     map[string]uint64
	closed    bool

	outbox adapters.OutboxStore

	subMu   sync.Mutex
	subs    map[uint64]chan adapters.StoredEvent
	nextSub uint64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithOutbox attaches an outbox store so AppendWithOutbox can schedule
// messages under the same lock as the append.
func WithOutbox(store adapters.OutboxStore) Option {
	return func(a *Adapter) {
		a.outbox = store
	}
}

// NewAdapter creates an empty in-memory adapter.
func NewAdapter(opts ...Option) *Adapter {
	a := &Adapter{
		byStream:  make(map[string][]int),
		streams:   make(map[string]*adapters.StreamInfo),
		snapshots: make(map[string]adapters.SnapshotRecord),
		marks:     make(map[string]uint64),
		subs:      make(map[uint64]chan adapters.StoredEvent),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Initialize is a no-op; there is no schema to create.
func (a *Adapter) Initialize(ctx context.Context) error {
	return nil
}

// Append commits events to a stream after the optimistic version check.
func (a *Adapter) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	stored, err := a.appendLocked(streamID, events, expectedVersion)
	a.mu.Unlock()
	if err != nil {
		return nil, err
	}

	a.fanOut(stored)
	return stored, nil
}

// AppendWithOutbox commits events and schedules their outbox messages while
// holding the adapter lock. Requires WithOutbox; without it the call fails.
func (a *Adapter) AppendWithOutbox(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64, messages []*adapters.OutboxMessage) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	if a.outbox == nil {
		a.mu.Unlock()
		return nil, ErrNoOutboxStore
	}
	undo := a.prepareUndo(streamID)
	stored, err := a.appendLocked(streamID, events, expectedVersion)
	if err != nil {
		a.mu.Unlock()
		return nil, err
	}
	// Events and messages commit together or not at all, matching the
	// transactional adapters: a Schedule failure reverts the append.
	if err := a.outbox.Schedule(ctx, messages); err != nil {
		undo()
		a.mu.Unlock()
		return nil, err
	}
	a.mu.Unlock()

	a.fanOut(stored)
	return stored, nil
}

// prepareUndo captures a stream's append-relevant state so a failed outbox
// schedule can revert a just-applied append. Must be called with a.mu held.
func (a *Adapter) prepareUndo(streamID string) func() {
	logLen := len(a.log)
	idxLen := len(a.byStream[streamID])
	info, hadStream := a.streams[streamID]
	var prev adapters.StreamInfo
	if hadStream {
		prev = *info
	}
	return func() {
		a.log = a.log[:logLen]
		if idxLen == 0 {
			delete(a.byStream, streamID)
		} else {
			a.byStream[streamID] = a.byStream[streamID][:idxLen]
		}
		if hadStream {
			*info = prev
		} else {
			delete(a.streams, streamID)
		}
	}
}

func (a *Adapter) appendLocked(streamID string, events []adapters.EventRecord, expectedVersion int64) ([]adapters.StoredEvent, error) {
	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}
	if len(events) == 0 {
		return nil, adapters.ErrNoEvents
	}

	info, exists := a.streams[streamID]
	var version int64
	if exists {
		version = info.Version
	}
	if err := adapters.CheckVersion(streamID, expectedVersion, version, exists); err != nil {
		return nil, err
	}

	now := time.Now()
	if !exists {
		info = &adapters.StreamInfo{
			StreamID:  streamID,
			Category:  adapters.ExtractCategory(streamID),
			CreatedAt: now,
		}
		a.streams[streamID] = info
	}

	stored := make([]adapters.StoredEvent, len(events))
	for i, rec := range events {
		version++
		ev := adapters.StoredEvent{
			ID:             uuid.NewString(),
			StreamID:       streamID,
			Type:           rec.Type,
			Data:           rec.Data,
			Metadata:       rec.Metadata,
			Version:        version,
			GlobalPosition: uint64(len(a.log)) + 1,
			Timestamp:      now,
		}
		a.byStream[streamID] = append(a.byStream[streamID], len(a.log))
		a.log = append(a.log, ev)
		stored[i] = ev
	}

	info.Version = version
	info.EventCount = int64(len(a.byStream[streamID]))
	info.UpdatedAt = now

	return stored, nil
}

// Load returns a stream's events after fromVersion. A missing stream yields
// an empty slice.
func (a *Adapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	offsets := a.byStream[streamID]
	events := make([]adapters.StoredEvent, 0, len(offsets))
	for _, off := range offsets {
		if a.log[off].Version > fromVersion {
			events = append(events, a.log[off])
		}
	}
	return events, nil
}

// GetStreamInfo returns stream metadata, or ErrStreamNotFound.
func (a *Adapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	info, exists := a.streams[streamID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}
	cp := *info
	return &cp, nil
}

// GetLastPosition returns the global position of the newest event.
func (a *Adapter) GetLastPosition(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}
	return uint64(len(a.log)), nil
}

// LoadFromPosition returns up to limit events after fromPosition in global
// order.
func (a *Adapter) LoadFromPosition(ctx context.Context, fromPosition uint64, limit int) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	limit = adapters.DefaultLimit(limit, 1000)

	// Positions are contiguous, so fromPosition doubles as a slice offset.
	if fromPosition >= uint64(len(a.log)) {
		return nil, nil
	}
	tail := a.log[fromPosition:]
	if len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]adapters.StoredEvent, len(tail))
	copy(out, tail)
	return out, nil
}

// SubscribeAll streams every event after fromPosition, then live commits.
func (a *Adapter) SubscribeAll(ctx context.Context, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	return a.subscribe(ctx, fromPosition, opts, nil)
}

// SubscribeStream streams one stream's events after fromVersion.
func (a *Adapter) SubscribeStream(ctx context.Context, streamID string, fromVersion int64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	keep := func(ev adapters.StoredEvent) bool {
		return ev.StreamID == streamID && ev.Version > fromVersion
	}
	return a.subscribe(ctx, 0, opts, keep)
}

// SubscribeCategory streams events of one category after fromPosition.
func (a *Adapter) SubscribeCategory(ctx context.Context, category string, fromPosition uint64, opts ...adapters.SubscriptionOptions) (<-chan adapters.StoredEvent, error) {
	keep := func(ev adapters.StoredEvent) bool {
		return adapters.ExtractCategory(ev.StreamID) == category
	}
	return a.subscribe(ctx, fromPosition, opts, keep)
}

func (a *Adapter) subscribe(ctx context.Context, fromPosition uint64, opts []adapters.SubscriptionOptions, keep func(adapters.StoredEvent) bool) (<-chan adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bufferSize := 100
	if len(opts) > 0 && opts[0].BufferSize > 0 {
		bufferSize = opts[0].BufferSize
	}

	// Register before snapshotting the backlog so a commit landing in
	// between still reaches src; the position check below drops anything
	// that ends up in both.
	src := make(chan adapters.StoredEvent, bufferSize)
	a.subMu.Lock()
	id := a.nextSub
	a.nextSub++
	a.subs[id] = src
	a.subMu.Unlock()

	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		a.dropSubscriber(id)
		return nil, adapters.ErrAdapterClosed
	}
	var backlog []adapters.StoredEvent
	if fromPosition < uint64(len(a.log)) {
		backlog = make([]adapters.StoredEvent, len(a.log[fromPosition:]))
		copy(backlog, a.log[fromPosition:])
	}
	a.mu.RUnlock()

	out := make(chan adapters.StoredEvent, bufferSize)
	go func() {
		defer close(out)
		defer a.dropSubscriber(id)

		for _, ev := range backlog {
			if keep != nil && !keep(ev) {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		seen := fromPosition + uint64(len(backlog))
		for {
			select {
			case ev, ok := <-src:
				if !ok {
					return
				}
				// Skip events already replayed from the backlog.
				if ev.GlobalPosition <= seen {
					continue
				}
				if keep != nil && !keep(ev) {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// fanOut pushes committed events to live subscribers without blocking; a
// full subscriber buffer drops events for that subscriber.
func (a *Adapter) fanOut(events []adapters.StoredEvent) {
	a.subMu.Lock()
	defer a.subMu.Unlock()

	for _, ch := range a.subs {
		for _, ev := range events {
			select {
			case ch <- ev:
			default:
			}
		}
	}
}

func (a *Adapter) dropSubscriber(id uint64) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	delete(a.subs, id)
}

// SaveSnapshot stores a snapshot, replacing any earlier one.
func (a *Adapter) SaveSnapshot(ctx context.Context, streamID string, version int64, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	a.snapshots[streamID] = adapters.SnapshotRecord{
		StreamID: streamID,
		Version:  version,
		Data:     data,
	}
	return nil
}

// LoadSnapshot returns the stream's snapshot, or nil, nil when absent.
func (a *Adapter) LoadSnapshot(ctx context.Context, streamID string) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}
	rec, exists := a.snapshots[streamID]
	if !exists {
		return nil, nil
	}
	cp := rec
	return &cp, nil
}

// DeleteSnapshot removes the stream's snapshot if one exists.
func (a *Adapter) DeleteSnapshot(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	delete(a.snapshots, streamID)
	return nil
}

// GetCheckpoint returns a consumer's last processed position, 0 when unset.
func (a *Adapter) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return 0, adapters.ErrAdapterClosed
	}
	return a.marks[projectionName], nil
}

// SetCheckpoint stores a consumer's last processed position.
func (a *Adapter) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	a.marks[projectionName] = position
	return nil
}

// Ping reports whether the adapter is open.
func (a *Adapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}
	return nil
}

// Close marks the adapter closed and disconnects live subscribers.
func (a *Adapter) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.subMu.Lock()
	for id, ch := range a.subs {
		close(ch)
		delete(a.subs, id)
	}
	a.subMu.Unlock()

	return nil
}

// Reset drops all events, streams, snapshots and checkpoints.
func (a *Adapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.log = nil
	a.byStream = make(map[string][]int)
	a.streams = make(map[string]*adapters.StreamInfo)
	a.snapshots = make(map[string]adapters.SnapshotRecord)
	a.marks = make(map[string]uint64)
}

// EventCount returns the total number of committed events.
func (a *Adapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.log)
}

// StreamCount returns the number of streams.
func (a *Adapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}
