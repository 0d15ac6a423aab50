package strata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/stratastore/strata/adapters"
)

// Repository loads and saves event-sourced aggregates of a single type. It
// rehydrates from the latest snapshot when one exists, replays only the
// events after it, and snapshots on a configurable interval after saves.
type Repository[A Aggregate] struct {
	store     *EventStore
	factory   func(id string) A
	snapshots adapters.SnapshotAdapter
	interval  int64
	async     bool
	logger    Logger

	// lastSnapshot tracks the version of the most recent snapshot per
	// aggregate ID, seeded on Load, so Save can decide whether the
	// interval has elapsed without a round trip to the snapshot store.
	mu           sync.Mutex
	lastSnapshot map[string]int64
}

// RepositoryOption configures a Repository.
type RepositoryOption[A Aggregate] func(*Repository[A])

// WithSnapshots enables snapshotting through the given adapter. A snapshot
// is taken after a save whenever at least interval events have been
// committed since the aggregate's last known snapshot. Aggregates that
// implement Snapshotter control their own encoding; others are snapshotted
// as JSON of their exported fields.
func WithSnapshots[A Aggregate](adapter adapters.SnapshotAdapter, interval int64) RepositoryOption[A] {
	return func(r *Repository[A]) {
		r.snapshots = adapter
		r.interval = interval
	}
}

// WithBackgroundSnapshots makes snapshot writes happen on a separate
// goroutine instead of inline after the save. The save itself never waits
// on the snapshot store either way; this only moves the serialization cost
// off the caller.
func WithBackgroundSnapshots[A Aggregate]() RepositoryOption[A] {
	return func(r *Repository[A]) {
		r.async = true
	}
}

// WithRepositoryLogger sets the logger used for snapshot failures.
func WithRepositoryLogger[A Aggregate](l Logger) RepositoryOption[A] {
	return func(r *Repository[A]) {
		r.logger = l
	}
}

// NewRepository creates a repository for one aggregate type. The factory
// must return a fresh zero-state aggregate carrying the given ID.
func NewRepository[A Aggregate](store *EventStore, factory func(id string) A, opts ...RepositoryOption[A]) *Repository[A] {
	r := &Repository[A]{
		store:        store,
		factory:      factory,
		logger:       store.Logger(),
		lastSnapshot: make(map[string]int64),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load rehydrates the aggregate with the given ID. When a snapshot exists
// its state is restored first and only later events are replayed; a failing
// snapshot store degrades to a full replay and is never surfaced. Returns
// an AggregateNotFoundError when the aggregate has neither a snapshot nor
// any events.
func (r *Repository[A]) Load(ctx context.Context, id string) (A, error) {
	agg := r.factory(id)

	restored, err := r.restoreSnapshot(ctx, agg)
	if err != nil {
		// Snapshots are an optimization: a broken snapshot store must not
		// make the aggregate unloadable. Discard whatever the failed
		// restore left in the aggregate and rebuild from the full history.
		r.logger.Warn("snapshot restore failed, replaying full history",
			"streamId", BuildStreamID(agg.AggregateType(), id), "error", err)
		agg = r.factory(id)
		restored = false
	}

	versionBefore := agg.Version()
	if err := r.store.LoadAggregate(ctx, agg); err != nil {
		var zero A
		return zero, err
	}

	if !restored && agg.Version() == versionBefore {
		var zero A
		return zero, NewAggregateNotFoundError(BuildStreamID(agg.AggregateType(), id))
	}

	return agg, nil
}

// restoreSnapshot loads the latest snapshot into the aggregate, if
// snapshotting is configured and one exists. It reports whether state was
// restored and records the snapshot version for the interval policy.
func (r *Repository[A]) restoreSnapshot(ctx context.Context, agg A) (bool, error) {
	if r.snapshots == nil {
		return false, nil
	}

	snapper := snapshotterFor(agg)

	streamID := BuildStreamID(agg.AggregateType(), agg.AggregateID())
	record, err := r.snapshots.LoadSnapshot(ctx, streamID)
	if err != nil {
		return false, fmt.Errorf("load snapshot: %w", err)
	}
	if record == nil {
		return false, nil
	}

	if err := snapper.RestoreSnapshot(record.Data); err != nil {
		return false, fmt.Errorf("restore snapshot state: %w", err)
	}
	if setter, ok := Aggregate(agg).(VersionSetter); ok {
		setter.SetVersion(record.Version)
	}

	r.mu.Lock()
	r.lastSnapshot[agg.AggregateID()] = record.Version
	r.mu.Unlock()

	return true, nil
}

// Save commits the aggregate's uncommitted events under its current
// version and returns the committed stream version, or a ConcurrencyError
// on conflict. After a successful commit the snapshot interval policy runs;
// snapshot failures are logged and never surfaced, since the events are
// already durable.
func (r *Repository[A]) Save(ctx context.Context, agg A) (int64, error) {
	committed, err := r.store.SaveAggregate(ctx, agg)
	if err != nil {
		return 0, err
	}

	r.maybeSnapshot(ctx, agg, committed)
	return committed, nil
}

// maybeSnapshot takes a snapshot when at least interval events separate the
// committed version from the last known snapshot.
func (r *Repository[A]) maybeSnapshot(ctx context.Context, agg A, committed int64) {
	if r.snapshots == nil || r.interval <= 0 {
		return
	}
	snapper := snapshotterFor(agg)

	r.mu.Lock()
	base := r.lastSnapshot[agg.AggregateID()]
	due := committed-base >= r.interval
	if due {
		r.lastSnapshot[agg.AggregateID()] = committed
	}
	r.mu.Unlock()

	if !due {
		return
	}

	if r.async {
		go r.writeSnapshot(context.WithoutCancel(ctx), agg, snapper, committed)
	} else {
		r.writeSnapshot(ctx, agg, snapper, committed)
	}
}

func (r *Repository[A]) writeSnapshot(ctx context.Context, agg A, snapper Snapshotter, version int64) {
	streamID := BuildStreamID(agg.AggregateType(), agg.AggregateID())

	state, err := snapper.SnapshotState()
	if err != nil {
		r.logger.Warn("snapshot state capture failed", "streamId", streamID, "error", err)
		return
	}

	if err := r.snapshots.SaveSnapshot(ctx, streamID, version, state); err != nil {
		r.logger.Warn("snapshot write failed", "streamId", streamID, "version", version, "error", err)
	}
}

// snapshotterFor returns the aggregate's own Snapshotter implementation, or
// a JSON fallback over its exported fields.
func snapshotterFor(agg Aggregate) Snapshotter {
	if snapper, ok := agg.(Snapshotter); ok {
		return snapper
	}
	return jsonSnapshotter{agg: agg}
}

type jsonSnapshotter struct {
	agg Aggregate
}

func (s jsonSnapshotter) SnapshotState() ([]byte, error) {
	return json.Marshal(s.agg)
}

func (s jsonSnapshotter) RestoreSnapshot(data []byte) error {
	return json.Unmarshal(data, s.agg)
}

// Exists reports whether the aggregate has any events or a snapshot.
func (r *Repository[A]) Exists(ctx context.Context, id string) (bool, error) {
	_, err := r.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAggregateNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
