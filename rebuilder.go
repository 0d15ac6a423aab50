package strata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ProjectionRebuilder reconstructs a projection's read model by replaying
// the event log from the beginning. The rebuild runs in two phases: a bulk
// replay up to the head position captured when the rebuild started, then a
// catch-up phase that drains whatever was appended while the replay ran.
// When the rebuild finishes, the projection's state equals what incremental
// processing of the same log would have produced.
type ProjectionRebuilder struct {
	store           *EventStore
	checkpointStore CheckpointStore
	logger          Logger
	metrics         ProjectionMetrics

	batchSize int
}

// ProjectionRebuilderOption configures a ProjectionRebuilder.
type ProjectionRebuilderOption func(*ProjectionRebuilder)

// WithRebuilderBatchSize sets how many events one replay batch fetches.
func WithRebuilderBatchSize(size int) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.batchSize = size
	}
}

// WithRebuilderLogger sets the rebuilder logger.
func WithRebuilderLogger(logger Logger) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.logger = logger
	}
}

// WithRebuilderMetrics sets the metrics collector.
func WithRebuilderMetrics(metrics ProjectionMetrics) ProjectionRebuilderOption {
	return func(r *ProjectionRebuilder) {
		r.metrics = metrics
	}
}

// NewProjectionRebuilder creates a rebuilder over the given store and
// checkpoint store.
func NewProjectionRebuilder(store *EventStore, checkpointStore CheckpointStore, opts ...ProjectionRebuilderOption) *ProjectionRebuilder {
	r := &ProjectionRebuilder{
		store:           store,
		checkpointStore: checkpointStore,
		logger:          &noopLogger{},
		metrics:         &noopProjectionMetrics{},
		batchSize:       1000,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RebuildProgress is a snapshot of a running rebuild, delivered to the
// progress callback.
type RebuildProgress struct {
	ProjectionName string

	// TotalEvents is the number of events between the start position and
	// the head captured when the rebuild began.
	TotalEvents uint64

	ProcessedEvents uint64
	CurrentPosition uint64
	StartedAt       time.Time
	Duration        time.Duration
	EventsPerSecond float64

	// EstimatedRemaining extrapolates from the processing rate so far.
	EstimatedRemaining time.Duration

	// CatchingUp reports that the bulk replay is done and the rebuild is
	// draining events appended while it ran.
	CatchingUp bool

	Completed bool
	Error     error
}

// ProgressCallback receives periodic RebuildProgress updates.
type ProgressCallback func(progress RebuildProgress)

// RebuildOptions configures one rebuild run.
type RebuildOptions struct {
	// DeleteCheckpoint removes the stored checkpoint before replaying.
	// Default true.
	DeleteCheckpoint bool

	// ClearReadModel calls Clear on projections implementing Clearable
	// before replaying. Default true.
	ClearReadModel bool

	// ProgressCallback, if set, is invoked every ProgressInterval.
	ProgressCallback ProgressCallback

	// ProgressInterval defaults to one second.
	ProgressInterval time.Duration

	// FromPosition starts the replay after this global position.
	FromPosition uint64

	// ToPosition, when non-zero, stops the replay at this position and
	// skips the catch-up phase.
	ToPosition uint64
}

// DefaultRebuildOptions returns the default rebuild options.
func DefaultRebuildOptions() RebuildOptions {
	return RebuildOptions{
		DeleteCheckpoint: true,
		ClearReadModel:   true,
		ProgressInterval: time.Second,
	}
}

// Clearable is implemented by projections whose read model can be wiped
// before a rebuild.
type Clearable interface {
	// Clear removes all data from the read model.
	Clear(ctx context.Context) error
}

// RebuildAsync rebuilds an async projection from scratch.
func (r *ProjectionRebuilder) RebuildAsync(ctx context.Context, projection AsyncProjection, opts ...RebuildOptions) error {
	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	return r.rebuild(ctx, projection, func(ctx context.Context, events []StoredEvent) error {
		return applyBatchOrSequential(ctx, projection, events)
	}, options)
}

// RebuildInline rebuilds an inline projection from scratch.
func (r *ProjectionRebuilder) RebuildInline(ctx context.Context, projection InlineProjection, opts ...RebuildOptions) error {
	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	return r.rebuild(ctx, projection, func(ctx context.Context, events []StoredEvent) error {
		for _, event := range events {
			if err := projection.Apply(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}, options)
}

func (r *ProjectionRebuilder) rebuild(ctx context.Context, projection Projection, processBatch func(context.Context, []StoredEvent) error, options RebuildOptions) error {
	name := projection.Name()
	r.logger.Info("starting projection rebuild", "projection", name)
	startTime := time.Now()

	if options.DeleteCheckpoint && r.checkpointStore != nil {
		if err := r.checkpointStore.DeleteCheckpoint(ctx, name); err != nil {
			r.logger.Warn("failed to delete checkpoint", "projection", name, "error", err)
		}
	}

	if options.ClearReadModel {
		if clearable, ok := projection.(Clearable); ok {
			if err := clearable.Clear(ctx); err != nil {
				return fmt.Errorf("strata: failed to clear read model for %s: %w", name, err)
			}
		}
	}

	// The head at start is the replay target. Events appended after this
	// point are picked up by the catch-up phase.
	head, err := r.store.GetLastPosition(ctx)
	if err != nil {
		return fmt.Errorf("strata: failed to read head position: %w", err)
	}
	replayTo := head
	if options.ToPosition > 0 && options.ToPosition < replayTo {
		replayTo = options.ToPosition
	}

	var totalEvents uint64
	if replayTo > options.FromPosition {
		totalEvents = replayTo - options.FromPosition
	}

	var progressTicker *time.Ticker
	if options.ProgressCallback != nil && options.ProgressInterval > 0 {
		progressTicker = time.NewTicker(options.ProgressInterval)
		defer progressTicker.Stop()
	}

	state := rebuildState{
		position:    options.FromPosition,
		totalEvents: totalEvents,
		startTime:   startTime,
	}

	// Phase 1: bulk replay to the captured head.
	if err := r.replayTo(ctx, projection, processBatch, &state, replayTo, progressTicker, options); err != nil {
		return err
	}

	// Phase 2: catch up on events appended during the replay, repeating
	// until the gap to the live head is closed. Bounded-position rebuilds
	// stop at the requested position instead.
	if options.ToPosition == 0 {
		state.catchingUp = true
		for {
			head, err := r.store.GetLastPosition(ctx)
			if err != nil {
				return fmt.Errorf("strata: failed to read head position: %w", err)
			}
			if state.position >= head {
				break
			}
			if err := r.replayTo(ctx, projection, processBatch, &state, head, progressTicker, options); err != nil {
				return err
			}
		}
	}

	if options.ProgressCallback != nil {
		p := r.progress(projection.Name(), &state)
		p.Completed = true
		options.ProgressCallback(p)
	}

	r.logger.Info("projection rebuild completed",
		"projection", name,
		"events", state.processed,
		"duration", time.Since(startTime))
	return nil
}

type rebuildState struct {
	position    uint64
	processed   uint64
	totalEvents uint64
	startTime   time.Time
	catchingUp  bool
}

// replayTo drains the log from the current position up to target,
// checkpointing after each batch.
func (r *ProjectionRebuilder) replayTo(ctx context.Context, projection Projection, processBatch func(context.Context, []StoredEvent) error, state *rebuildState, target uint64, progressTicker *time.Ticker, options RebuildOptions) error {
	handled := projection.HandledEvents()

	for state.position < target {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if progressTicker != nil {
			select {
			case <-progressTicker.C:
				options.ProgressCallback(r.progress(projection.Name(), state))
			default:
			}
		}

		events, err := r.store.LoadEventsFromPosition(ctx, state.position, r.batchSize)
		if err != nil {
			return fmt.Errorf("strata: failed to load events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		// Trim the batch to the target so the catch-up accounting stays
		// exact.
		for len(events) > 0 && events[len(events)-1].GlobalPosition > target {
			events = events[:len(events)-1]
		}
		if len(events) == 0 {
			return nil
		}

		var batch []StoredEvent
		for _, event := range events {
			if ShouldHandleEventType(handled, event.Type) {
				batch = append(batch, event)
			}
		}

		if len(batch) > 0 {
			if err := processBatch(ctx, batch); err != nil {
				return fmt.Errorf("strata: failed to process batch: %w", err)
			}
		}

		last := events[len(events)-1].GlobalPosition
		state.position = last
		state.processed += uint64(len(events))

		if r.checkpointStore != nil {
			if err := r.checkpointStore.SetCheckpoint(ctx, projection.Name(), last); err != nil {
				r.logger.Warn("failed to save checkpoint", "projection", projection.Name(), "error", err)
			} else {
				r.metrics.RecordCheckpoint(projection.Name(), last)
			}
		}
	}
	return nil
}

func (r *ProjectionRebuilder) progress(name string, state *rebuildState) RebuildProgress {
	duration := time.Since(state.startTime)
	var rate float64
	var remaining time.Duration

	if duration.Seconds() > 0 {
		rate = float64(state.processed) / duration.Seconds()
		if rate > 0 && state.totalEvents > state.processed {
			remaining = time.Duration(float64(state.totalEvents-state.processed)/rate) * time.Second
		}
	}

	return RebuildProgress{
		ProjectionName:     name,
		TotalEvents:        state.totalEvents,
		ProcessedEvents:    state.processed,
		CurrentPosition:    state.position,
		StartedAt:          state.startTime,
		Duration:           duration,
		EventsPerSecond:    rate,
		EstimatedRemaining: remaining,
		CatchingUp:         state.catchingUp,
	}
}

// applyBatchOrSequential uses the projection's batch path when it has one
// and falls back to per-event Apply otherwise.
func applyBatchOrSequential(ctx context.Context, projection AsyncProjection, events []StoredEvent) error {
	err := projection.ApplyBatch(ctx, events)
	if errors.Is(err, ErrNotImplemented) {
		for _, event := range events {
			if err := projection.Apply(ctx, event); err != nil {
				return err
			}
		}
		return nil
	}
	return err
}

// ParallelRebuilder rebuilds several projections concurrently, each over
// its own replay cursor.
type ParallelRebuilder struct {
	rebuilder   *ProjectionRebuilder
	concurrency int
}

// NewParallelRebuilder wraps a rebuilder with a concurrency bound.
func NewParallelRebuilder(rebuilder *ProjectionRebuilder, concurrency int) *ParallelRebuilder {
	if concurrency < 1 {
		concurrency = 1
	}
	return &ParallelRebuilder{
		rebuilder:   rebuilder,
		concurrency: concurrency,
	}
}

// RebuildAll rebuilds the given async projections, at most concurrency at a
// time. The first failure aborts projections not yet started.
func (pr *ParallelRebuilder) RebuildAll(ctx context.Context, projections []AsyncProjection, opts ...RebuildOptions) error {
	if len(projections) == 0 {
		return nil
	}

	options := DefaultRebuildOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(projections))
	sem := make(chan struct{}, pr.concurrency)
	var failed atomic.Int32

	for _, projection := range projections {
		wg.Add(1)
		go func(p AsyncProjection) {
			defer wg.Done()

			if failed.Load() > 0 {
				return
			}

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}

			if err := pr.rebuilder.RebuildAsync(ctx, p, options); err != nil {
				failed.Add(1)
				errCh <- fmt.Errorf("strata: failed to rebuild %s: %w", p.Name(), err)
			}
		}(projection)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		return err
	}
	return nil
}
