package strata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ProjectionEngine owns the lifecycle of registered projections. It is a
// CommitObserver: register it on the event store with ObserveCommits and
// every committed batch flows through the inline projections and live
// subscribers; async projections tail the global log in background workers
// with checkpoints.
type ProjectionEngine struct {
	store           *EventStore
	checkpointStore CheckpointStore
	metrics         ProjectionMetrics
	logger          Logger

	inlineMu sync.RWMutex
	inline   []InlineProjection

	asyncMu sync.RWMutex
	async   map[string]*asyncWorker

	liveMu sync.RWMutex
	live   map[string]*liveWorker

	running atomic.Bool
	wg      sync.WaitGroup
	stopCh  chan struct{}
}

// ProjectionEngineOption configures a ProjectionEngine.
type ProjectionEngineOption func(*ProjectionEngine)

// WithCheckpointStore sets the checkpoint store used by async workers.
func WithCheckpointStore(store CheckpointStore) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.checkpointStore = store
	}
}

// WithProjectionMetrics sets the metrics collector.
func WithProjectionMetrics(metrics ProjectionMetrics) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.metrics = metrics
	}
}

// WithProjectionLogger sets the engine logger.
func WithProjectionLogger(logger Logger) ProjectionEngineOption {
	return func(e *ProjectionEngine) {
		e.logger = logger
	}
}

// NewProjectionEngine creates an engine bound to the given event store.
func NewProjectionEngine(store *EventStore, opts ...ProjectionEngineOption) *ProjectionEngine {
	e := &ProjectionEngine{
		store:   store,
		metrics: &noopProjectionMetrics{},
		logger:  &noopLogger{},
		async:   make(map[string]*asyncWorker),
		live:    make(map[string]*liveWorker),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AsyncOptions configures one async projection's worker.
type AsyncOptions struct {
	// BatchSize caps how many events one poll fetches. Default 100.
	BatchSize int

	// PollInterval is the idle polling cadence. Default 100ms.
	PollInterval time.Duration

	// RetryPolicy controls backoff after processing errors.
	RetryPolicy RetryPolicy

	// StartFromBeginning ignores the stored checkpoint and replays the
	// whole log on start.
	StartFromBeginning bool
}

// DefaultAsyncOptions returns the defaults for async workers.
func DefaultAsyncOptions() AsyncOptions {
	return AsyncOptions{
		BatchSize:    100,
		PollInterval: 100 * time.Millisecond,
		RetryPolicy:  ExponentialBackoffRetry(3, 100*time.Millisecond, 10*time.Second),
	}
}

// LiveOptions configures one live projection's delivery channel.
type LiveOptions struct {
	// BufferSize is the event channel capacity. Default 1000.
	BufferSize int
}

// DefaultLiveOptions returns the defaults for live workers.
func DefaultLiveOptions() LiveOptions {
	return LiveOptions{BufferSize: 1000}
}

// RetryPolicy decides whether and when to retry a failed operation.
type RetryPolicy interface {
	// ShouldRetry reports whether attempt (0-based) should be retried.
	ShouldRetry(attempt int, err error) bool

	// Delay returns how long to wait before the given attempt.
	Delay(attempt int) time.Duration
}

type exponentialBackoffRetry struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// ExponentialBackoffRetry doubles the delay per attempt, capped at maxDelay.
func ExponentialBackoffRetry(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return &exponentialBackoffRetry{
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (r *exponentialBackoffRetry) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < r.maxRetries
}

func (r *exponentialBackoffRetry) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// shift is capped so the multiplication cannot overflow int64
	if attempt > 62 {
		return r.maxDelay
	}
	delay := r.baseDelay * (1 << uint(attempt))
	if delay > r.maxDelay {
		delay = r.maxDelay
	}
	return delay
}

type noRetry struct{}

// NoRetry returns a policy that never retries.
func NoRetry() RetryPolicy {
	return &noRetry{}
}

func (r *noRetry) ShouldRetry(attempt int, err error) bool { return false }

func (r *noRetry) Delay(attempt int) time.Duration { return 0 }

func validateProjection(projection Projection) error {
	if projection == nil {
		return ErrNilProjection
	}
	if projection.Name() == "" {
		return ErrEmptyProjectionName
	}
	return nil
}

// RegisterInline registers a synchronous projection updated on the append
// path.
func (e *ProjectionEngine) RegisterInline(projection InlineProjection) error {
	if err := validateProjection(projection); err != nil {
		return err
	}

	e.inlineMu.Lock()
	defer e.inlineMu.Unlock()

	for _, p := range e.inline {
		if p.Name() == projection.Name() {
			return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, projection.Name())
		}
	}

	e.inline = append(e.inline, projection)
	e.logger.Info("registered inline projection", "name", projection.Name())
	return nil
}

// RegisterAsync registers a background projection with checkpointed,
// at-least-once delivery.
func (e *ProjectionEngine) RegisterAsync(projection AsyncProjection, opts ...AsyncOptions) error {
	if err := validateProjection(projection); err != nil {
		return err
	}

	options := DefaultAsyncOptions()
	if len(opts) > 0 {
		options = opts[0]
	}

	e.asyncMu.Lock()
	defer e.asyncMu.Unlock()

	if _, exists := e.async[projection.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, projection.Name())
	}

	e.async[projection.Name()] = &asyncWorker{
		projection: projection,
		options:    options,
		stopCh:     make(chan struct{}),
		state:      ProjectionStateStopped,
	}
	e.logger.Info("registered async projection", "name", projection.Name())
	return nil
}

// RegisterLive registers a real-time projection with best-effort delivery.
func (e *ProjectionEngine) RegisterLive(projection LiveProjection, opts ...LiveOptions) error {
	if err := validateProjection(projection); err != nil {
		return err
	}

	options := DefaultLiveOptions()
	if len(opts) > 0 {
		options = opts[0]
	}
	if options.BufferSize <= 0 {
		options.BufferSize = 1000
	}

	e.liveMu.Lock()
	defer e.liveMu.Unlock()

	if _, exists := e.live[projection.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrProjectionAlreadyRegistered, projection.Name())
	}

	e.live[projection.Name()] = &liveWorker{
		projection: projection,
		stopCh:     make(chan struct{}),
		eventCh:    make(chan StoredEvent, options.BufferSize),
		state:      ProjectionStateStopped,
	}
	e.logger.Info("registered live projection", "name", projection.Name())
	return nil
}

// Unregister removes a projection by name, stopping its worker if running.
func (e *ProjectionEngine) Unregister(name string) error {
	if name == "" {
		return ErrEmptyProjectionName
	}

	e.inlineMu.Lock()
	for i, p := range e.inline {
		if p.Name() == name {
			e.inline = append(e.inline[:i], e.inline[i+1:]...)
			e.inlineMu.Unlock()
			return nil
		}
	}
	e.inlineMu.Unlock()

	e.asyncMu.Lock()
	if worker, exists := e.async[name]; exists {
		worker.closeOnce.Do(func() { close(worker.stopCh) })
		delete(e.async, name)
		e.asyncMu.Unlock()
		return nil
	}
	e.asyncMu.Unlock()

	e.liveMu.Lock()
	if worker, exists := e.live[name]; exists {
		worker.closeOnce.Do(func() { close(worker.stopCh) })
		delete(e.live, name)
		e.liveMu.Unlock()
		return nil
	}
	e.liveMu.Unlock()

	return fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
}

// Start launches the async and live workers. Inline projections need no
// worker; they run on the append path as soon as the engine observes
// commits.
func (e *ProjectionEngine) Start(ctx context.Context) error {
	if e.running.Load() {
		return ErrEngineAlreadyRunning
	}

	e.asyncMu.RLock()
	hasAsync := len(e.async) > 0
	e.asyncMu.RUnlock()
	if hasAsync && e.checkpointStore == nil {
		return ErrNoCheckpointStore
	}

	e.running.Store(true)
	e.stopCh = make(chan struct{})

	e.asyncMu.RLock()
	for _, worker := range e.async {
		e.wg.Add(1)
		go e.runAsyncWorker(ctx, worker)
	}
	e.asyncMu.RUnlock()

	e.liveMu.RLock()
	for _, worker := range e.live {
		e.wg.Add(1)
		go e.runLiveWorker(ctx, worker)
	}
	e.liveMu.RUnlock()

	e.logger.Info("projection engine started")
	return nil
}

// Stop shuts down all workers, waiting until they exit or ctx expires.
func (e *ProjectionEngine) Stop(ctx context.Context) error {
	if !e.running.Load() {
		return nil
	}

	close(e.stopCh)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.running.Store(false)
		e.logger.Info("projection engine stopped")
		return nil
	case <-ctx.Done():
		e.running.Store(false)
		return ctx.Err()
	}
}

// IsRunning reports whether the engine has been started.
func (e *ProjectionEngine) IsRunning() bool {
	return e.running.Load()
}

// EventsCommitted implements CommitObserver. Inline projections are applied
// synchronously, in commit order; a failing projection is logged, counted
// and skipped so it can never fail the append that triggered it. Live
// subscribers are then notified.
func (e *ProjectionEngine) EventsCommitted(ctx context.Context, events []StoredEvent) {
	e.applyInline(ctx, events)
	e.notifyLive(ctx, events)
}

func (e *ProjectionEngine) applyInline(ctx context.Context, events []StoredEvent) {
	e.inlineMu.RLock()
	projections := make([]InlineProjection, len(e.inline))
	copy(projections, e.inline)
	e.inlineMu.RUnlock()

	for _, event := range events {
		for _, projection := range projections {
			if !ShouldHandleEventType(projection.HandledEvents(), event.Type) {
				continue
			}

			start := time.Now()
			err := e.safeApply(ctx, projection, event)
			duration := time.Since(start)

			if err != nil {
				e.metrics.RecordEventProcessed(projection.Name(), event.Type, duration, false)
				e.metrics.RecordError(projection.Name(), err)
				e.logger.Error("inline projection failed",
					"projection", projection.Name(),
					"eventType", event.Type,
					"streamId", event.StreamID,
					"position", event.GlobalPosition,
					"error", err)
				continue
			}
			e.metrics.RecordEventProcessed(projection.Name(), event.Type, duration, true)
		}
	}
}

// safeApply shields the writer path from panicking projections.
func (e *ProjectionEngine) safeApply(ctx context.Context, projection InlineProjection, event StoredEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strata: projection %s panicked: %v", projection.Name(), r)
		}
	}()
	return projection.Apply(ctx, event)
}

func (e *ProjectionEngine) notifyLive(ctx context.Context, events []StoredEvent) {
	e.liveMu.RLock()
	defer e.liveMu.RUnlock()

	for _, worker := range e.live {
		worker.stateMu.RLock()
		running := worker.state == ProjectionStateRunning
		eventCh := worker.eventCh
		worker.stateMu.RUnlock()

		if !running || eventCh == nil {
			continue
		}

		for _, event := range events {
			if !ShouldHandleEventType(worker.projection.HandledEvents(), event.Type) {
				continue
			}

			// Delivery is best effort: a full buffer drops the event
			// rather than stalling the writer.
			select {
			case eventCh <- event:
			default:
				e.logger.Warn("live projection buffer full, dropping event",
					"projection", worker.projection.Name(),
					"eventType", event.Type)
			}
		}
	}
}

// GetStatus returns the status of the named projection.
func (e *ProjectionEngine) GetStatus(name string) (*ProjectionStatus, error) {
	e.asyncMu.RLock()
	if worker, exists := e.async[name]; exists {
		e.asyncMu.RUnlock()
		return worker.status(), nil
	}
	e.asyncMu.RUnlock()

	e.liveMu.RLock()
	if worker, exists := e.live[name]; exists {
		e.liveMu.RUnlock()
		return worker.status(), nil
	}
	e.liveMu.RUnlock()

	e.inlineMu.RLock()
	for _, p := range e.inline {
		if p.Name() == name {
			e.inlineMu.RUnlock()
			return &ProjectionStatus{Name: name, State: ProjectionStateRunning}, nil
		}
	}
	e.inlineMu.RUnlock()

	return nil, fmt.Errorf("%w: %s", ErrProjectionNotFound, name)
}

// GetAllStatuses returns the status of every registered projection.
func (e *ProjectionEngine) GetAllStatuses() []*ProjectionStatus {
	var statuses []*ProjectionStatus

	e.asyncMu.RLock()
	for _, worker := range e.async {
		statuses = append(statuses, worker.status())
	}
	e.asyncMu.RUnlock()

	e.liveMu.RLock()
	for _, worker := range e.live {
		statuses = append(statuses, worker.status())
	}
	e.liveMu.RUnlock()

	e.inlineMu.RLock()
	for _, p := range e.inline {
		statuses = append(statuses, &ProjectionStatus{
			Name:  p.Name(),
			State: ProjectionStateRunning,
		})
	}
	e.inlineMu.RUnlock()

	return statuses
}

// asyncWorker tails the global log for one async projection.
type asyncWorker struct {
	projection AsyncProjection
	options    AsyncOptions

	stopCh    chan struct{}
	closeOnce sync.Once

	stateMu         sync.RWMutex
	state           ProjectionState
	lastPosition    uint64
	eventsProcessed uint64
	lastProcessedAt time.Time
	lastError       error
}

func (w *asyncWorker) status() *ProjectionStatus {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()

	status := &ProjectionStatus{
		Name:            w.projection.Name(),
		State:           w.state,
		LastPosition:    w.lastPosition,
		EventsProcessed: w.eventsProcessed,
		LastProcessedAt: w.lastProcessedAt,
	}
	if w.lastError != nil {
		status.Error = w.lastError.Error()
	}
	return status
}

func (w *asyncWorker) setState(state ProjectionState) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()
}

func (w *asyncWorker) fault(err error) {
	w.stateMu.Lock()
	w.lastError = err
	w.state = ProjectionStateFaulted
	w.stateMu.Unlock()
}

func (w *asyncWorker) recoverRunning() {
	w.stateMu.Lock()
	w.lastError = nil
	w.state = ProjectionStateRunning
	w.stateMu.Unlock()
}

func (w *asyncWorker) advance(position uint64, processed int) {
	w.stateMu.Lock()
	w.lastPosition = position
	w.eventsProcessed += uint64(processed)
	w.lastProcessedAt = time.Now()
	w.stateMu.Unlock()
}

func (e *ProjectionEngine) runAsyncWorker(ctx context.Context, worker *asyncWorker) {
	defer e.wg.Done()

	worker.setState(ProjectionStateCatchingUp)

	var start uint64
	if !worker.options.StartFromBeginning {
		pos, err := e.checkpointStore.GetCheckpoint(ctx, worker.projection.Name())
		if err != nil {
			e.logger.Error("failed to read checkpoint", "projection", worker.projection.Name(), "error", err)
		} else {
			start = pos
		}
	}
	worker.stateMu.Lock()
	worker.lastPosition = start
	worker.stateMu.Unlock()

	worker.setState(ProjectionStateRunning)

	ticker := time.NewTicker(worker.options.PollInterval)
	defer ticker.Stop()

	var consecutiveErrors int

	for {
		select {
		case <-e.stopCh:
			worker.setState(ProjectionStateStopped)
			return
		case <-worker.stopCh:
			worker.setState(ProjectionStateStopped)
			return
		case <-ctx.Done():
			worker.setState(ProjectionStateStopped)
			return
		case <-ticker.C:
			err := e.processBatch(ctx, worker)
			if err == nil {
				if consecutiveErrors > 0 {
					e.logger.Info("async projection recovered",
						"projection", worker.projection.Name(),
						"consecutiveErrors", consecutiveErrors)
					consecutiveErrors = 0
					worker.recoverRunning()
				}
				continue
			}
			if errors.Is(err, context.Canceled) {
				worker.setState(ProjectionStateStopped)
				return
			}

			consecutiveErrors++
			// log at power-of-two counts to keep a stuck projection from
			// flooding the log
			if consecutiveErrors&(consecutiveErrors-1) == 0 {
				e.logger.Error("async projection error",
					"projection", worker.projection.Name(),
					"error", err,
					"consecutiveErrors", consecutiveErrors)
			}
			worker.fault(err)
			e.metrics.RecordError(worker.projection.Name(), err)

			delay := worker.options.RetryPolicy.Delay(consecutiveErrors - 1)
			select {
			case <-e.stopCh:
				worker.setState(ProjectionStateStopped)
				return
			case <-worker.stopCh:
				worker.setState(ProjectionStateStopped)
				return
			case <-ctx.Done():
				worker.setState(ProjectionStateStopped)
				return
			case <-time.After(delay):
			}
		}
	}
}

// processBatch fetches the next slice of the global log and applies the
// events this projection handles. The checkpoint is written only after the
// whole batch succeeds, which is what makes delivery at-least-once.
func (e *ProjectionEngine) processBatch(ctx context.Context, worker *asyncWorker) (retErr error) {
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("strata: projection %s panicked: %v", worker.projection.Name(), r)
		}
	}()

	worker.stateMu.RLock()
	from := worker.lastPosition
	worker.stateMu.RUnlock()

	events, err := e.store.LoadEventsFromPosition(ctx, from, worker.options.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to load events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	var handled []StoredEvent
	for _, event := range events {
		if ShouldHandleEventType(worker.projection.HandledEvents(), event.Type) {
			handled = append(handled, event)
		}
	}

	if len(handled) > 0 {
		start := time.Now()
		err = worker.projection.ApplyBatch(ctx, handled)
		switch {
		case errors.Is(err, ErrNotImplemented):
			for _, event := range handled {
				eventStart := time.Now()
				if err := worker.projection.Apply(ctx, event); err != nil {
					e.metrics.RecordEventProcessed(worker.projection.Name(), event.Type, time.Since(eventStart), false)
					return fmt.Errorf("failed to apply event at position %d: %w", event.GlobalPosition, err)
				}
				e.metrics.RecordEventProcessed(worker.projection.Name(), event.Type, time.Since(eventStart), true)
			}
		case err != nil:
			e.metrics.RecordBatchProcessed(worker.projection.Name(), len(handled), time.Since(start), false)
			return err
		default:
			e.metrics.RecordBatchProcessed(worker.projection.Name(), len(handled), time.Since(start), true)
		}
	}

	// Advance past every fetched event, handled or not, so unhandled
	// types do not pin the checkpoint.
	newPosition := events[len(events)-1].GlobalPosition
	if err := e.checkpointStore.SetCheckpoint(ctx, worker.projection.Name(), newPosition); err != nil {
		e.logger.Error("failed to save checkpoint", "projection", worker.projection.Name(), "error", err)
	} else {
		e.metrics.RecordCheckpoint(worker.projection.Name(), newPosition)
	}

	worker.advance(newPosition, len(handled))
	return nil
}

// liveWorker drains one live projection's delivery channel.
type liveWorker struct {
	projection LiveProjection

	stopCh    chan struct{}
	closeOnce sync.Once
	eventCh   chan StoredEvent

	stateMu   sync.RWMutex
	state     ProjectionState
	lastError error
}

func (w *liveWorker) status() *ProjectionStatus {
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()

	status := &ProjectionStatus{
		Name:  w.projection.Name(),
		State: w.state,
	}
	if w.lastError != nil {
		status.Error = w.lastError.Error()
	}
	return status
}

func (w *liveWorker) setState(state ProjectionState) {
	w.stateMu.Lock()
	w.state = state
	w.stateMu.Unlock()
}

func (e *ProjectionEngine) runLiveWorker(ctx context.Context, worker *liveWorker) {
	defer e.wg.Done()

	worker.setState(ProjectionStateRunning)

	for {
		select {
		case <-e.stopCh:
			worker.setState(ProjectionStateStopped)
			return
		case <-worker.stopCh:
			worker.setState(ProjectionStateStopped)
			return
		case <-ctx.Done():
			worker.setState(ProjectionStateStopped)
			return
		case event := <-worker.eventCh:
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("live projection panicked", "projection", worker.projection.Name(), "panic", r)
					}
				}()
				worker.projection.OnEvent(ctx, event)
			}()
		}
	}
}
