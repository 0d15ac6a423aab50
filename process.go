package strata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Reaction turns a committed event into zero or more follow-up commands.
// Returned commands are dispatched through the process manager's command
// bus in order.
type Reaction func(ctx context.Context, event StoredEvent) ([]Command, error)

// ProcessOption configures a ProcessManager.
type ProcessOption func(*ProcessManager)

// WithProcessLogger sets the logger.
func WithProcessLogger(l Logger) ProcessOption {
	return func(m *ProcessManager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithProcessPollInterval sets how often the manager polls for new events.
func WithProcessPollInterval(d time.Duration) ProcessOption {
	return func(m *ProcessManager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithProcessBatchSize sets how many events are read per poll.
func WithProcessBatchSize(n int) ProcessOption {
	return func(m *ProcessManager) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithProcessRetry sets the dispatch retry count and base delay. Delays
// double on each attempt.
func WithProcessRetry(attempts int, delay time.Duration) ProcessOption {
	return func(m *ProcessManager) {
		if attempts > 0 {
			m.retryAttempts = attempts
		}
		if delay > 0 {
			m.retryDelay = delay
		}
	}
}

// ProcessManager reacts to committed events by dispatching commands. It
// tails the global event log from a checkpoint, routes each event to the
// reactions registered for its type, and advances the checkpoint once every
// reaction for the event has run.
//
// The checkpoint gives the manager at-least-once semantics across restarts:
// a crash after dispatch but before the checkpoint write replays the event,
// so commands should be idempotent (see IdempotencyMiddleware).
type ProcessManager struct {
	name        string
	store       *EventStore
	bus         *CommandBus
	checkpoints CheckpointStore
	logger      Logger

	mu        sync.RWMutex
	reactions map[string][]Reaction

	pollInterval  time.Duration
	batchSize     int
	retryAttempts int
	retryDelay    time.Duration

	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewProcessManager creates a process manager. The name scopes its
// checkpoint, so two managers with different names progress independently
// over the same log.
func NewProcessManager(name string, store *EventStore, bus *CommandBus, checkpoints CheckpointStore, opts ...ProcessOption) *ProcessManager {
	m := &ProcessManager{
		name:          name,
		store:         store,
		bus:           bus,
		checkpoints:   checkpoints,
		logger:        &noopLogger{},
		reactions:     make(map[string][]Reaction),
		pollInterval:  100 * time.Millisecond,
		batchSize:     100,
		retryAttempts: 3,
		retryDelay:    time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name returns the manager's name.
func (m *ProcessManager) Name() string {
	return m.name
}

// On registers a reaction for an event type. Multiple reactions for the
// same type run in registration order.
func (m *ProcessManager) On(eventType string, reaction Reaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reactions[eventType] = append(m.reactions[eventType], reaction)
}

// Start launches the polling loop. It returns ErrProcessAlreadyRunning if
// the manager is already started, and fails fast when the store, bus, or
// checkpoint store is missing.
func (m *ProcessManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrProcessAlreadyRunning
	}
	if m.store == nil {
		m.mu.Unlock()
		return ErrNilStore
	}
	if m.bus == nil {
		m.mu.Unlock()
		return errors.New("strata: process manager requires a command bus")
	}
	if m.checkpoints == nil {
		m.mu.Unlock()
		return ErrNoCheckpointStore
	}

	ctx, m.cancel = context.WithCancel(ctx)
	m.running = true
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)

	m.logger.Info("process manager started", "process", m.name)
	return nil
}

// Stop cancels the loop and waits for it to drain, bounded by ctx.
func (m *ProcessManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.logger.Info("process manager stopped", "process", m.name)
	return nil
}

// IsRunning reports whether the polling loop is active.
func (m *ProcessManager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *ProcessManager) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
		close(m.done)
	}()

	position, err := m.checkpoints.GetCheckpoint(ctx, m.checkpointName())
	if err != nil {
		m.logger.Error("load process checkpoint", "process", m.name, "error", err)
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			next, err := m.processBatch(ctx, position)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				m.logger.Error("process batch failed", "process", m.name, "error", err)
				continue
			}
			position = next
		}
	}
}

// processBatch reads events after position, runs reactions, and returns the
// new checkpoint position. The checkpoint advances per event so a failing
// event is retried without re-running its predecessors.
func (m *ProcessManager) processBatch(ctx context.Context, position uint64) (uint64, error) {
	events, err := m.store.LoadEventsFromPosition(ctx, position, m.batchSize)
	if err != nil {
		return position, fmt.Errorf("load events from position %d: %w", position, err)
	}

	for _, event := range events {
		if err := m.react(ctx, event); err != nil {
			return position, err
		}

		position = event.GlobalPosition
		if err := m.checkpoints.SetCheckpoint(ctx, m.checkpointName(), position); err != nil {
			return position, fmt.Errorf("save process checkpoint: %w", err)
		}
	}

	return position, nil
}

func (m *ProcessManager) react(ctx context.Context, event StoredEvent) error {
	m.mu.RLock()
	reactions := m.reactions[event.Type]
	m.mu.RUnlock()

	for _, reaction := range reactions {
		commands, err := reaction(ctx, event)
		if err != nil {
			return fmt.Errorf("reaction for %s at position %d: %w", event.Type, event.GlobalPosition, err)
		}
		for _, cmd := range commands {
			if err := m.dispatch(ctx, event, cmd); err != nil {
				return err
			}
		}
	}
	return nil
}

// dispatch sends a command with exponential backoff across retryAttempts.
func (m *ProcessManager) dispatch(ctx context.Context, event StoredEvent, cmd Command) error {
	var lastErr error

	for attempt := 0; attempt < m.retryAttempts; attempt++ {
		if attempt > 0 {
			delay := m.retryDelay * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := m.bus.Dispatch(ctx, cmd)
		if err == nil && result.Success {
			m.logger.Debug("process command dispatched",
				"process", m.name,
				"command", cmd.CommandType(),
				"trigger", event.Type)
			return nil
		}

		if err != nil {
			lastErr = err
		} else if result.Error != nil {
			lastErr = result.Error
		}

		m.logger.Warn("process command failed",
			"process", m.name,
			"command", cmd.CommandType(),
			"attempt", attempt+1,
			"error", lastErr)
	}

	return fmt.Errorf("strata: command %q failed after %d attempts: %w",
		cmd.CommandType(), m.retryAttempts, lastErr)
}

// Position returns the manager's persisted checkpoint.
func (m *ProcessManager) Position(ctx context.Context) (uint64, error) {
	return m.checkpoints.GetCheckpoint(ctx, m.checkpointName())
}

// ProcessEvent runs the reactions for a single event without touching the
// checkpoint. Useful in tests and for manual replay.
func (m *ProcessManager) ProcessEvent(ctx context.Context, event StoredEvent) error {
	return m.react(ctx, event)
}

func (m *ProcessManager) checkpointName() string {
	return "process:" + m.name
}
