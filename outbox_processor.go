package strata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ProcessorOption configures an OutboxProcessor.
type ProcessorOption func(*OutboxProcessor)

// WithProcessorBatchSize sets how many pending messages are claimed per poll.
func WithProcessorBatchSize(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithProcessorPollInterval sets the delay between polls for pending messages.
func WithProcessorPollInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithProcessorMaxRetries sets how many delivery attempts a message gets
// before it is moved to the dead letter queue.
func WithProcessorMaxRetries(n int) ProcessorOption {
	return func(p *OutboxProcessor) {
		if n > 0 {
			p.maxRetries = n
		}
	}
}

// WithProcessorRetryBackoff sets how long a failed message waits before it
// becomes eligible for retry.
func WithProcessorRetryBackoff(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.retryBackoff = d
		}
	}
}

// WithProcessorCleanupInterval sets how often completed messages are purged.
func WithProcessorCleanupInterval(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupInterval = d
		}
	}
}

// WithProcessorCleanupAge sets the minimum age of completed messages that
// the cleanup pass removes.
func WithProcessorCleanupAge(d time.Duration) ProcessorOption {
	return func(p *OutboxProcessor) {
		if d > 0 {
			p.cleanupAge = d
		}
	}
}

// WithPublisher registers a publisher. Messages are routed to it when their
// destination's prefix (the text before the first ':') matches
// pub.Destination().
func WithPublisher(pub Publisher) ProcessorOption {
	return func(p *OutboxProcessor) {
		p.publishers[pub.Destination()] = pub
	}
}

// WithProcessorMetrics sets the metrics sink for the processor.
func WithProcessorMetrics(m OutboxMetrics) ProcessorOption {
	return func(p *OutboxProcessor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithProcessorLogger sets the logger for the processor.
func WithProcessorLogger(l Logger) ProcessorOption {
	return func(p *OutboxProcessor) {
		if l != nil {
			p.logger = l
		}
	}
}

// OutboxProcessor drains the outbox in the background: it claims pending
// messages, routes each to the publisher registered for its destination, and
// marks the outcome back on the store. A maintenance loop re-arms failed
// messages after the retry backoff, dead-letters messages that exhausted
// their attempts, and periodically purges old completed messages.
//
// Delivery is at-least-once. A crash between Publish and MarkCompleted causes
// the batch to be claimed and published again, so publishers and downstream
// consumers must tolerate duplicates.
type OutboxProcessor struct {
	store      OutboxStore
	publishers map[string]Publisher
	metrics    OutboxMetrics
	logger     Logger

	batchSize       int
	pollInterval    time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	cleanupInterval time.Duration
	cleanupAge      time.Duration

	running  atomic.Bool
	stopping atomic.Bool
	wg       sync.WaitGroup
	stopCh   chan struct{}
}

// NewOutboxProcessor creates a processor over the given store. Publishers are
// registered with WithPublisher; a message whose destination has no matching
// publisher is marked failed with ErrPublisherNotFound.
func NewOutboxProcessor(store OutboxStore, opts ...ProcessorOption) *OutboxProcessor {
	p := &OutboxProcessor{
		store:           store,
		publishers:      make(map[string]Publisher),
		metrics:         &noopOutboxMetrics{},
		logger:          &noopLogger{},
		batchSize:       100,
		pollInterval:    time.Second,
		maxRetries:      5,
		retryBackoff:    5 * time.Second,
		cleanupInterval: time.Hour,
		cleanupAge:      7 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the processing and maintenance loops. It returns
// ErrProcessorAlreadyRunning when the processor is already started.
func (p *OutboxProcessor) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return ErrProcessorAlreadyRunning
	}
	p.stopping.Store(false)
	p.stopCh = make(chan struct{})

	p.wg.Add(2)
	go p.processLoop(ctx)
	go p.maintenanceLoop(ctx)

	p.logger.Info("outbox processor started",
		"batch_size", p.batchSize,
		"poll_interval", p.pollInterval,
		"publishers", len(p.publishers))
	return nil
}

// Stop signals the loops to exit and waits for them, bounded by ctx.
func (p *OutboxProcessor) Stop(ctx context.Context) error {
	if !p.running.Load() || !p.stopping.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		p.running.Store(false)
		return ctx.Err()
	}

	p.running.Store(false)
	p.logger.Info("outbox processor stopped")
	return nil
}

// IsRunning reports whether the processor loops are active.
func (p *OutboxProcessor) IsRunning() bool {
	return p.running.Load()
}

func (p *OutboxProcessor) processLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.processBatch(ctx); err != nil {
				p.logger.Error("outbox batch failed", "error", err)
			}
		}
	}
}

func (p *OutboxProcessor) maintenanceLoop(ctx context.Context) {
	defer p.wg.Done()

	retryTicker := time.NewTicker(p.retryBackoff)
	defer retryTicker.Stop()
	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case <-retryTicker.C:
			p.runMaintenance(ctx)
		case <-cleanupTicker.C:
			p.runCleanup(ctx)
		}
	}
}

func (p *OutboxProcessor) processBatch(ctx context.Context) error {
	messages, err := p.store.FetchPending(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("fetch pending outbox messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}
	p.metrics.RecordPendingMessages(int64(len(messages)))
	batchStart := time.Now()
	defer func() { p.metrics.RecordBatchDuration(time.Since(batchStart)) }()

	// Group by publisher so each Publish call carries a homogeneous batch.
	grouped := make(map[string][]*OutboxMessage)
	for _, msg := range messages {
		grouped[destinationPrefix(msg.Destination)] = append(grouped[destinationPrefix(msg.Destination)], msg)
	}

	for prefix, batch := range grouped {
		pub, ok := p.publishers[prefix]
		if !ok {
			p.logger.Warn("no publisher for destination", "destination", prefix, "messages", len(batch))
			for _, msg := range batch {
				if markErr := p.store.MarkFailed(ctx, msg.ID, ErrPublisherNotFound); markErr != nil {
					p.logger.Error("mark outbox message failed", "message_id", msg.ID, "error", markErr)
				}
				p.metrics.RecordMessageFailed(msg.Destination)
			}
			continue
		}

		if err := pub.Publish(ctx, batch); err != nil {
			p.logger.Warn("publish failed",
				"destination", prefix,
				"messages", len(batch),
				"error", err)
			for _, msg := range batch {
				if markErr := p.store.MarkFailed(ctx, msg.ID, err); markErr != nil {
					p.logger.Error("mark outbox message failed", "message_id", msg.ID, "error", markErr)
				}
				p.metrics.RecordMessageFailed(msg.Destination)
			}
			continue
		}

		ids := make([]string, len(batch))
		for i, msg := range batch {
			ids[i] = msg.ID
			p.metrics.RecordMessageProcessed(msg.Destination, true)
		}
		if err := p.store.MarkCompleted(ctx, ids); err != nil {
			// Messages were published; a retry will re-deliver them.
			p.logger.Error("mark outbox batch completed", "messages", len(ids), "error", err)
		} else {
			p.logger.Debug("outbox batch published", "destination", prefix, "messages", len(ids))
		}
	}

	return nil
}

func (p *OutboxProcessor) runMaintenance(ctx context.Context) {
	retried, err := p.store.RetryFailed(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("retry failed outbox messages", "error", err)
	} else if retried > 0 {
		p.logger.Debug("outbox messages re-armed for retry", "count", retried)
	}

	dead, err := p.store.MoveToDeadLetter(ctx, p.maxRetries)
	if err != nil {
		p.logger.Error("move outbox messages to dead letter", "error", err)
	} else if dead > 0 {
		for i := int64(0); i < dead; i++ {
			p.metrics.RecordMessageDeadLettered()
		}
		p.logger.Warn("outbox messages dead lettered", "count", dead)
	}
}

func (p *OutboxProcessor) runCleanup(ctx context.Context) {
	removed, err := p.store.Cleanup(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("outbox cleanup failed", "error", err)
	} else if removed > 0 {
		p.logger.Debug("completed outbox messages purged", "count", removed)
	}
}

// destinationPrefix extracts the publisher key from a destination such as
// "kafka:orders" or "sns:arn:aws:...". A destination without a ':' is its
// own prefix.
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx >= 0 {
		return destination[:idx]
	}
	return destination
}
