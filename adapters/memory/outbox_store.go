package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stratastore/strata/adapters"
)

var _ adapters.OutboxStore = (*OutboxStore)(nil)

// OutboxStore keeps outbox messages in a map. ScheduleInTx ignores its tx
// argument; pair the store with Adapter.AppendWithOutbox when the append and
// the schedule must happen under one lock.
type OutboxStore struct {
	mu       sync.RWMutex
	messages map[string]*adapters.OutboxMessage
}

// NewOutboxStore creates an empty outbox store.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{messages: make(map[string]*adapters.OutboxMessage)}
}

// Schedule stores messages as pending, filling in defaults for missing IDs,
// timestamps and attempt limits.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, msg := range messages {
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = 5
		}
		msg.Status = adapters.OutboxPending
		s.messages[msg.ID] = cloneMessage(msg)
	}
	return nil
}

// ScheduleInTx stores messages; the tx argument is ignored.
func (s *OutboxStore) ScheduleInTx(ctx context.Context, _ interface{}, messages []*adapters.OutboxMessage) error {
	return s.Schedule(ctx, messages)
}

// FetchPending claims up to limit due pending messages, oldest first,
// marking them processing and counting the attempt.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []*adapters.OutboxMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxPending && !msg.ScheduledAt.After(now) {
			due = append(due, msg)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].ScheduledAt.Before(due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*adapters.OutboxMessage, len(due))
	for i, msg := range due {
		msg.Status = adapters.OutboxProcessing
		msg.Attempts++
		msg.LastAttemptAt = &now
		claimed[i] = cloneMessage(msg)
	}
	return claimed, nil
}

// MarkCompleted marks messages delivered. Unknown IDs are skipped.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			msg.Status = adapters.OutboxCompleted
			msg.ProcessedAt = &now
		}
	}
	return nil
}

// MarkFailed records a delivery failure for one message.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[id]
	if !ok {
		return adapters.ErrOutboxMessageNotFound
	}
	msg.Status = adapters.OutboxFailed
	if lastErr != nil {
		msg.LastError = lastErr.Error()
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts back to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxFailed && msg.Attempts < maxAttempts {
			msg.Status = adapters.OutboxPending
			count++
		}
	}
	return count, nil
}

// MoveToDeadLetter dead-letters failed messages at or above maxAttempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxFailed && msg.Attempts >= maxAttempts {
			msg.Status = adapters.OutboxDeadLetter
			count++
		}
	}
	return count, nil
}

// GetDeadLetterMessages returns up to limit dead-lettered messages.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*adapters.OutboxMessage
	for _, msg := range s.messages {
		if msg.Status == adapters.OutboxDeadLetter {
			out = append(out, cloneMessage(msg))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Cleanup removes completed messages processed before the cutoff.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var count int64
	for id, msg := range s.messages {
		if msg.Status == adapters.OutboxCompleted && msg.ProcessedAt != nil && msg.ProcessedAt.Before(cutoff) {
			delete(s.messages, id)
			count++
		}
	}
	return count, nil
}

// Initialize is a no-op.
func (s *OutboxStore) Initialize(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *OutboxStore) Close() error {
	return nil
}

// Clear removes every message.
func (s *OutboxStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = make(map[string]*adapters.OutboxMessage)
}

// Count returns the total number of stored messages.
func (s *OutboxStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// CountByStatus tallies messages per delivery status.
func (s *OutboxStore) CountByStatus() map[adapters.OutboxStatus]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[adapters.OutboxStatus]int)
	for _, msg := range s.messages {
		counts[msg.Status]++
	}
	return counts
}

func cloneMessage(msg *adapters.OutboxMessage) *adapters.OutboxMessage {
	cp := *msg
	if msg.Payload != nil {
		cp.Payload = append([]byte(nil), msg.Payload...)
	}
	if msg.Headers != nil {
		cp.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			cp.Headers[k] = v
		}
	}
	if msg.LastAttemptAt != nil {
		t := *msg.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if msg.ProcessedAt != nil {
		t := *msg.ProcessedAt
		cp.ProcessedAt = &t
	}
	return &cp
}
