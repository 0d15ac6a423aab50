package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stratastore/strata/adapters"
)

var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore keeps processed-command records in a map. Expired records
// are invisible to readers and removed by Cleanup, which can also run on a
// timer via WithCleanupInterval.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*adapters.IdempotencyRecord

	cleanupInterval time.Duration
	maxAge          time.Duration
	stop            chan struct{}
	closeOnce       sync.Once
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithCleanupInterval enables periodic cleanup at the given interval.
func WithCleanupInterval(interval time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.cleanupInterval = interval
	}
}

// WithMaxAge sets how old records may grow before periodic cleanup removes
// them. Default: 24h.
func WithMaxAge(maxAge time.Duration) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.maxAge = maxAge
	}
}

// NewIdempotencyStore creates an idempotency store. Periodic cleanup is off
// unless WithCleanupInterval is given.
func NewIdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		records: make(map[string]*adapters.IdempotencyRecord),
		maxAge:  24 * time.Hour,
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cleanupInterval > 0 {
		go s.cleanupLoop()
	}
	return s
}

func (s *IdempotencyStore) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.Cleanup(context.Background(), s.maxAge)
		case <-s.stop:
			return
		}
	}
}

// Close stops the cleanup loop. Safe to call more than once.
func (s *IdempotencyStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}

// Exists reports whether a live record exists for the key.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	return ok && !record.IsExpired(), nil
}

// Store saves a record, replacing any earlier one under the same key.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[record.Key] = adapters.CopyIdempotencyRecord(record)
	return nil
}

// Get returns the record for the key, or nil when absent or expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[key]
	if !ok || record.IsExpired() {
		return nil, nil
	}
	return adapters.CopyIdempotencyRecord(record), nil
}

// Delete removes the record for the key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// Cleanup removes expired records and records processed before the cutoff.
// Returns how many were removed.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	for key, record := range s.records {
		if record.ProcessedAt.Before(cutoff) || record.IsExpired() {
			delete(s.records, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored records, expired included.
func (s *IdempotencyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Clear removes every record.
func (s *IdempotencyStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*adapters.IdempotencyRecord)
}
