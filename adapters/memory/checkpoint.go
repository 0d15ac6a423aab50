package memory

import (
	"context"
	"sync"
	"time"

	"github.com/stratastore/strata/adapters"
)

var _ adapters.CheckpointAdapter = (*CheckpointStore)(nil)

// CheckpointStore tracks consumer positions in a map. It satisfies both the
// adapters.CheckpointAdapter contract and the root package's checkpoint
// store interface.
type CheckpointStore struct {
	mu      sync.RWMutex
	entries map[string]checkpointEntry
}

type checkpointEntry struct {
	position  uint64
	updatedAt time.Time
}

// NewCheckpointStore creates an empty checkpoint store.
func NewCheckpointStore() *CheckpointStore {
	return &CheckpointStore{entries: make(map[string]checkpointEntry)}
}

// GetCheckpoint returns the stored position, 0 when none exists.
func (s *CheckpointStore) GetCheckpoint(ctx context.Context, projectionName string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[projectionName].position, nil
}

// SetCheckpoint stores the position for a projection.
func (s *CheckpointStore) SetCheckpoint(ctx context.Context, projectionName string, position uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[projectionName] = checkpointEntry{position: position, updatedAt: time.Now()}
	return nil
}

// DeleteCheckpoint removes a projection's checkpoint.
func (s *CheckpointStore) DeleteCheckpoint(ctx context.Context, projectionName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, projectionName)
	return nil
}

// GetAllCheckpoints returns every stored position keyed by projection name.
func (s *CheckpointStore) GetAllCheckpoints(ctx context.Context) (map[string]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.entries))
	for name, e := range s.entries {
		out[name] = e.position
	}
	return out, nil
}

// UpdatedAt returns when a checkpoint was last written, zero when unset.
func (s *CheckpointStore) UpdatedAt(projectionName string) time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries[projectionName].updatedAt
}

// Clear removes all checkpoints.
func (s *CheckpointStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]checkpointEntry)
}

// Len returns the number of stored checkpoints.
func (s *CheckpointStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
