package strata

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters/memory"
)

// clearableProjection is an async projection whose read model can be wiped.
type clearableProjection struct {
	AsyncProjectionBase

	mu      sync.Mutex
	applied []uint64
	cleared int
	failAt  uint64
}

func newClearableProjection(name string, handled ...string) *clearableProjection {
	return &clearableProjection{
		AsyncProjectionBase: NewAsyncProjectionBase(name, handled...),
	}
}

func (p *clearableProjection) Apply(ctx context.Context, event StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAt != 0 && event.GlobalPosition == p.failAt {
		return errors.New("apply failed")
	}
	p.applied = append(p.applied, event.GlobalPosition)
	return nil
}

func (p *clearableProjection) Clear(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = nil
	p.cleared++
	return nil
}

func (p *clearableProjection) positions() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint64, len(p.applied))
	copy(out, p.applied)
	return out
}

func seedRebuildLog(t *testing.T) *EventStore {
	t.Helper()
	ctx := context.Background()
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		_, err := store.Append(ctx, "Order-1", []interface{}{orderItemAdded{Quantity: 1}})
		require.NoError(t, err)
	}
	return store
}

func TestProjectionRebuilder_RebuildAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("replays the full log", func(t *testing.T) {
		store := seedRebuildLog(t)
		checkpoints := memory.NewCheckpointStore()
		rebuilder := NewProjectionRebuilder(store, checkpoints, WithRebuilderBatchSize(2))

		projection := newClearableProjection("orders")
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection))
		assert.Equal(t, []uint64{1, 2, 3, 4, 5}, projection.positions())

		pos, err := checkpoints.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), pos)
	})

	t.Run("rebuild equals incremental processing", func(t *testing.T) {
		store := seedRebuildLog(t)
		checkpoints := memory.NewCheckpointStore()

		// Incremental: apply everything as it is read from the log.
		incremental := newClearableProjection("incremental")
		events, err := store.LoadEventsFromPosition(ctx, 0, 100)
		require.NoError(t, err)
		for _, event := range events {
			require.NoError(t, incremental.Apply(ctx, event))
		}

		rebuilt := newClearableProjection("rebuilt")
		rebuilder := NewProjectionRebuilder(store, checkpoints)
		require.NoError(t, rebuilder.RebuildAsync(ctx, rebuilt))

		assert.Equal(t, incremental.positions(), rebuilt.positions())
	})

	t.Run("clears the read model and deletes the checkpoint first", func(t *testing.T) {
		store := seedRebuildLog(t)
		checkpoints := memory.NewCheckpointStore()
		require.NoError(t, checkpoints.SetCheckpoint(ctx, "orders", 99))

		projection := newClearableProjection("orders")
		rebuilder := NewProjectionRebuilder(store, checkpoints)
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection))

		assert.Equal(t, 1, projection.cleared)
		pos, err := checkpoints.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(5), pos)
	})

	t.Run("keeps state when clearing is disabled", func(t *testing.T) {
		store := seedRebuildLog(t)
		projection := newClearableProjection("orders")
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())

		options := DefaultRebuildOptions()
		options.ClearReadModel = false
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection, options))
		assert.Equal(t, 0, projection.cleared)
	})

	t.Run("bounded rebuild stops at ToPosition", func(t *testing.T) {
		store := seedRebuildLog(t)
		projection := newClearableProjection("orders")
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore(), WithRebuilderBatchSize(2))

		options := DefaultRebuildOptions()
		options.ToPosition = 3
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection, options))
		assert.Equal(t, []uint64{1, 2, 3}, projection.positions())
	})

	t.Run("partial rebuild starts after FromPosition", func(t *testing.T) {
		store := seedRebuildLog(t)
		projection := newClearableProjection("orders")
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())

		options := DefaultRebuildOptions()
		options.FromPosition = 2
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection, options))
		assert.Equal(t, []uint64{3, 4, 5}, projection.positions())
	})

	t.Run("event type filter applies during replay", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}, orderItemAdded{Quantity: 1}, orderShipped{}})
		require.NoError(t, err)

		projection := newClearableProjection("shipped-only", "orderShipped")
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection))
		assert.Equal(t, []uint64{3}, projection.positions())
	})

	t.Run("a failing apply aborts the rebuild", func(t *testing.T) {
		store := seedRebuildLog(t)
		projection := newClearableProjection("orders")
		projection.failAt = 3
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())

		err := rebuilder.RebuildAsync(ctx, projection)
		require.Error(t, err)
	})

	t.Run("progress callback sees completion", func(t *testing.T) {
		store := seedRebuildLog(t)
		projection := newClearableProjection("orders")
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())

		var mu sync.Mutex
		var final RebuildProgress
		options := DefaultRebuildOptions()
		options.ProgressCallback = func(progress RebuildProgress) {
			mu.Lock()
			defer mu.Unlock()
			final = progress
		}
		require.NoError(t, rebuilder.RebuildAsync(ctx, projection, options))

		mu.Lock()
		defer mu.Unlock()
		assert.True(t, final.Completed)
		assert.Equal(t, uint64(5), final.ProcessedEvents)
		assert.Equal(t, "orders", final.ProjectionName)
	})
}

func TestProjectionRebuilder_RebuildInline(t *testing.T) {
	ctx := context.Background()
	store := seedRebuildLog(t)

	projection := newCountingProjection("inline-orders")
	rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())
	require.NoError(t, rebuilder.RebuildInline(ctx, projection))
	assert.Equal(t, 5, projection.total())
}

func TestParallelRebuilder(t *testing.T) {
	ctx := context.Background()

	t.Run("rebuilds all projections", func(t *testing.T) {
		store := seedRebuildLog(t)
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())
		parallel := NewParallelRebuilder(rebuilder, 2)

		a := newClearableProjection("a")
		b := newClearableProjection("b")
		c := newClearableProjection("c")
		require.NoError(t, parallel.RebuildAll(ctx, []AsyncProjection{a, b, c}))

		for _, p := range []*clearableProjection{a, b, c} {
			assert.Len(t, p.positions(), 5)
		}
	})

	t.Run("surfaces the first failure", func(t *testing.T) {
		store := seedRebuildLog(t)
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())
		parallel := NewParallelRebuilder(rebuilder, 1)

		broken := newClearableProjection("broken")
		broken.failAt = 2
		err := parallel.RebuildAll(ctx, []AsyncProjection{broken, newClearableProjection("ok")})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "broken")
	})

	t.Run("empty projection list is a no-op", func(t *testing.T) {
		store := seedRebuildLog(t)
		rebuilder := NewProjectionRebuilder(store, memory.NewCheckpointStore())
		assert.NoError(t, NewParallelRebuilder(rebuilder, 0).RebuildAll(ctx, nil))
	})
}
