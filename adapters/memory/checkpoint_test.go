package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckpointStore(t *testing.T) {
	ctx := context.Background()

	t.Run("unset checkpoint reads as zero", func(t *testing.T) {
		store := NewCheckpointStore()

		pos, err := store.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pos)
		assert.True(t, store.UpdatedAt("orders").IsZero())
	})

	t.Run("set and get round-trip", func(t *testing.T) {
		store := NewCheckpointStore()

		require.NoError(t, store.SetCheckpoint(ctx, "orders", 7))

		pos, err := store.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(7), pos)
		assert.False(t, store.UpdatedAt("orders").IsZero())
	})

	t.Run("set overwrites earlier position", func(t *testing.T) {
		store := NewCheckpointStore()

		require.NoError(t, store.SetCheckpoint(ctx, "orders", 7))
		require.NoError(t, store.SetCheckpoint(ctx, "orders", 11))

		pos, err := store.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(11), pos)
	})

	t.Run("delete resets to zero", func(t *testing.T) {
		store := NewCheckpointStore()

		require.NoError(t, store.SetCheckpoint(ctx, "orders", 7))
		require.NoError(t, store.DeleteCheckpoint(ctx, "orders"))

		pos, err := store.GetCheckpoint(ctx, "orders")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pos)
	})

	t.Run("GetAllCheckpoints lists every projection", func(t *testing.T) {
		store := NewCheckpointStore()

		require.NoError(t, store.SetCheckpoint(ctx, "orders", 7))
		require.NoError(t, store.SetCheckpoint(ctx, "invoices", 3))

		all, err := store.GetAllCheckpoints(ctx)
		require.NoError(t, err)
		assert.Equal(t, map[string]uint64{"orders": 7, "invoices": 3}, all)
	})

	t.Run("clear and len", func(t *testing.T) {
		store := NewCheckpointStore()

		require.NoError(t, store.SetCheckpoint(ctx, "orders", 7))
		assert.Equal(t, 1, store.Len())

		store.Clear()
		assert.Equal(t, 0, store.Len())
	})
}
