package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func sampleRecord(key string) *adapters.IdempotencyRecord {
	return &adapters.IdempotencyRecord{
		Key:         key,
		CommandType: "CreateOrder",
		AggregateID: "Order-1",
		Version:     1,
		Response:    []byte(`{"ok":true}`),
		Success:     true,
		ProcessedAt: time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("store and get round-trip", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Store(ctx, sampleRecord("k1")))

		record, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, "CreateOrder", record.CommandType)
		assert.Equal(t, "Order-1", record.AggregateID)
		assert.True(t, record.Success)
	})

	t.Run("get returns a copy", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Store(ctx, sampleRecord("k1")))

		first, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		first.CommandType = "mutated"

		second, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Equal(t, "CreateOrder", second.CommandType)
	})

	t.Run("missing key is nil, nil", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		record, err := store.Get(ctx, "missing")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("expired record is invisible", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		record := sampleRecord("k1")
		record.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, store.Store(ctx, record))

		got, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, got)

		exists, err := store.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("exists reports live records", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Store(ctx, sampleRecord("k1")))

		exists, err := store.Exists(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("delete removes the record", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Store(ctx, sampleRecord("k1")))
		require.NoError(t, store.Delete(ctx, "k1"))

		record, err := store.Get(ctx, "k1")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("cleanup removes expired and stale records", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		stale := sampleRecord("stale")
		stale.ProcessedAt = time.Now().Add(-48 * time.Hour)
		require.NoError(t, store.Store(ctx, stale))

		expired := sampleRecord("expired")
		expired.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, store.Store(ctx, expired))

		require.NoError(t, store.Store(ctx, sampleRecord("fresh")))

		removed, err := store.Cleanup(ctx, 24*time.Hour)
		require.NoError(t, err)
		assert.Equal(t, int64(2), removed)
		assert.Equal(t, 1, store.Len())
	})

	t.Run("clear empties the store", func(t *testing.T) {
		store := NewIdempotencyStore()
		defer store.Close()

		require.NoError(t, store.Store(ctx, sampleRecord("k1")))
		store.Clear()
		assert.Equal(t, 0, store.Len())
	})

	t.Run("close is idempotent", func(t *testing.T) {
		store := NewIdempotencyStore(WithCleanupInterval(time.Minute), WithMaxAge(time.Hour))

		require.NoError(t, store.Close())
		require.NoError(t, store.Close())
	})
}
