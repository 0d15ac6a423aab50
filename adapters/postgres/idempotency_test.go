package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func newTestIdempotencyStore(t *testing.T) *IdempotencyStore {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := getTestDB(t)
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())

	store := NewIdempotencyStore(db, WithIdempotencySchema(schema))
	require.NoError(t, store.Initialize(context.Background()))

	t.Cleanup(func() {
		cleanupSchema(t, db, schema)
		_ = db.Close()
	})
	return store
}

func idempotencyRecord(key string) *adapters.IdempotencyRecord {
	return &adapters.IdempotencyRecord{
		Key:         key,
		CommandType: "PlaceOrder",
		AggregateID: "Order-1",
		Version:     3,
		Response:    []byte(`{"orderId":"Order-1"}`),
		Success:     true,
		ProcessedAt: time.Now(),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
}

func TestIdempotencyStore_StoreAndGet(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	t.Run("round trips a record", func(t *testing.T) {
		require.NoError(t, store.Store(ctx, idempotencyRecord("key-1")))

		got, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "PlaceOrder", got.CommandType)
		assert.Equal(t, "Order-1", got.AggregateID)
		assert.Equal(t, int64(3), got.Version)
		assert.True(t, got.Success)
		assert.JSONEq(t, `{"orderId":"Order-1"}`, string(got.Response))
	})

	t.Run("missing key is nil", func(t *testing.T) {
		got, err := store.Get(ctx, "key-404")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("store upserts", func(t *testing.T) {
		rec := idempotencyRecord("key-1")
		rec.Success = false
		rec.Error = "validation failed"
		rec.Response = nil
		require.NoError(t, store.Store(ctx, rec))

		got, err := store.Get(ctx, "key-1")
		require.NoError(t, err)
		assert.False(t, got.Success)
		assert.Equal(t, "validation failed", got.Error)
		assert.Empty(t, got.Response)
	})

	t.Run("expired record is hidden", func(t *testing.T) {
		rec := idempotencyRecord("key-expired")
		rec.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, store.Store(ctx, rec))

		got, err := store.Get(ctx, "key-expired")
		require.NoError(t, err)
		assert.Nil(t, got)
	})
}

func TestIdempotencyStore_Exists(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, idempotencyRecord("key-1")))

	exists, err := store.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = store.Exists(ctx, "key-404")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestIdempotencyStore_Delete(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, idempotencyRecord("key-1")))
	require.NoError(t, store.Delete(ctx, "key-1"))

	exists, err := store.Exists(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing key is a no-op.
	require.NoError(t, store.Delete(ctx, "key-404"))
}

func TestIdempotencyStore_Cleanup(t *testing.T) {
	store := newTestIdempotencyStore(t)
	ctx := context.Background()

	expired := idempotencyRecord("key-expired")
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Store(ctx, expired))

	old := idempotencyRecord("key-old")
	old.ProcessedAt = time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Store(ctx, old))

	require.NoError(t, store.Store(ctx, idempotencyRecord("key-fresh")))

	removed, err := store.Cleanup(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	exists, err := store.Exists(ctx, "key-fresh")
	require.NoError(t, err)
	assert.True(t, exists)
}
