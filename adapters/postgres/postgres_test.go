package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

// getTestDB returns a database connection for testing.
// Set TEST_DATABASE_URL to run the integration tests.
func getTestDB(t *testing.T) *sql.DB {
	t.Helper()

	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	db, err := sql.Open("pgx", connStr)
	require.NoError(t, err)
	return db
}

// cleanupSchema drops the test schema.
func cleanupSchema(t *testing.T, db *sql.DB, schema string) {
	t.Helper()
	_, err := db.Exec(fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	require.NoError(t, err)
}

// newTestAdapter creates an initialized adapter in a throwaway schema.
func newTestAdapter(t *testing.T, opts ...Option) *Adapter {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test")
	}

	db := getTestDB(t)
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())

	opts = append([]Option{WithSchema(schema)}, opts...)
	adapter := NewAdapterWithDB(db, opts...)
	require.NoError(t, adapter.Initialize(context.Background()))

	t.Cleanup(func() {
		cleanupSchema(t, db, schema)
		_ = db.Close()
	})
	return adapter
}

func record(eventType, data string) adapters.EventRecord {
	return adapters.EventRecord{Type: eventType, Data: []byte(data)}
}

func TestAdapter_Initialize(t *testing.T) {
	adapter := newTestAdapter(t)

	t.Run("creates schema and tables", func(t *testing.T) {
		for _, table := range []string{"streams", "events", "snapshots", "checkpoints"} {
			var exists bool
			err := adapter.DB().QueryRow(`
				SELECT EXISTS (
					SELECT FROM information_schema.tables
					WHERE table_schema = $1 AND table_name = $2
				)`, adapter.Schema(), table).Scan(&exists)
			require.NoError(t, err)
			assert.True(t, exists, "table %s should exist", table)
		}
	})

	t.Run("is idempotent", func(t *testing.T) {
		require.NoError(t, adapter.Initialize(context.Background()))
	})
}

func TestAdapter_Append(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	t.Run("appends to a new stream", func(t *testing.T) {
		stored, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
			record("OrderPlaced", `{"customerId":"alice"}`),
			record("OrderItemAdded", `{"sku":"widget","quantity":2}`),
		}, NoStream)
		require.NoError(t, err)
		require.Len(t, stored, 2)

		assert.Equal(t, int64(1), stored[0].Version)
		assert.Equal(t, int64(2), stored[1].Version)
		assert.Equal(t, "Order-1", stored[0].StreamID)
		assert.NotEmpty(t, stored[0].ID)
		assert.Greater(t, stored[1].GlobalPosition, stored[0].GlobalPosition)
	})

	t.Run("enforces the expected version", func(t *testing.T) {
		_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
			record("OrderShipped", `{"carrier":"ups"}`),
		}, 1)
		require.Error(t, err)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		var conflict *adapters.ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, int64(1), *conflict.ExpectedVersion)
		assert.Equal(t, int64(2), *conflict.ActualVersion)
	})

	t.Run("accepts any version", func(t *testing.T) {
		stored, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
			record("OrderShipped", `{"carrier":"ups"}`),
		}, AnyVersion)
		require.NoError(t, err)
		assert.Equal(t, int64(3), stored[0].Version)
	})

	t.Run("rejects appending to an existing stream as new", func(t *testing.T) {
		_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
			record("OrderPlaced", `{}`),
		}, NoStream)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("requires an existing stream for StreamExists", func(t *testing.T) {
		_, err := adapter.Append(ctx, "Order-404", []adapters.EventRecord{
			record("OrderPlaced", `{}`),
		}, StreamExists)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)
	})

	t.Run("validates input", func(t *testing.T) {
		_, err := adapter.Append(ctx, "", []adapters.EventRecord{record("OrderPlaced", `{}`)}, AnyVersion)
		assert.ErrorIs(t, err, ErrEmptyStreamID)

		_, err = adapter.Append(ctx, "Order-2", nil, AnyVersion)
		assert.ErrorIs(t, err, ErrNoEvents)
	})

	t.Run("persists metadata", func(t *testing.T) {
		meta := adapters.Metadata{CorrelationID: "corr-1", UserID: "u-9"}
		_, err := adapter.Append(ctx, "Order-3", []adapters.EventRecord{
			{Type: "OrderPlaced", Data: []byte(`{}`), Metadata: meta},
		}, NoStream)
		require.NoError(t, err)

		events, err := adapter.Load(ctx, "Order-3", 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "corr-1", events[0].Metadata.CorrelationID)
		assert.Equal(t, "u-9", events[0].Metadata.UserID)
	})
}

func TestAdapter_Load(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
		record("OrderPlaced", `{"customerId":"alice"}`),
		record("OrderItemAdded", `{"sku":"widget"}`),
		record("OrderShipped", `{"carrier":"dhl"}`),
	}, NoStream)
	require.NoError(t, err)

	t.Run("loads all events in order", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Order-1", 0)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "OrderPlaced", events[0].Type)
		assert.Equal(t, "OrderShipped", events[2].Type)
		assert.JSONEq(t, `{"customerId":"alice"}`, string(events[0].Data))
	})

	t.Run("loads from a version", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Order-1", 2)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, int64(3), events[0].Version)
	})

	t.Run("missing stream yields no events", func(t *testing.T) {
		events, err := adapter.Load(ctx, "Order-404", 0)
		require.NoError(t, err)
		assert.Empty(t, events)
	})
}

func TestAdapter_GetStreamInfo(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
		record("OrderPlaced", `{}`),
		record("OrderShipped", `{}`),
	}, NoStream)
	require.NoError(t, err)

	t.Run("returns stream metadata", func(t *testing.T) {
		info, err := adapter.GetStreamInfo(ctx, "Order-1")
		require.NoError(t, err)
		assert.Equal(t, "Order-1", info.StreamID)
		assert.Equal(t, "Order", info.Category)
		assert.Equal(t, int64(2), info.Version)
		assert.Equal(t, int64(2), info.EventCount)
	})

	t.Run("missing stream", func(t *testing.T) {
		_, err := adapter.GetStreamInfo(ctx, "Order-404")
		assert.ErrorIs(t, err, adapters.ErrStreamNotFound)
	})
}

func TestAdapter_GetLastPosition(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	pos, err := adapter.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pos)

	_, err = adapter.Append(ctx, "Order-1", []adapters.EventRecord{
		record("OrderPlaced", `{}`),
		record("OrderShipped", `{}`),
	}, NoStream)
	require.NoError(t, err)

	pos, err = adapter.GetLastPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pos)
}

func TestAdapter_Snapshots(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	t.Run("save and load", func(t *testing.T) {
		require.NoError(t, adapter.SaveSnapshot(ctx, "Order-1", 5, []byte(`{"state":"shipped"}`)))

		rec, err := adapter.LoadSnapshot(ctx, "Order-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(5), rec.Version)
		assert.Equal(t, []byte(`{"state":"shipped"}`), rec.Data)
	})

	t.Run("save replaces the earlier snapshot", func(t *testing.T) {
		require.NoError(t, adapter.SaveSnapshot(ctx, "Order-1", 9, []byte(`{"state":"closed"}`)))

		rec, err := adapter.LoadSnapshot(ctx, "Order-1")
		require.NoError(t, err)
		assert.Equal(t, int64(9), rec.Version)
	})

	t.Run("absent snapshot is nil", func(t *testing.T) {
		rec, err := adapter.LoadSnapshot(ctx, "Order-404")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, adapter.DeleteSnapshot(ctx, "Order-1"))

		rec, err := adapter.LoadSnapshot(ctx, "Order-1")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
}

func TestAdapter_Checkpoints(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	t.Run("unset checkpoint is zero", func(t *testing.T) {
		pos, err := adapter.GetCheckpoint(ctx, "order-summaries")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pos)
	})

	t.Run("set and get", func(t *testing.T) {
		require.NoError(t, adapter.SetCheckpoint(ctx, "order-summaries", 42))

		pos, err := adapter.GetCheckpoint(ctx, "order-summaries")
		require.NoError(t, err)
		assert.Equal(t, uint64(42), pos)
	})

	t.Run("set overwrites", func(t *testing.T) {
		require.NoError(t, adapter.SetCheckpoint(ctx, "order-summaries", 100))

		pos, err := adapter.GetCheckpoint(ctx, "order-summaries")
		require.NoError(t, err)
		assert.Equal(t, uint64(100), pos)
	})
}

func TestAdapter_AppendWithOutbox(t *testing.T) {
	db := getTestDBShort(t)
	schema := fmt.Sprintf("test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		cleanupSchema(t, db, schema)
		_ = db.Close()
	})

	outbox := NewOutboxStore(db, WithOutboxSchema(schema))
	adapter := NewAdapterWithDB(db, WithSchema(schema), WithOutbox(outbox))
	ctx := context.Background()
	require.NoError(t, adapter.Initialize(ctx))
	require.NoError(t, outbox.Initialize(ctx))

	t.Run("commits events and messages together", func(t *testing.T) {
		messages := []*adapters.OutboxMessage{{
			AggregateID: "Order-1",
			EventType:   "OrderPlaced",
			Destination: "kafka:orders",
			Payload:     []byte(`{"customerId":"alice"}`),
			Headers:     map[string]string{"event-type": "OrderPlaced"},
		}}

		stored, err := adapter.AppendWithOutbox(ctx, "Order-1", []adapters.EventRecord{
			record("OrderPlaced", `{"customerId":"alice"}`),
		}, NoStream, messages)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.NotEmpty(t, messages[0].ID)

		pending, err := outbox.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "kafka:orders", pending[0].Destination)
		assert.Equal(t, "OrderPlaced", pending[0].Headers["event-type"])
	})

	t.Run("conflict rolls back the messages", func(t *testing.T) {
		messages := []*adapters.OutboxMessage{{
			AggregateID: "Order-1",
			EventType:   "OrderShipped",
			Destination: "kafka:orders",
			Payload:     []byte(`{}`),
		}}

		_, err := adapter.AppendWithOutbox(ctx, "Order-1", []adapters.EventRecord{
			record("OrderShipped", `{}`),
		}, 9, messages)
		assert.ErrorIs(t, err, adapters.ErrConcurrencyConflict)

		pending, err := outbox.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("requires an outbox store", func(t *testing.T) {
		bare := NewAdapterWithDB(db, WithSchema(schema))
		_, err := bare.AppendWithOutbox(ctx, "Order-2", []adapters.EventRecord{
			record("OrderPlaced", `{}`),
		}, NoStream, nil)
		assert.ErrorIs(t, err, ErrNoOutboxStore)
	})
}

// getTestDBShort combines the short-mode and env var gates for tests that
// build their adapters by hand.
func getTestDBShort(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	return getTestDB(t)
}

func TestAdapter_Close(t *testing.T) {
	// No schema needed; closed-adapter checks run before any query.
	adapter := NewAdapterWithDB(getTestDBShort(t))
	ctx := context.Background()

	require.NoError(t, adapter.Ping(ctx))
	require.NoError(t, adapter.Close())

	_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{record("OrderPlaced", `{}`)}, NoStream)
	assert.ErrorIs(t, err, ErrAdapterClosed)
	assert.ErrorIs(t, adapter.Ping(ctx), ErrAdapterClosed)
}
