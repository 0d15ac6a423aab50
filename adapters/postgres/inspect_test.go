package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func seedStreams(t *testing.T, adapter *Adapter) {
	t.Helper()
	ctx := context.Background()

	_, err := adapter.Append(ctx, "Order-1", []adapters.EventRecord{
		record("OrderPlaced", `{}`),
		record("OrderShipped", `{}`),
	}, NoStream)
	require.NoError(t, err)
	_, err = adapter.Append(ctx, "Order-2", []adapters.EventRecord{
		record("OrderPlaced", `{}`),
	}, NoStream)
	require.NoError(t, err)
	_, err = adapter.Append(ctx, "Invoice-1", []adapters.EventRecord{
		record("InvoiceIssued", `{}`),
	}, NoStream)
	require.NoError(t, err)
}

func TestAdapter_ListStreams(t *testing.T) {
	adapter := newTestAdapter(t)
	seedStreams(t, adapter)
	ctx := context.Background()

	t.Run("lists all streams", func(t *testing.T) {
		summaries, err := adapter.ListStreams(ctx, "", 0)
		require.NoError(t, err)
		assert.Len(t, summaries, 3)
	})

	t.Run("filters by prefix", func(t *testing.T) {
		summaries, err := adapter.ListStreams(ctx, "Order-", 0)
		require.NoError(t, err)
		require.Len(t, summaries, 2)
		for _, s := range summaries {
			assert.Contains(t, s.StreamID, "Order-")
		}
	})

	t.Run("reports last event type and count", func(t *testing.T) {
		summaries, err := adapter.ListStreams(ctx, "Order-1", 0)
		require.NoError(t, err)
		require.Len(t, summaries, 1)
		assert.Equal(t, int64(2), summaries[0].EventCount)
		assert.Equal(t, "OrderShipped", summaries[0].LastEventType)
	})

	t.Run("honors the limit", func(t *testing.T) {
		summaries, err := adapter.ListStreams(ctx, "", 1)
		require.NoError(t, err)
		assert.Len(t, summaries, 1)
	})
}

func TestAdapter_GetStreamEvents(t *testing.T) {
	adapter := newTestAdapter(t)
	seedStreams(t, adapter)

	events, err := adapter.GetStreamEvents(context.Background(), "Order-1", 0, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "OrderPlaced", events[0].Type)
}

func TestAdapter_GetEventStoreStats(t *testing.T) {
	adapter := newTestAdapter(t)
	seedStreams(t, adapter)

	stats, err := adapter.GetEventStoreStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.TotalStreams)
	assert.Equal(t, int64(3), stats.EventTypes)
	assert.InDelta(t, 4.0/3.0, stats.AvgEventsPerStream, 0.01)

	require.NotEmpty(t, stats.TopEventTypes)
	assert.Equal(t, "OrderPlaced", stats.TopEventTypes[0].Type)
	assert.Equal(t, int64(2), stats.TopEventTypes[0].Count)
}

func TestAdapter_ProjectionQueries(t *testing.T) {
	adapter := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.SetCheckpoint(ctx, "order-summaries", 7))
	require.NoError(t, adapter.SetCheckpoint(ctx, "billing", 2))

	t.Run("lists projections", func(t *testing.T) {
		infos, err := adapter.ListProjections(ctx)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "billing", infos[0].Name)
		assert.Equal(t, int64(2), infos[0].Position)
	})

	t.Run("gets one projection", func(t *testing.T) {
		info, err := adapter.GetProjection(ctx, "order-summaries")
		require.NoError(t, err)
		require.NotNil(t, info)
		assert.Equal(t, int64(7), info.Position)

		missing, err := adapter.GetProjection(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("resets a checkpoint", func(t *testing.T) {
		require.NoError(t, adapter.ResetProjectionCheckpoint(ctx, "billing"))

		pos, err := adapter.GetCheckpoint(ctx, "billing")
		require.NoError(t, err)
		assert.Equal(t, uint64(0), pos)
	})
}

func TestAdapter_Diagnostics(t *testing.T) {
	adapter := newTestAdapter(t)
	seedStreams(t, adapter)
	ctx := context.Background()

	t.Run("diagnostic info", func(t *testing.T) {
		info, err := adapter.GetDiagnosticInfo(ctx)
		require.NoError(t, err)
		assert.True(t, info.Connected)
		assert.Contains(t, info.Version, "PostgreSQL")
	})

	t.Run("schema check", func(t *testing.T) {
		result, err := adapter.CheckSchema(ctx, "events")
		require.NoError(t, err)
		assert.True(t, result.TableExists)
		assert.Equal(t, int64(4), result.EventCount)

		missing, err := adapter.CheckSchema(ctx, "not_a_table")
		require.NoError(t, err)
		assert.False(t, missing.TableExists)
	})

	t.Run("projection health", func(t *testing.T) {
		require.NoError(t, adapter.SetCheckpoint(ctx, "caught-up", 4))
		require.NoError(t, adapter.SetCheckpoint(ctx, "lagging", 1))

		health, err := adapter.GetProjectionHealth(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), health.TotalProjections)
		assert.Equal(t, int64(1), health.ProjectionsBehind)
		assert.Equal(t, int64(4), health.MaxPosition)
	})
}

func TestAdapter_GetTotalEventCount(t *testing.T) {
	adapter := newTestAdapter(t)
	seedStreams(t, adapter)

	count, err := adapter.GetTotalEventCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), count)
}
