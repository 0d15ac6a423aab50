package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func newMessage(destination string) *adapters.OutboxMessage {
	return &adapters.OutboxMessage{
		AggregateID: "Order-1",
		EventType:   "OrderCreated",
		Destination: destination,
		Payload:     []byte(`{}`),
	}
}

func TestOutboxStore_Schedule(t *testing.T) {
	ctx := context.Background()

	t.Run("fills defaults and stores as pending", func(t *testing.T) {
		store := NewOutboxStore()

		msg := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{msg}))

		assert.NotEmpty(t, msg.ID)
		assert.False(t, msg.CreatedAt.IsZero())
		assert.False(t, msg.ScheduledAt.IsZero())
		assert.Equal(t, 5, msg.MaxAttempts)
		assert.Equal(t, 1, store.Count())
		assert.Equal(t, 1, store.CountByStatus()[adapters.OutboxPending])
	})

	t.Run("ScheduleInTx behaves like Schedule", func(t *testing.T) {
		store := NewOutboxStore()

		require.NoError(t, store.ScheduleInTx(ctx, nil, []*adapters.OutboxMessage{newMessage("kafka:orders")}))
		assert.Equal(t, 1, store.Count())
	})
}

func TestOutboxStore_FetchPending(t *testing.T) {
	ctx := context.Background()

	t.Run("claims due messages oldest first", func(t *testing.T) {
		store := NewOutboxStore()

		older := newMessage("kafka:orders")
		older.ScheduledAt = time.Now().Add(-2 * time.Minute)
		newer := newMessage("kafka:orders")
		newer.ScheduledAt = time.Now().Add(-time.Minute)
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{newer, older}))

		claimed, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, older.ID, claimed[0].ID)
		assert.Equal(t, adapters.OutboxProcessing, claimed[0].Status)
		assert.Equal(t, 1, claimed[0].Attempts)
		assert.NotNil(t, claimed[0].LastAttemptAt)
	})

	t.Run("claimed messages are not re-claimed", func(t *testing.T) {
		store := NewOutboxStore()
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{newMessage("kafka:orders")}))

		first, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, first, 1)

		second, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, second)
	})

	t.Run("future messages are not due", func(t *testing.T) {
		store := NewOutboxStore()

		future := newMessage("kafka:orders")
		future.ScheduledAt = time.Now().Add(time.Hour)
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{future}))

		claimed, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("limit caps the claim", func(t *testing.T) {
		store := NewOutboxStore()
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{
			newMessage("kafka:orders"), newMessage("kafka:orders"), newMessage("kafka:orders"),
		}))

		claimed, err := store.FetchPending(ctx, 2)
		require.NoError(t, err)
		assert.Len(t, claimed, 2)
	})
}

func TestOutboxStore_Outcomes(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkCompleted stamps processed time", func(t *testing.T) {
		store := NewOutboxStore()
		msg := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{msg}))
		_, err := store.FetchPending(ctx, 1)
		require.NoError(t, err)

		require.NoError(t, store.MarkCompleted(ctx, []string{msg.ID}))
		assert.Equal(t, 1, store.CountByStatus()[adapters.OutboxCompleted])
	})

	t.Run("MarkFailed records the error", func(t *testing.T) {
		store := NewOutboxStore()
		msg := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{msg}))

		require.NoError(t, store.MarkFailed(ctx, msg.ID, errors.New("broker unreachable")))

		assert.Equal(t, 1, store.CountByStatus()[adapters.OutboxFailed])
	})

	t.Run("MarkFailed on unknown ID errors", func(t *testing.T) {
		store := NewOutboxStore()

		err := store.MarkFailed(ctx, "missing", errors.New("x"))
		assert.ErrorIs(t, err, adapters.ErrOutboxMessageNotFound)
	})
}

func TestOutboxStore_Maintenance(t *testing.T) {
	ctx := context.Background()

	// fail claims a message and marks it failed, bumping its attempt count.
	fail := func(t *testing.T, store *OutboxStore, id string) {
		t.Helper()
		claimed, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.NotEmpty(t, claimed)
		require.NoError(t, store.MarkFailed(ctx, id, errors.New("publish failed")))
	}

	t.Run("RetryFailed re-arms messages below the attempt cap", func(t *testing.T) {
		store := NewOutboxStore()
		msg := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{msg}))
		fail(t, store, msg.ID)

		count, err := store.RetryFailed(ctx, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), count)
		assert.Equal(t, 1, store.CountByStatus()[adapters.OutboxPending])
	})

	t.Run("MoveToDeadLetter catches exhausted messages", func(t *testing.T) {
		store := NewOutboxStore()
		msg := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{msg}))

		// Exhaust two attempts against a cap of two.
		fail(t, store, msg.ID)
		_, err := store.RetryFailed(ctx, 5)
		require.NoError(t, err)
		fail(t, store, msg.ID)

		moved, err := store.MoveToDeadLetter(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(1), moved)

		dead, err := store.GetDeadLetterMessages(ctx, 10)
		require.NoError(t, err)
		require.Len(t, dead, 1)
		assert.Equal(t, msg.ID, dead[0].ID)
		assert.Equal(t, "publish failed", dead[0].LastError)
	})

	t.Run("Cleanup purges old completed messages only", func(t *testing.T) {
		store := NewOutboxStore()
		done := newMessage("kafka:orders")
		pending := newMessage("kafka:orders")
		require.NoError(t, store.Schedule(ctx, []*adapters.OutboxMessage{done, pending}))

		claimed, err := store.FetchPending(ctx, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		require.NoError(t, store.MarkCompleted(ctx, []string{done.ID}))

		// olderThan in the future makes the completed message eligible now.
		removed, err := store.Cleanup(ctx, -time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)
		assert.Equal(t, 1, store.Count())
	})
}
