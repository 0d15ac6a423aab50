package strata

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandHandlerFunc(t *testing.T) {
	handler := NewCommandHandlerFunc("PlaceOrder", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewSuccessResult("ord-1", 1), nil
	})

	assert.Equal(t, "PlaceOrder", handler.CommandType())

	result, err := handler.Handle(context.Background(), placeOrder{})
	require.NoError(t, err)
	assert.True(t, result.IsSuccess())
}

func TestGenericHandler(t *testing.T) {
	handler := NewGenericHandler(func(ctx context.Context, cmd placeOrder) (CommandResult, error) {
		return NewSuccessResult(cmd.OrderID, 1), nil
	})

	assert.Equal(t, "PlaceOrder", handler.CommandType())

	t.Run("typed dispatch", func(t *testing.T) {
		result, err := handler.Handle(context.Background(), placeOrder{OrderID: "ord-1", CustomerID: "c"})
		require.NoError(t, err)
		assert.Equal(t, "ord-1", result.AggregateID)
	})

	t.Run("wrong command type", func(t *testing.T) {
		result, err := handler.Handle(context.Background(), shipOrder{OrderID: "ord-1"})
		require.NoError(t, err)
		assert.True(t, result.IsError())
	})
}

func TestAggregateHandler(t *testing.T) {
	ctx := context.Background()

	newHandler := func(t *testing.T) (*AggregateHandler[placeOrder, *order], *EventStore) {
		t.Helper()
		store := newTestStore(t)
		handler := NewAggregateHandler(AggregateHandlerConfig[placeOrder, *order]{
			Store:   store,
			Factory: newOrder,
			Executor: func(ctx context.Context, agg *order, cmd placeOrder) error {
				return agg.Place(cmd.CustomerID)
			},
		})
		return handler, store
	}

	t.Run("create path assigns an ID", func(t *testing.T) {
		handler, store := newHandler(t)

		result, err := handler.Handle(ctx, placeOrder{CustomerID: "cust-1"})
		require.NoError(t, err)
		require.True(t, result.IsSuccess())
		assert.NotEmpty(t, result.AggregateID)
		assert.Equal(t, int64(1), result.Version)

		loaded := newOrder(result.AggregateID)
		require.NoError(t, store.LoadAggregate(ctx, loaded))
		assert.Equal(t, "cust-1", loaded.CustomerID)
	})

	t.Run("custom ID function", func(t *testing.T) {
		store := newTestStore(t)
		handler := NewAggregateHandler(AggregateHandlerConfig[placeOrder, *order]{
			Store:   store,
			Factory: newOrder,
			Executor: func(ctx context.Context, agg *order, cmd placeOrder) error {
				return agg.Place(cmd.CustomerID)
			},
			NewIDFunc: func() string { return "fixed-id" },
		})

		result, err := handler.Handle(ctx, placeOrder{CustomerID: "c"})
		require.NoError(t, err)
		assert.Equal(t, "fixed-id", result.AggregateID)
	})

	t.Run("update path loads existing state", func(t *testing.T) {
		store := newTestStore(t)
		seed := newOrder("ord-1")
		require.NoError(t, seed.Place("cust-1"))
		_, err := store.SaveAggregate(ctx, seed)
		require.NoError(t, err)

		handler := NewAggregateHandler(AggregateHandlerConfig[shipOrder, *order]{
			Store:   store,
			Factory: newOrder,
			Executor: func(ctx context.Context, agg *order, cmd shipOrder) error {
				return agg.Ship(cmd.Carrier)
			},
		})

		result, err := handler.Handle(ctx, shipOrder{OrderID: "ord-1", Carrier: "ups"})
		require.NoError(t, err)
		require.True(t, result.IsSuccess())
		assert.Equal(t, int64(2), result.Version)
	})

	t.Run("domain rejection becomes an error result", func(t *testing.T) {
		store := newTestStore(t)
		seed := newOrder("ord-1")
		require.NoError(t, seed.Ship("ups"))
		_, err := store.SaveAggregate(ctx, seed)
		require.NoError(t, err)

		handler := NewAggregateHandler(AggregateHandlerConfig[shipOrder, *order]{
			Store:   store,
			Factory: newOrder,
			Executor: func(ctx context.Context, agg *order, cmd shipOrder) error {
				return agg.Ship(cmd.Carrier)
			},
		})

		result, err := handler.Handle(ctx, shipOrder{OrderID: "ord-1", Carrier: "fedex"})
		require.NoError(t, err)
		assert.True(t, result.IsError())
	})

	t.Run("wrong command type", func(t *testing.T) {
		handler, _ := newHandler(t)
		result, err := handler.Handle(ctx, shipOrder{OrderID: "ord-1"})
		require.NoError(t, err)
		assert.True(t, result.IsError())
	})
}

func TestHandlerRegistry(t *testing.T) {
	registry := NewHandlerRegistry()
	assert.Equal(t, 0, registry.Count())

	registry.RegisterFunc("PlaceOrder", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewSuccessResult("", 0), nil
	})
	RegisterGenericHandler(registry, func(ctx context.Context, cmd shipOrder) (CommandResult, error) {
		return NewSuccessResult(cmd.OrderID, 0), nil
	})

	assert.Equal(t, 2, registry.Count())
	assert.True(t, registry.Has("PlaceOrder"))
	assert.True(t, registry.Has("ShipOrder"))
	assert.NotNil(t, registry.Get("PlaceOrder"))
	assert.Nil(t, registry.Get("Unknown"))
	assert.ElementsMatch(t, []string{"PlaceOrder", "ShipOrder"}, registry.CommandTypes())

	registry.Remove("PlaceOrder")
	assert.False(t, registry.Has("PlaceOrder"))

	registry.Clear()
	assert.Equal(t, 0, registry.Count())
}

func TestSimpleDispatcher(t *testing.T) {
	ctx := context.Background()
	registry := NewHandlerRegistry()
	registry.RegisterFunc("PlaceOrder", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewSuccessResult("ord-1", 1), nil
	})
	dispatcher := NewSimpleDispatcher(registry)

	t.Run("routes to the handler", func(t *testing.T) {
		result, err := dispatcher.Dispatch(ctx, placeOrder{CustomerID: "c"})
		require.NoError(t, err)
		assert.True(t, result.IsSuccess())
	})

	t.Run("unknown command", func(t *testing.T) {
		_, err := dispatcher.Dispatch(ctx, shipOrder{OrderID: "o"})
		assert.ErrorIs(t, err, ErrHandlerNotFound)
	})

	t.Run("nil command", func(t *testing.T) {
		_, err := dispatcher.Dispatch(ctx, nil)
		assert.ErrorIs(t, err, ErrNilCommand)
	})
}

func TestGetCommandType(t *testing.T) {
	assert.Equal(t, "placeOrder", GetCommandType(placeOrder{}))
	assert.Equal(t, "placeOrder", GetCommandType(&placeOrder{}))
	assert.Equal(t, "", GetCommandType(nil))
}

func TestHandlerErrorsSurfaceUnchanged(t *testing.T) {
	registry := NewHandlerRegistry()
	sentinel := errors.New("storage down")
	registry.RegisterFunc("PlaceOrder", func(ctx context.Context, cmd Command) (CommandResult, error) {
		return NewErrorResult(sentinel), sentinel
	})

	_, err := NewSimpleDispatcher(registry).Dispatch(context.Background(), placeOrder{})
	assert.ErrorIs(t, err, sentinel)
}
