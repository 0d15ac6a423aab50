package strata

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters/memory"
)

// cart implements Snapshotter to control its own snapshot encoding.
type cart struct {
	AggregateBase

	ItemCount int
}

type cartItemAdded struct {
	Quantity int `json:"quantity"`
}

func newCart(id string) *cart {
	return &cart{AggregateBase: NewAggregateBase(id, "Cart")}
}

func (c *cart) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case cartItemAdded:
		c.ItemCount += e.Quantity
	default:
		return errors.New("unknown event")
	}
	return nil
}

func (c *cart) AddItem(qty int) error {
	return c.Raise(c, cartItemAdded{Quantity: qty})
}

type cartState struct {
	ItemCount int `json:"itemCount"`
}

func (c *cart) SnapshotState() ([]byte, error) {
	return json.Marshal(cartState{ItemCount: c.ItemCount})
}

func (c *cart) RestoreSnapshot(data []byte) error {
	var state cartState
	if err := json.Unmarshal(data, &state); err != nil {
		return err
	}
	c.ItemCount = state.ItemCount
	return nil
}

func newCartRepository(t *testing.T, opts ...RepositoryOption[*cart]) (*Repository[*cart], *memory.Adapter) {
	t.Helper()
	adapter := memory.NewAdapter()
	store := New(adapter)
	store.RegisterEvents(cartItemAdded{})
	return NewRepository(store, newCart, opts...), adapter
}

func saveCart(t *testing.T, repo *Repository[*cart], c *cart) int64 {
	t.Helper()
	committed, err := repo.Save(context.Background(), c)
	require.NoError(t, err)
	return committed
}

func TestRepository_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	repo, _ := newCartRepository(t)

	c := newCart("cart-1")
	require.NoError(t, c.AddItem(2))
	require.NoError(t, c.AddItem(3))
	committed, err := repo.Save(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed)
	assert.Equal(t, int64(2), c.Version())

	// A save with nothing pending reports the current version.
	committed, err = repo.Save(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed)

	loaded, err := repo.Load(ctx, "cart-1")
	require.NoError(t, err)
	assert.Equal(t, 5, loaded.ItemCount)
	assert.Equal(t, int64(2), loaded.Version())
}

func TestRepository_LoadMissing(t *testing.T) {
	ctx := context.Background()
	repo, _ := newCartRepository(t)

	_, err := repo.Load(ctx, "cart-missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAggregateNotFound)

	var notFound *AggregateNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "Cart-cart-missing", notFound.StreamID)
}

func TestRepository_Exists(t *testing.T) {
	ctx := context.Background()
	repo, _ := newCartRepository(t)

	ok, err := repo.Exists(ctx, "cart-1")
	require.NoError(t, err)
	assert.False(t, ok)

	c := newCart("cart-1")
	require.NoError(t, c.AddItem(1))
	saveCart(t, repo, c)

	ok, err = repo.Exists(ctx, "cart-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepository_ConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	repo, _ := newCartRepository(t)

	c := newCart("cart-1")
	require.NoError(t, c.AddItem(1))
	saveCart(t, repo, c)

	stale := newCart("cart-1")
	require.NoError(t, stale.AddItem(1))
	_, err := repo.Save(ctx, stale)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrencyConflict)
}

func TestRepository_Snapshots(t *testing.T) {
	ctx := context.Background()

	t.Run("snapshot taken at the interval", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 3))

		c := newCart("cart-1")
		for i := 0; i < 3; i++ {
			require.NoError(t, c.AddItem(1))
		}
		saveCart(t, repo, c)

		record, err := snapAdapter.LoadSnapshot(ctx, "Cart-cart-1")
		require.NoError(t, err)
		require.NotNil(t, record)
		assert.Equal(t, int64(3), record.Version)
	})

	t.Run("no snapshot below the interval", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 5))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(1))
		saveCart(t, repo, c)

		record, err := snapAdapter.LoadSnapshot(ctx, "Cart-cart-1")
		require.NoError(t, err)
		assert.Nil(t, record)
	})

	t.Run("snapshot plus replay equals full replay", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		adapter := memory.NewAdapter()
		store := New(adapter)
		store.RegisterEvents(cartItemAdded{})
		repo := NewRepository(store, newCart, WithSnapshots[*cart](snapAdapter, 2))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(1))
		require.NoError(t, c.AddItem(2))
		saveCart(t, repo, c)

		// Events past the snapshot.
		require.NoError(t, c.AddItem(4))
		saveCart(t, repo, c)

		fromSnapshot, err := repo.Load(ctx, "cart-1")
		require.NoError(t, err)

		bare := NewRepository(store, newCart)
		fromEvents, err := bare.Load(ctx, "cart-1")
		require.NoError(t, err)

		assert.Equal(t, fromEvents.ItemCount, fromSnapshot.ItemCount)
		assert.Equal(t, fromEvents.Version(), fromSnapshot.Version())
	})

	t.Run("load restores snapshot then replays the tail", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 2))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(1))
		require.NoError(t, c.AddItem(2))
		saveCart(t, repo, c)
		require.NoError(t, c.AddItem(3))
		saveCart(t, repo, c)

		loaded, err := repo.Load(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, 6, loaded.ItemCount)
		assert.Equal(t, int64(3), loaded.Version())
	})

	t.Run("snapshot failure never fails the save", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		require.NoError(t, snapAdapter.Close())
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 1))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(1))
		committed, err := repo.Save(ctx, c)
		assert.NoError(t, err)
		assert.Equal(t, int64(1), committed)
	})

	t.Run("snapshot load failure degrades to full replay", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 10))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(7))
		saveCart(t, repo, c)

		require.NoError(t, snapAdapter.Close())

		loaded, err := repo.Load(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, 7, loaded.ItemCount)
		assert.Equal(t, int64(1), loaded.Version())
	})

	t.Run("corrupt snapshot falls back to full replay", func(t *testing.T) {
		snapAdapter := memory.NewAdapter()
		repo, _ := newCartRepository(t, WithSnapshots[*cart](snapAdapter, 10))

		c := newCart("cart-1")
		require.NoError(t, c.AddItem(2))
		require.NoError(t, c.AddItem(3))
		saveCart(t, repo, c)

		// A snapshot whose payload cannot be decoded must not poison the
		// load; the state it half-applied is thrown away.
		require.NoError(t, snapAdapter.SaveSnapshot(ctx, "Cart-cart-1", 2, []byte("{not json")))

		loaded, err := repo.Load(ctx, "cart-1")
		require.NoError(t, err)
		assert.Equal(t, 5, loaded.ItemCount)
		assert.Equal(t, int64(2), loaded.Version())
	})
}

func TestRepository_JSONFallbackSnapshots(t *testing.T) {
	// order does not implement Snapshotter; its exported fields are
	// snapshotted as JSON.
	ctx := context.Background()
	snapAdapter := memory.NewAdapter()
	adapter := memory.NewAdapter()
	store := New(adapter)
	store.RegisterEvents(orderPlaced{}, orderItemAdded{}, orderShipped{})
	repo := NewRepository(store, newOrder, WithSnapshots[*order](snapAdapter, 2))

	o := newOrder("ord-1")
	require.NoError(t, o.Place("cust-1"))
	require.NoError(t, o.AddItem("sku-1", 4))
	committed, err := repo.Save(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, int64(2), committed)

	record, err := snapAdapter.LoadSnapshot(ctx, "Order-ord-1")
	require.NoError(t, err)
	require.NotNil(t, record)

	loaded, err := repo.Load(ctx, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "cust-1", loaded.CustomerID)
	assert.Equal(t, 4, loaded.Items)
	assert.Equal(t, int64(2), loaded.Version())
}
