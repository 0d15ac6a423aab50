package strata

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
	"github.com/stratastore/strata/adapters/memory"
)

type orderPlaced struct {
	CustomerID string `json:"customerId"`
}

type orderItemAdded struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

type orderShipped struct {
	Carrier string `json:"carrier"`
}

type order struct {
	AggregateBase

	CustomerID string
	Items      int
	Shipped    bool
}

func newOrder(id string) *order {
	return &order{AggregateBase: NewAggregateBase(id, "Order")}
}

func (o *order) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case orderPlaced:
		o.CustomerID = e.CustomerID
	case orderItemAdded:
		o.Items += e.Quantity
	case orderShipped:
		if o.Shipped {
			return errors.New("order already shipped")
		}
		o.Shipped = true
	default:
		return errors.New("unknown event")
	}
	return nil
}

func (o *order) Place(customerID string) error {
	return o.Raise(o, orderPlaced{CustomerID: customerID})
}

func (o *order) AddItem(sku string, qty int) error {
	return o.Raise(o, orderItemAdded{SKU: sku, Quantity: qty})
}

func (o *order) Ship(carrier string) error {
	return o.Raise(o, orderShipped{Carrier: carrier})
}

func newTestStore(t *testing.T) *EventStore {
	t.Helper()
	store := New(memory.NewAdapter())
	store.RegisterEvents(orderPlaced{}, orderItemAdded{}, orderShipped{})
	return store
}

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		store := New(memory.NewAdapter())
		assert.NotNil(t, store.Serializer())
		assert.NotNil(t, store.Adapter())
		assert.NotNil(t, store.Logger())
	})

	t.Run("with options", func(t *testing.T) {
		ser := NewJSONSerializer()
		logger := &noopLogger{}
		store := New(memory.NewAdapter(), WithSerializer(ser), WithLogger(logger))
		assert.Same(t, ser, store.Serializer().(*JSONSerializer))
		assert.Same(t, logger, store.Logger().(*noopLogger))
	})
}

func TestEventStore_Append(t *testing.T) {
	ctx := context.Background()

	t.Run("returns committed stream version", func(t *testing.T) {
		store := newTestStore(t)

		version, err := store.Append(ctx, "Order-1", []interface{}{
			orderPlaced{CustomerID: "cust-1"},
			orderItemAdded{SKU: "sku-1", Quantity: 2},
			orderItemAdded{SKU: "sku-2", Quantity: 1},
		}, ExpectVersion(NoStream))
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
	})

	t.Run("default expected version is AnyVersion", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}})
		require.NoError(t, err)

		version, err := store.Append(ctx, "Order-1", []interface{}{orderItemAdded{Quantity: 1}})
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})

	t.Run("version mismatch fails with ConcurrencyError", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}})
		require.NoError(t, err)

		_, err = store.Append(ctx, "Order-1", []interface{}{orderShipped{}}, ExpectVersion(5))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)

		var conflict *adapters.ConcurrencyError
		require.ErrorAs(t, err, &conflict)
		require.NotNil(t, conflict.ExpectedVersion)
		require.NotNil(t, conflict.ActualVersion)
		assert.Equal(t, int64(5), *conflict.ExpectedVersion)
		assert.Equal(t, int64(1), *conflict.ActualVersion)
	})

	t.Run("validation", func(t *testing.T) {
		store := newTestStore(t)

		_, err := store.Append(ctx, "", []interface{}{orderPlaced{}})
		assert.ErrorIs(t, err, ErrEmptyStreamID)

		_, err = store.Append(ctx, "Order-1", nil)
		assert.ErrorIs(t, err, ErrNoEvents)
	})

	t.Run("metadata round trip", func(t *testing.T) {
		store := newTestStore(t)

		meta := Metadata{}.
			WithCorrelationID("corr-1").
			WithTenantID("tenant-a").
			WithCustom("source", "api")
		_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}}, WithAppendMetadata(meta))
		require.NoError(t, err)

		stored, err := store.LoadRaw(ctx, "Order-1", 0)
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, "corr-1", stored[0].Metadata.CorrelationID)
		assert.Equal(t, "tenant-a", stored[0].Metadata.TenantID)
		assert.Equal(t, "api", stored[0].Metadata.Custom["source"])
	})
}

func TestEventStore_Load(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Append(ctx, "Order-1", []interface{}{
		orderPlaced{CustomerID: "cust-1"},
		orderItemAdded{SKU: "sku-1", Quantity: 2},
		orderShipped{Carrier: "ups"},
	})
	require.NoError(t, err)

	t.Run("decodes all events in version order", func(t *testing.T) {
		events, err := store.Load(ctx, "Order-1")
		require.NoError(t, err)
		require.Len(t, events, 3)

		placed, ok := events[0].Data.(orderPlaced)
		require.True(t, ok)
		assert.Equal(t, "cust-1", placed.CustomerID)
		assert.Equal(t, int64(1), events[0].Version)
		assert.Equal(t, int64(3), events[2].Version)
	})

	t.Run("from version is exclusive", func(t *testing.T) {
		events, err := store.LoadFrom(ctx, "Order-1", 1)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(2), events[0].Version)
	})

	t.Run("missing stream yields empty slice", func(t *testing.T) {
		events, err := store.Load(ctx, "Order-missing")
		require.NoError(t, err)
		assert.Empty(t, events)
	})

	t.Run("raw load keeps payloads encoded", func(t *testing.T) {
		stored, err := store.LoadRaw(ctx, "Order-1", 0)
		require.NoError(t, err)
		require.Len(t, stored, 3)
		assert.Equal(t, "orderPlaced", stored[0].Type)
		assert.NotEmpty(t, stored[0].Data)
	})

	t.Run("empty stream ID is rejected", func(t *testing.T) {
		_, err := store.Load(ctx, "")
		assert.ErrorIs(t, err, ErrEmptyStreamID)
	})
}

func TestEventStore_SaveAggregate(t *testing.T) {
	ctx := context.Background()

	t.Run("persists pending events and advances version", func(t *testing.T) {
		store := newTestStore(t)

		o := newOrder("ord-1")
		require.NoError(t, o.Place("cust-1"))
		require.NoError(t, o.AddItem("sku-1", 2))
		require.NoError(t, o.Ship("ups"))
		assert.Equal(t, int64(0), o.Version())

		version, err := store.SaveAggregate(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, int64(3), version)
		assert.Equal(t, int64(3), o.Version())
		assert.False(t, o.HasUncommittedEvents())
	})

	t.Run("no pending events is a no-op", func(t *testing.T) {
		store := newTestStore(t)

		o := newOrder("ord-1")
		require.NoError(t, o.Place("cust-1"))
		_, err := store.SaveAggregate(ctx, o)
		require.NoError(t, err)

		version, err := store.SaveAggregate(ctx, o)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
	})

	t.Run("nil aggregate", func(t *testing.T) {
		store := newTestStore(t)
		_, err := store.SaveAggregate(ctx, nil)
		assert.ErrorIs(t, err, ErrNilAggregate)
	})

	t.Run("conflict leaves the aggregate untouched", func(t *testing.T) {
		store := newTestStore(t)

		first := newOrder("ord-1")
		require.NoError(t, first.Place("cust-1"))
		_, err := store.SaveAggregate(ctx, first)
		require.NoError(t, err)

		// Stale copy that never saw the first save.
		stale := newOrder("ord-1")
		require.NoError(t, stale.Place("cust-2"))
		_, err = store.SaveAggregate(ctx, stale)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConcurrencyConflict)
		assert.Equal(t, int64(0), stale.Version())
		assert.True(t, stale.HasUncommittedEvents())
	})

	t.Run("concurrent savers race to exactly one winner", func(t *testing.T) {
		store := newTestStore(t)

		base := newOrder("ord-1")
		require.NoError(t, base.Place("cust-1"))
		_, err := store.SaveAggregate(ctx, base)
		require.NoError(t, err)

		loadCopy := func() *order {
			o := newOrder("ord-1")
			require.NoError(t, store.LoadAggregate(ctx, o))
			require.NoError(t, o.AddItem("sku-1", 1))
			return o
		}
		a, b := loadCopy(), loadCopy()

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for i, o := range []*order{a, b} {
			wg.Add(1)
			go func(i int, o *order) {
				defer wg.Done()
				_, errs[i] = store.SaveAggregate(ctx, o)
			}(i, o)
		}
		wg.Wait()

		var conflicts int
		for _, err := range errs {
			if err != nil {
				assert.ErrorIs(t, err, ErrConcurrencyConflict)
				conflicts++
			}
		}
		assert.Equal(t, 1, conflicts)

		info, err := store.GetStreamInfo(ctx, "Order-ord-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), info.Version)
	})
}

func TestEventStore_LoadAggregate(t *testing.T) {
	ctx := context.Background()

	t.Run("replays history and restores state", func(t *testing.T) {
		store := newTestStore(t)

		o := newOrder("ord-1")
		require.NoError(t, o.Place("cust-1"))
		require.NoError(t, o.AddItem("sku-1", 2))
		require.NoError(t, o.AddItem("sku-2", 3))
		_, err := store.SaveAggregate(ctx, o)
		require.NoError(t, err)

		loaded := newOrder("ord-1")
		require.NoError(t, store.LoadAggregate(ctx, loaded))
		assert.Equal(t, "cust-1", loaded.CustomerID)
		assert.Equal(t, 5, loaded.Items)
		assert.Equal(t, int64(3), loaded.Version())
	})

	t.Run("version equals event count", func(t *testing.T) {
		store := newTestStore(t)

		o := newOrder("ord-1")
		for i := 0; i < 7; i++ {
			require.NoError(t, o.AddItem("sku", 1))
		}
		_, err := store.SaveAggregate(ctx, o)
		require.NoError(t, err)

		loaded := newOrder("ord-1")
		require.NoError(t, store.LoadAggregate(ctx, loaded))

		events, err := store.Load(ctx, "Order-ord-1")
		require.NoError(t, err)
		assert.Equal(t, int64(len(events)), loaded.Version())
	})

	t.Run("missing stream leaves a fresh aggregate", func(t *testing.T) {
		store := newTestStore(t)

		loaded := newOrder("ord-missing")
		require.NoError(t, store.LoadAggregate(ctx, loaded))
		assert.Equal(t, int64(0), loaded.Version())
	})

	t.Run("nil aggregate", func(t *testing.T) {
		store := newTestStore(t)
		assert.ErrorIs(t, store.LoadAggregate(ctx, nil), ErrNilAggregate)
	})
}

func TestEventStore_CommitObservers(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var mu sync.Mutex
	var seen []string
	store.ObserveCommits(CommitObserverFunc(func(ctx context.Context, events []StoredEvent) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range events {
			seen = append(seen, e.Type)
		}
	}))

	_, err := store.Append(ctx, "Order-1", []interface{}{
		orderPlaced{},
		orderItemAdded{Quantity: 1},
	})
	require.NoError(t, err)

	// Observers run synchronously before Append returns.
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"orderPlaced", "orderItemAdded"}, seen)
}

func TestEventStore_GlobalOrdering(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}})
	require.NoError(t, err)
	_, err = store.Append(ctx, "Order-2", []interface{}{orderPlaced{}})
	require.NoError(t, err)
	_, err = store.Append(ctx, "Order-1", []interface{}{orderShipped{}})
	require.NoError(t, err)

	t.Run("last position counts all streams", func(t *testing.T) {
		pos, err := store.GetLastPosition(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(3), pos)
	})

	t.Run("reads across streams in commit order", func(t *testing.T) {
		events, err := store.LoadEventsFromPosition(ctx, 0, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "Order-1", events[0].StreamID)
		assert.Equal(t, "Order-2", events[1].StreamID)
		assert.Equal(t, "Order-1", events[2].StreamID)
		assert.Equal(t, uint64(1), events[0].GlobalPosition)
		assert.Equal(t, uint64(3), events[2].GlobalPosition)
	})

	t.Run("from position is exclusive", func(t *testing.T) {
		events, err := store.LoadEventsFromPosition(ctx, 2, 10)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, uint64(3), events[0].GlobalPosition)
	})
}

func TestEventStore_GetStreamInfo(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Append(ctx, "Order-1", []interface{}{orderPlaced{}, orderShipped{}})
	require.NoError(t, err)

	info, err := store.GetStreamInfo(ctx, "Order-1")
	require.NoError(t, err)
	assert.Equal(t, "Order-1", info.StreamID)
	assert.Equal(t, "Order", info.Category)
	assert.Equal(t, int64(2), info.Version)
	assert.Equal(t, int64(2), info.EventCount)
	assert.False(t, info.CreatedAt.IsZero())

	_, err = store.GetStreamInfo(ctx, "Order-missing")
	assert.ErrorIs(t, err, ErrStreamNotFound)
}
