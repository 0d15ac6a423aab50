// Package strata implements an event-sourcing core for Go applications:
// append-only event streams per aggregate, optimistic-concurrency-controlled
// writes, snapshots for fast rehydration, and read-model projections fed by
// the same event log.
//
// # Quick Start
//
// Create an event store with the in-memory adapter for development:
//
//	import (
//	    "github.com/stratastore/strata"
//	    "github.com/stratastore/strata/adapters/memory"
//	)
//
//	store := strata.New(memory.NewAdapter())
//
// For production, use the PostgreSQL adapter:
//
//	import (
//	    "github.com/stratastore/strata"
//	    "github.com/stratastore/strata/adapters/postgres"
//	)
//
//	adapter, err := postgres.NewAdapter(ctx, connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	store := strata.New(adapter)
//
// # Defining Events
//
// Events are plain structs describing facts that happened in your domain:
//
//	type OrderPlaced struct {
//	    OrderID    string `json:"orderId"`
//	    CustomerID string `json:"customerId"`
//	}
//
//	type ItemAdded struct {
//	    OrderID  string  `json:"orderId"`
//	    SKU      string  `json:"sku"`
//	    Quantity int     `json:"quantity"`
//	    Price    float64 `json:"price"`
//	}
//
// Register events with the store so they can be decoded on read:
//
//	store.RegisterEvents(OrderPlaced{}, ItemAdded{})
//
// # Defining Aggregates
//
// Aggregates derive their state entirely from their own event history.
// Domain operations raise events; ApplyEvent folds them into state:
//
//	type Order struct {
//	    strata.AggregateBase
//	    CustomerID string
//	    Items      []OrderItem
//	    Status     string
//	}
//
//	func NewOrder(id string) *Order {
//	    return &Order{AggregateBase: strata.NewAggregateBase(id, "Order")}
//	}
//
//	func (o *Order) Place(customerID string) error {
//	    return o.Raise(o, OrderPlaced{OrderID: o.AggregateID(), CustomerID: customerID})
//	}
//
//	func (o *Order) ApplyEvent(event interface{}) error {
//	    switch e := event.(type) {
//	    case OrderPlaced:
//	        o.CustomerID = e.CustomerID
//	        o.Status = "Placed"
//	    case ItemAdded:
//	        o.Items = append(o.Items, OrderItem{SKU: e.SKU, Quantity: e.Quantity, Price: e.Price})
//	    }
//	    return nil
//	}
//
// Raise applies the event and records it as uncommitted in one step, so
// replaying a load and mutating live state go through the same code path.
//
// # Repositories and Snapshots
//
// A Repository wraps the store with load/save semantics and a snapshot
// policy:
//
//	repo := strata.NewRepository(store, "Order", func(id string) strata.Aggregate {
//	    return NewOrder(id)
//	}, strata.WithSnapshots(snapshotStore, 100))
//
//	agg, err := repo.Load(ctx, "order-123")
//	order := agg.(*Order)
//	if err := order.Place("customer-456"); err != nil { ... }
//	committed, err := repo.Save(ctx, order)
//
// Save appends the pending events under an expected-version check; a
// concurrent writer that loses the race receives a ConcurrencyError and can
// reload and retry.
//
// # Optimistic Concurrency
//
// Low-level appends take an expected version:
//
//	// Create a new stream (must not exist)
//	v, err := store.Append(ctx, "Order-123", events, strata.ExpectVersion(strata.NoStream))
//
//	// Append to an existing stream at a specific version
//	v, err = store.Append(ctx, "Order-123", more, strata.ExpectVersion(v))
//
// Version sentinels:
//   - AnyVersion (-1): skip the check
//   - NoStream (0): stream must not exist
//   - StreamExists (-2): stream must exist
//
// # Projections
//
// Projections fold committed events into read models. Inline projections run
// on the commit path, async projections run checkpointed in the background,
// and live projections receive a real-time feed:
//
//	engine := strata.NewProjectionEngine(store, strata.WithCheckpointStore(ckpts))
//	engine.RegisterInline(orderSummary)
//	engine.RegisterAsync(orderSearch)
//	store.ObserveCommits(engine)
//	engine.Start(ctx)
//
// Rebuilding a projection replays the whole log through it and catches up on
// anything committed during the rebuild; see ProjectionRebuilder.
//
// # Commands
//
// The command bus is the write-side seam between an application and its
// repositories; handlers load an aggregate, execute the command and save:
//
//	bus := strata.NewCommandBus()
//	bus.Use(strata.ValidationMiddleware())
//	bus.Use(strata.RecoveryMiddleware())
//	bus.Register(placeOrderHandler)
//	result, err := bus.Dispatch(ctx, PlaceOrder{CustomerID: "cust-1"})
package strata

// Version returns the library version string.
func Version() string {
	return "0.3.0"
}

// BuildStreamID creates a stream ID from an aggregate type and ID,
// following the "{Type}-{ID}" convention.
func BuildStreamID(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}
