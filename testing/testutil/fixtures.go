package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/stratastore/strata"
)

// OrderPlaced is a domain event fixture.
type OrderPlaced struct {
	OrderID    string `json:"orderId"`
	CustomerID string `json:"customerId"`
}

// ItemAdded is a domain event fixture.
type ItemAdded struct {
	OrderID  string  `json:"orderId"`
	SKU      string  `json:"sku"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price"`
}

// OrderShipped is a domain event fixture.
type OrderShipped struct {
	OrderID        string `json:"orderId"`
	TrackingNumber string `json:"trackingNumber"`
}

// OrderCancelled is a domain event fixture.
type OrderCancelled struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// OrderItem is a line item on the Order fixture aggregate.
type OrderItem struct {
	SKU      string
	Quantity int
	Price    float64
}

// Order is a small but realistic aggregate used by the framework's own
// tests: a lifecycle with guarded transitions, raised events, and replay.
type Order struct {
	strata.AggregateBase

	CustomerID     string
	Items          []OrderItem
	Status         string
	TrackingNumber string
	CancelReason   string
}

// NewOrder creates an empty Order aggregate with the given ID.
func NewOrder(id string) *Order {
	return &Order{
		AggregateBase: strata.NewAggregateBase(id, "Order"),
	}
}

// Place initializes the order for a customer.
func (o *Order) Place(customerID string) error {
	if o.Status != "" {
		return fmt.Errorf("order %s already placed", o.AggregateID())
	}
	return o.Raise(o, OrderPlaced{OrderID: o.AggregateID(), CustomerID: customerID})
}

// AddItem adds a line item to an open order.
func (o *Order) AddItem(sku string, qty int, price float64) error {
	if o.Status != "Placed" {
		return fmt.Errorf("cannot add items: order status is %q", o.Status)
	}
	return o.Raise(o, ItemAdded{OrderID: o.AggregateID(), SKU: sku, Quantity: qty, Price: price})
}

// Ship marks the order as shipped. An order with no items cannot ship.
func (o *Order) Ship(trackingNumber string) error {
	if o.Status != "Placed" {
		return fmt.Errorf("cannot ship: order status is %q", o.Status)
	}
	if len(o.Items) == 0 {
		return fmt.Errorf("cannot ship an empty order")
	}
	return o.Raise(o, OrderShipped{OrderID: o.AggregateID(), TrackingNumber: trackingNumber})
}

// Cancel cancels an order that has not shipped yet.
func (o *Order) Cancel(reason string) error {
	if o.Status == "Shipped" {
		return fmt.Errorf("cannot cancel a shipped order")
	}
	if o.Status == "Cancelled" {
		return fmt.Errorf("order already cancelled")
	}
	return o.Raise(o, OrderCancelled{OrderID: o.AggregateID(), Reason: reason})
}

// TotalAmount sums the order's line items.
func (o *Order) TotalAmount() float64 {
	total := 0.0
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.Price
	}
	return total
}

// ApplyEvent folds an event into the order's state.
func (o *Order) ApplyEvent(event interface{}) error {
	switch e := event.(type) {
	case OrderPlaced:
		o.CustomerID = e.CustomerID
		o.Status = "Placed"
	case ItemAdded:
		o.Items = append(o.Items, OrderItem{SKU: e.SKU, Quantity: e.Quantity, Price: e.Price})
	case OrderShipped:
		o.Status = "Shipped"
		o.TrackingNumber = e.TrackingNumber
	case OrderCancelled:
		o.Status = "Cancelled"
		o.CancelReason = e.Reason
	default:
		return fmt.Errorf("unknown event type: %T", event)
	}
	return nil
}

// OrderSummary is the read-model row maintained by OrderReadModel.
type OrderSummary struct {
	OrderID        string
	CustomerID     string
	ItemCount      int
	TotalAmount    float64
	Status         string
	TrackingNumber string
}

// OrderReadModel is an in-memory read model over the Order fixture events,
// keyed by order ID. It implements strata.InlineProjection so it can be
// registered with a projection engine directly.
type OrderReadModel struct {
	mu      sync.RWMutex
	orders  map[string]*OrderSummary
	updates int
}

var _ strata.InlineProjection = (*OrderReadModel)(nil)

// NewOrderReadModel creates an empty read model.
func NewOrderReadModel() *OrderReadModel {
	return &OrderReadModel{
		orders: make(map[string]*OrderSummary),
	}
}

// Name implements strata.Projection.
func (rm *OrderReadModel) Name() string { return "order-summaries" }

// HandledEvents implements strata.Projection.
func (rm *OrderReadModel) HandledEvents() []string {
	return []string{"OrderPlaced", "ItemAdded", "OrderShipped", "OrderCancelled"}
}

// Apply folds one stored event into the read model. Events for orders the
// model has not seen placed are skipped, not failed, so replays from an
// arbitrary position stay safe.
func (rm *OrderReadModel) Apply(ctx context.Context, event strata.StoredEvent) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	orderID := strings.TrimPrefix(event.StreamID, "Order-")

	switch event.Type {
	case "OrderPlaced":
		var e OrderPlaced
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return fmt.Errorf("decode OrderPlaced: %w", err)
		}
		rm.orders[orderID] = &OrderSummary{
			OrderID:    orderID,
			CustomerID: e.CustomerID,
			Status:     "Placed",
		}
	case "ItemAdded":
		summary, ok := rm.orders[orderID]
		if !ok {
			break
		}
		var e ItemAdded
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return fmt.Errorf("decode ItemAdded: %w", err)
		}
		summary.ItemCount++
		summary.TotalAmount += float64(e.Quantity) * e.Price
	case "OrderShipped":
		summary, ok := rm.orders[orderID]
		if !ok {
			break
		}
		var e OrderShipped
		if err := json.Unmarshal(event.Data, &e); err != nil {
			return fmt.Errorf("decode OrderShipped: %w", err)
		}
		summary.Status = "Shipped"
		summary.TrackingNumber = e.TrackingNumber
	case "OrderCancelled":
		summary, ok := rm.orders[orderID]
		if !ok {
			break
		}
		summary.Status = "Cancelled"
	}
	rm.updates++
	return nil
}

// Get returns the summary for an order, or nil if unknown.
func (rm *OrderReadModel) Get(orderID string) *OrderSummary {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.orders[orderID]
}

// Count returns the number of orders tracked.
func (rm *OrderReadModel) Count() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.orders)
}

// UpdateCount returns how many events the read model has processed.
func (rm *OrderReadModel) UpdateCount() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.updates
}

// RegisterOrderEvents registers the Order fixture events with a store.
func RegisterOrderEvents(store *strata.EventStore) {
	store.RegisterEvents(OrderPlaced{}, ItemAdded{}, OrderShipped{}, OrderCancelled{})
}
