package models

import "fmt"

// OrderStatus is a step in the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusInProgress OrderStatus = "in_progress"
	OrderStatusReady      OrderStatus = "ready"
	OrderStatusCompleted  OrderStatus = "completed"
	OrderStatusPaid       OrderStatus = "paid"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// orderTransitions lists the statuses reachable from each status.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusInProgress, OrderStatusReady, OrderStatusCancelled},
	OrderStatusInProgress: {OrderStatusReady, OrderStatusCancelled},
	OrderStatusReady:      {OrderStatusCompleted, OrderStatusPaid, OrderStatusCancelled},
	OrderStatusCompleted:  {OrderStatusPaid},
	OrderStatusPaid:       nil,
	OrderStatusCancelled:  nil,
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// Closed reports whether no further operational work is expected.
func (s OrderStatus) Closed() bool {
	return s == OrderStatusCompleted || s == OrderStatusPaid || s == OrderStatusCancelled
}

// CanTransition reports whether s may move to next.
// Re-applying the current status is allowed.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	if s == next {
		return true
	}
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderItem is one line of an order.
type OrderItem struct {
	MenuItemID string  `json:"menu_item_id"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	Notes      string  `json:"notes,omitempty"`
}

// Order is a customer order recorded at the till.
type Order struct {
	Meta
	TableID string      `json:"table_id,omitempty"`
	Status  OrderStatus `json:"status"`
	Items   []OrderItem `json:"items"`
	Total   float64     `json:"total"`
}

// TableName returns the Local Store table for Order.
func (Order) TableName() string {
	return TableOrders
}

// ComputeTotal sums quantity × unit price over all items.
func (o *Order) ComputeTotal() float64 {
	var total float64
	for _, item := range o.Items {
		total += float64(item.Quantity) * item.UnitPrice
	}
	return total
}

// Validate checks the order is submittable.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return fmt.Errorf("order has no items")
	}
	for i, item := range o.Items {
		if item.MenuItemID == "" {
			return fmt.Errorf("item %d: menu_item_id is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("item %d: unit_price must not be negative", i)
		}
	}
	if o.Status != "" && !o.Status.Valid() {
		return fmt.Errorf("unknown status %q", o.Status)
	}
	return nil
}
