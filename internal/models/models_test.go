// Package models tests for record definitions.
package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusInProgress, true},
		{OrderStatusPending, OrderStatusReady, true},
		{OrderStatusInProgress, OrderStatusReady, true},
		{OrderStatusReady, OrderStatusCompleted, true},
		{OrderStatusReady, OrderStatusPaid, true},
		{OrderStatusCompleted, OrderStatusPaid, true},
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusReady, OrderStatusReady, true},
		{OrderStatusReady, OrderStatusPending, false},
		{OrderStatusPaid, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusPending, false},
		{OrderStatusPending, OrderStatusCompleted, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestOrderStatus_Closed(t *testing.T) {
	assert.True(t, OrderStatusPaid.Closed())
	assert.True(t, OrderStatusCancelled.Closed())
	assert.True(t, OrderStatusCompleted.Closed())
	assert.False(t, OrderStatusReady.Closed())
	assert.False(t, OrderStatus("bogus").Valid())
}

func TestOrder_ComputeTotal(t *testing.T) {
	o := Order{Items: []OrderItem{
		{MenuItemID: "m1", Quantity: 2, UnitPrice: 3.5},
		{MenuItemID: "m2", Quantity: 1, UnitPrice: 10},
	}}
	assert.InDelta(t, 17.0, o.ComputeTotal(), 1e-9)
}

func TestOrder_Validate(t *testing.T) {
	ok := Order{Items: []OrderItem{{MenuItemID: "m1", Quantity: 1, UnitPrice: 1}}}
	require.NoError(t, ok.Validate())

	assert.Error(t, (&Order{}).Validate())
	assert.Error(t, (&Order{Items: []OrderItem{{MenuItemID: "", Quantity: 1}}}).Validate())
	assert.Error(t, (&Order{Items: []OrderItem{{MenuItemID: "m", Quantity: 0}}}).Validate())
	assert.Error(t, (&Order{Items: []OrderItem{{MenuItemID: "m", Quantity: 1, UnitPrice: -1}}}).Validate())

	bad := ok
	bad.Status = "lost"
	assert.Error(t, bad.Validate())
}

func TestReceiptAndBillRequest_Validate(t *testing.T) {
	assert.NoError(t, (&Receipt{OrderID: "o", Amount: 5, PaymentMethod: "cash"}).Validate())
	assert.Error(t, (&Receipt{Amount: 5, PaymentMethod: "cash"}).Validate())
	assert.Error(t, (&Receipt{OrderID: "o", PaymentMethod: ""}).Validate())

	assert.NoError(t, (&BillRequest{TableID: "t1"}).Validate())
	assert.Error(t, (&BillRequest{}).Validate())
}

func TestMeta_JSONFlattening(t *testing.T) {
	o := Order{Meta: Meta{ID: "local-1", IsOffline: true}, Status: OrderStatusPending}
	data, err := json.Marshal(o)
	require.NoError(t, err)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "local-1", fields["id"])
	assert.Equal(t, true, fields["is_offline"])
	assert.Equal(t, "pending", fields["status"])
	assert.Equal(t, "local-1", o.RecordKey())
}

func TestMeta_Touch(t *testing.T) {
	var m Meta
	now := time.UnixMilli(1_700_000_000_000)
	m.Touch(now)
	assert.Equal(t, now.UnixMilli(), m.CreatedAt)
	assert.Equal(t, now.UnixMilli(), m.UpdatedAt)

	later := now.Add(time.Minute)
	m.Touch(later)
	assert.Equal(t, now.UnixMilli(), m.CreatedAt)
	assert.True(t, later.Equal(m.UpdatedAtTime()))
}

func TestQueueType(t *testing.T) {
	assert.True(t, QueueCreateOrder.Valid())
	assert.False(t, QueueType("delete_everything").Valid())
	assert.Equal(t, TableReceipts, QueueCreateReceipt.Table())
	assert.Equal(t, TableBillRequests, QueueCreateBillRequest.Table())
	assert.Equal(t, TableOrders, QueueUpdateOrderStatus.Table())
}
