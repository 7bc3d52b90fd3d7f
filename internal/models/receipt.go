package models

import "fmt"

// Receipt records a payment against an order.
type Receipt struct {
	Meta
	OrderID       string  `json:"order_id"`
	Amount        float64 `json:"amount"`
	PaymentMethod string  `json:"payment_method"`
}

// TableName returns the Local Store table for Receipt.
func (Receipt) TableName() string {
	return TableReceipts
}

// Validate checks the receipt is submittable.
func (r *Receipt) Validate() error {
	if r.OrderID == "" {
		return fmt.Errorf("order_id is required")
	}
	if r.Amount < 0 {
		return fmt.Errorf("amount must not be negative")
	}
	if r.PaymentMethod == "" {
		return fmt.Errorf("payment_method is required")
	}
	return nil
}

// BillRequest asks staff to bring the bill to a table.
type BillRequest struct {
	Meta
	OrderID string `json:"order_id,omitempty"`
	TableID string `json:"table_id"`
	Note    string `json:"note,omitempty"`
}

// TableName returns the Local Store table for BillRequest.
func (BillRequest) TableName() string {
	return TableBillRequests
}

// Validate checks the bill request is submittable.
func (b *BillRequest) Validate() error {
	if b.TableID == "" && b.OrderID == "" {
		return fmt.Errorf("table_id or order_id is required")
	}
	return nil
}
