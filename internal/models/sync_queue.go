package models

import "encoding/json"

// QueueType identifies the business event a queue item replays.
type QueueType string

const (
	QueueCreateOrder       QueueType = "create_order"
	QueueUpdateOrderStatus QueueType = "update_order_status"
	QueueCreateReceipt     QueueType = "create_receipt"
	QueueCreateBillRequest QueueType = "create_bill_request"
)

// Valid reports whether t is a known type.
func (t QueueType) Valid() bool {
	switch t {
	case QueueCreateOrder, QueueUpdateOrderStatus, QueueCreateReceipt, QueueCreateBillRequest:
		return true
	}
	return false
}

// Table returns the Local Store table holding the record t mutates.
func (t QueueType) Table() string {
	switch t {
	case QueueCreateReceipt:
		return TableReceipts
	case QueueCreateBillRequest:
		return TableBillRequests
	default:
		return TableOrders
	}
}

// QueueStatus represents the delivery status of a queue item.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSynced  QueueStatus = "synced"
	QueueStatusFailed  QueueStatus = "failed"
)

// SyncQueueItem is one durable, not-yet-confirmed outbound mutation.
type SyncQueueItem struct {
	ID           string          `json:"id"`
	Seq          int64           `json:"seq"`
	Type         QueueType       `json:"type"`
	RecordKey    string          `json:"record_key"`
	Payload      json.RawMessage `json:"payload"`
	Status       QueueStatus     `json:"status"`
	RetryCount   int             `json:"retry_count"`
	CreatedAt    int64           `json:"created_at"`
	LastError    string          `json:"last_error,omitempty"`
	LastRetry    int64           `json:"last_retry,omitempty"`
	NextRetryAt  int64           `json:"next_retry_at,omitempty"`
	Hold         bool            `json:"hold"`
	ServerResult json.RawMessage `json:"server_result,omitempty"`
	SyncedAt     int64           `json:"synced_at,omitempty"`
}

// TableName returns the table name for SyncQueueItem.
func (SyncQueueItem) TableName() string {
	return TableSyncQueue
}

// StatusPayload is the payload of an update_order_status item.
type StatusPayload struct {
	OrderID string      `json:"order_id"`
	Status  OrderStatus `json:"status"`
}
