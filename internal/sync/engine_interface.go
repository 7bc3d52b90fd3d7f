// Package sync provides the reconciliation engine that drains the sync queue.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/posync/internal/sync/remote"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync performs one drain pass.
	// Returns the pass result with statistics or an error if the pass was skipped or halted.
	Sync(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last completed pass.
	LastSync() *time.Time

	// PendingChanges returns the number of undelivered queue items.
	PendingChanges(ctx context.Context) (int, error)

	// LastError returns the last error that occurred during sync.
	LastError() error
}

// Connectivity reports whether the server is reachable.
type Connectivity interface {
	IsOnline() bool
}

// Remote is the subset of the REST client the engine calls.
type Remote interface {
	HasCredential(ctx context.Context) bool
	VerifyAuth(ctx context.Context) error
	CreateOrder(ctx context.Context, req remote.CreateOrderRequest) (*remote.Result, error)
	UpdateOrderStatus(ctx context.Context, serverID, status string) (*remote.Result, error)
	CreateReceipt(ctx context.Context, req remote.CreateReceiptRequest) (*remote.Result, error)
	CreateBillRequest(ctx context.Context, req remote.CreateBillRequestRequest) (*remote.Result, error)
}

var _ Remote = (*remote.Client)(nil)
