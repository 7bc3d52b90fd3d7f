// Package conflict folds server acknowledgements back into local records.
// The server is authoritative except for an order status the device has
// changed again and not yet delivered.
package conflict

import (
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/sync/remote"
)

// Resolution describes which side supplied a contested field.
type Resolution string

const (
	ResolutionNone             Resolution = "none"
	ResolutionServerWins       Resolution = "server_wins"
	ResolutionLocalPendingWins Resolution = "local_pending_wins"
)

// Resolver merges server results into Local Store records.
type Resolver struct{}

// NewResolver creates a new Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Fold describes one acknowledged mutation being merged back.
type Fold struct {
	// Server is the acknowledged record.
	Server remote.Record
	// StillPending is true when other undelivered items exist for the record.
	StillPending bool
	// LocalStatusPending is true when a newer local status update is queued.
	LocalStatusPending bool
}

// MergeMeta copies the server id and timestamps into meta and clears the
// offline flag once nothing else is pending for the record.
func (r *Resolver) MergeMeta(meta *models.Meta, f Fold) error {
	if meta == nil {
		return ErrInvalidFold
	}
	if f.Server.ID == "" {
		return ErrMissingServerID
	}
	if meta.ServerID != "" && meta.ServerID != f.Server.ID {
		logging.Warn("Server id changed for record", map[string]interface{}{
			"record_key": meta.ID,
			"old_id":     meta.ServerID,
			"new_id":     f.Server.ID,
		})
	}

	meta.ServerID = f.Server.ID
	if f.Server.CreatedAt > 0 {
		meta.CreatedAt = f.Server.CreatedAt
	}
	if f.Server.UpdatedAt > meta.UpdatedAt {
		meta.UpdatedAt = f.Server.UpdatedAt
	}
	meta.IsOffline = f.StillPending
	return nil
}

// MergeOrder folds an order acknowledgement into order.
func (r *Resolver) MergeOrder(order *models.Order, f Fold) (Resolution, error) {
	if order == nil {
		return ResolutionNone, ErrInvalidFold
	}
	if err := r.MergeMeta(&order.Meta, f); err != nil {
		return ResolutionNone, err
	}

	serverStatus := models.OrderStatus(f.Server.Status)
	resolution := r.ResolveStatus(order.Status, serverStatus, f.LocalStatusPending)
	if resolution == ResolutionServerWins {
		logging.Info("Order status taken from server", map[string]interface{}{
			"record_key":    order.ID,
			"local_status":  string(order.Status),
			"server_status": string(serverStatus),
		})
		order.Status = serverStatus
	}
	return resolution, nil
}

// ResolveStatus decides which status the local order keeps. A queued local
// update is newer than anything the server has seen and must not be
// overwritten; otherwise a known server status wins.
func (r *Resolver) ResolveStatus(local, server models.OrderStatus, localPending bool) Resolution {
	if server == "" || server == local || !server.Valid() {
		return ResolutionNone
	}
	if localPending {
		return ResolutionLocalPendingWins
	}
	return ResolutionServerWins
}

// Errors
var (
	ErrInvalidFold     = &ConflictError{Message: "invalid fold: record must be non-nil"}
	ErrMissingServerID = &ConflictError{Message: "server result has no id"}
)

// ConflictError represents a fold-back error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
