package sync

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/sync/conflict"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/remote"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

// DrainTag is the background sync tag that requests a drain pass.
const DrainTag = "posync-drain"

// ErrSyncInProgress is returned when a pass is requested while another runs.
var ErrSyncInProgress = stderrors.New("sync already in progress")

// Config holds engine configuration.
type Config struct {
	MaxRetries int           // Transient failures before an item is failed (default: 5)
	Backoff    queue.Backoff // Delay before a transiently failed item is due again
}

// SyncResult represents the result of one drain pass.
type SyncResult struct {
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Calls     int           `json:"calls"`     // remote submissions attempted
	Synced    int           `json:"synced"`    // queue items marked synced
	Coalesced int           `json:"coalesced"` // status items folded into a later call
	Retried   int           `json:"retried"`
	Failed    int           `json:"failed"`
	Held      int           `json:"held"`
	Deferred  int           `json:"deferred"`
	Halted    bool          `json:"halted"`
	Error     string        `json:"error,omitempty"`
}

// SyncEngine drains the sync queue against the remote server and folds the
// server's results back into the Local Store.
type SyncEngine struct {
	store    *db.Store
	queue    *queue.Queue
	remote   Remote
	conn     Connectivity
	resolver *conflict.Resolver
	cfg      Config
	now      func() time.Time
	mirror   Mirror

	run stdsync.Mutex

	mu       stdsync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
}

// NewSyncEngine creates a new SyncEngine.
func NewSyncEngine(store *db.Store, q *queue.Queue, rc Remote, conn Connectivity, cfg Config) *SyncEngine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = queue.DefaultMaxRetries
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff = queue.DefaultBackoff
	}
	return &SyncEngine{
		store:    store,
		queue:    q,
		remote:   rc,
		conn:     conn,
		resolver: conflict.NewResolver(),
		cfg:      cfg,
		now:      time.Now,
		status:   SyncStatusIdle,
	}
}

// SetClock overrides the time source used for backoff decisions.
func (e *SyncEngine) SetClock(now func() time.Time) {
	e.now = now
}

// Mirror receives every record the engine merges an acknowledgement into.
type Mirror interface {
	Mirror(ctx context.Context, table string, record models.Record)
}

// SetMirror registers m to receive merged records after they commit.
func (e *SyncEngine) SetMirror(m Mirror) {
	e.mirror = m
}

// SetEventHandler sets the event handler for sync notifications.
func (e *SyncEngine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// Status returns the current sync status.
func (e *SyncEngine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the timestamp of the last completed pass.
func (e *SyncEngine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the last sync error.
func (e *SyncEngine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingChanges returns the number of undelivered queue items.
func (e *SyncEngine) PendingChanges(ctx context.Context) (int, error) {
	return e.queue.PendingCount(ctx)
}

// HandleSync runs a pass when tag requests a drain. Other tags are ignored.
func (e *SyncEngine) HandleSync(ctx context.Context, tag string) (*SyncResult, error) {
	if tag != DrainTag {
		logging.Debug("Ignoring sync tag", map[string]interface{}{"tag": tag})
		return nil, nil
	}
	return e.Sync(ctx)
}

// Sync performs one drain pass. Passes never overlap within a process;
// a concurrent call returns ErrSyncInProgress.
func (e *SyncEngine) Sync(ctx context.Context) (*SyncResult, error) {
	if !e.run.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer e.run.Unlock()

	result := &SyncResult{StartTime: e.now()}

	if !e.conn.IsOnline() {
		return result, errors.New(errors.ErrSyncOffline, "not online")
	}
	if !e.remote.HasCredential(ctx) {
		e.emit(SyncEvent{Type: EventAuthRequired, Error: "no credential"})
		return result, errors.New(errors.ErrSyncAuthFailed, "no credential")
	}

	e.setStatus(SyncStatusSyncing, nil)
	err := e.drain(ctx, result)

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if err != nil {
		result.Error = err.Error()
	}

	e.mu.Lock()
	if err != nil {
		e.status = SyncStatusFailed
	} else {
		e.status = SyncStatusIdle
		end := result.EndTime
		e.lastSync = &end
	}
	e.lastErr = err
	e.mu.Unlock()

	e.emit(SyncEvent{Type: EventSyncCompleted, Result: result, Error: result.Error})
	logging.Info("Drain pass completed", map[string]interface{}{
		"calls":     result.Calls,
		"synced":    result.Synced,
		"coalesced": result.Coalesced,
		"retried":   result.Retried,
		"failed":    result.Failed,
		"held":      result.Held,
		"deferred":  result.Deferred,
		"halted":    result.Halted,
	})
	return result, err
}

// drain verifies the credential and then delivers pending items in enqueue order.
func (e *SyncEngine) drain(ctx context.Context, result *SyncResult) error {
	if err := e.remote.VerifyAuth(ctx); err != nil {
		result.Halted = true
		if errors.Classify(err) == errors.ClassAuth {
			e.emit(SyncEvent{Type: EventAuthRequired, Error: err.Error()})
		}
		logging.Warn("Credential check failed, pass aborted", map[string]interface{}{"error": err.Error()})
		return err
	}

	e.emit(SyncEvent{Type: EventSyncStarted})

	items, err := e.queue.ListPending(ctx)
	if err != nil {
		return err
	}

	now := e.now()
	blocked := make(map[string]bool)
	consumed := make(map[string]bool)

	for i, item := range items {
		if consumed[item.ID] {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		deps := dependencies(item)
		if anyBlocked(blocked, deps) {
			block(blocked, deps)
			result.Deferred++
			continue
		}
		if item.Hold || item.NextRetryAt > now.UnixMilli() {
			block(blocked, deps)
			result.Deferred++
			continue
		}

		if !e.conn.IsOnline() {
			result.Halted = true
			return errors.New(errors.ErrSyncOffline, "connectivity lost during pass")
		}

		group := []*models.SyncQueueItem{item}
		if item.Type == models.QueueUpdateOrderStatus {
			group = coalesce(items[i:], consumed)
			result.Coalesced += len(group) - 1
		}

		res, err := e.dispatch(ctx, group)
		if stderrors.Is(err, errDeferred) {
			block(blocked, deps)
			result.Deferred += len(group)
			continue
		}
		if err == nil {
			result.Calls++
			if ferr := e.foldBack(ctx, group, res); ferr != nil {
				return ferr
			}
			result.Synced += len(group)
			continue
		}
		result.Calls++

		switch errors.Classify(err) {
		case errors.ClassAuth:
			result.Halted = true
			e.emit(SyncEvent{Type: EventAuthRequired, ItemID: item.ID, RecordKey: item.RecordKey, Error: err.Error()})
			logging.Warn("Credential rejected mid-pass, halting", map[string]interface{}{"item_id": item.ID})
			return err
		case errors.ClassValidation:
			block(blocked, deps)
			if herr := e.hold(ctx, group, err); herr != nil {
				return herr
			}
			result.Held += len(group)
		default:
			block(blocked, deps)
			failed, rerr := e.retry(ctx, group, err, now)
			if rerr != nil {
				return rerr
			}
			result.Failed += failed
			result.Retried += len(group) - failed
		}
	}
	return nil
}

// coalesce returns the status items for the head item's order that can be
// delivered as one call carrying the latest status. Items already sent and
// rejected (held) end the run.
func coalesce(items []*models.SyncQueueItem, consumed map[string]bool) []*models.SyncQueueItem {
	head := items[0]
	group := []*models.SyncQueueItem{head}
	consumed[head.ID] = true
	for _, next := range items[1:] {
		if next.RecordKey != head.RecordKey {
			continue
		}
		if next.Type != models.QueueUpdateOrderStatus || next.Hold {
			break
		}
		group = append(group, next)
		consumed[next.ID] = true
	}
	return group
}

// dependencies lists the record keys an item must wait on: its own record
// and, for receipts and bill requests, the order it references.
func dependencies(item *models.SyncQueueItem) []string {
	deps := []string{item.RecordKey}
	if item.Type == models.QueueCreateReceipt || item.Type == models.QueueCreateBillRequest {
		var ref struct {
			OrderID string `json:"order_id"`
		}
		if json.Unmarshal(item.Payload, &ref) == nil && ref.OrderID != "" {
			deps = append(deps, ref.OrderID)
		}
	}
	return deps
}

func anyBlocked(blocked map[string]bool, keys []string) bool {
	for _, k := range keys {
		if blocked[k] {
			return true
		}
	}
	return false
}

func block(blocked map[string]bool, keys []string) {
	for _, k := range keys {
		blocked[k] = true
	}
}

var errDeferred = stderrors.New("dependency not yet delivered")

// dispatch sends the group's mutation to the server.
func (e *SyncEngine) dispatch(ctx context.Context, group []*models.SyncQueueItem) (*remote.Result, error) {
	item := group[len(group)-1]

	switch item.Type {
	case models.QueueCreateOrder:
		var order models.Order
		if err := json.Unmarshal(item.Payload, &order); err != nil {
			return nil, errors.Wrap(errors.ErrSyncRejected, "decode order payload", err)
		}
		items := make([]remote.OrderItem, 0, len(order.Items))
		for _, it := range order.Items {
			items = append(items, remote.OrderItem(it))
		}
		return e.remote.CreateOrder(ctx, remote.CreateOrderRequest{
			ClientID: order.ID,
			TableID:  order.TableID,
			Status:   string(order.Status),
			Items:    items,
			Total:    order.Total,
		})

	case models.QueueUpdateOrderStatus:
		var p models.StatusPayload
		if err := json.Unmarshal(item.Payload, &p); err != nil {
			return nil, errors.Wrap(errors.ErrSyncRejected, "decode status payload", err)
		}
		serverID, err := e.serverOrderID(ctx, item.RecordKey)
		if err != nil {
			return nil, err
		}
		return e.remote.UpdateOrderStatus(ctx, serverID, string(p.Status))

	case models.QueueCreateReceipt:
		var r models.Receipt
		if err := json.Unmarshal(item.Payload, &r); err != nil {
			return nil, errors.Wrap(errors.ErrSyncRejected, "decode receipt payload", err)
		}
		orderID, err := e.serverOrderID(ctx, r.OrderID)
		if err != nil {
			return nil, err
		}
		return e.remote.CreateReceipt(ctx, remote.CreateReceiptRequest{
			ClientID:      r.ID,
			OrderID:       orderID,
			Amount:        r.Amount,
			PaymentMethod: r.PaymentMethod,
		})

	case models.QueueCreateBillRequest:
		var b models.BillRequest
		if err := json.Unmarshal(item.Payload, &b); err != nil {
			return nil, errors.Wrap(errors.ErrSyncRejected, "decode bill request payload", err)
		}
		orderID := ""
		if b.OrderID != "" {
			var err error
			if orderID, err = e.serverOrderID(ctx, b.OrderID); err != nil {
				return nil, err
			}
		}
		return e.remote.CreateBillRequest(ctx, remote.CreateBillRequestRequest{
			ClientID: b.ID,
			OrderID:  orderID,
			TableID:  b.TableID,
			Note:     b.Note,
		})
	}
	return nil, errors.New(errors.ErrSyncRejected, fmt.Sprintf("unknown queue type %q", item.Type))
}

// serverOrderID translates a local order id to the server's id. An order
// the Local Store does not know is assumed to be a server id already.
func (e *SyncEngine) serverOrderID(ctx context.Context, orderID string) (string, error) {
	var order models.Order
	err := e.store.Get(ctx, models.TableOrders, orderID, &order)
	if errors.Is(err, errors.ErrNotFound) {
		return orderID, nil
	}
	if err != nil {
		return "", err
	}
	if order.ServerID == "" {
		return "", errDeferred
	}
	return order.ServerID, nil
}

// foldBack marks the group synced and merges the acknowledgement into the
// local record in one transaction.
func (e *SyncEngine) foldBack(ctx context.Context, group []*models.SyncQueueItem, res *remote.Result) error {
	head := group[0]
	table := head.Type.Table()

	var merged models.Record
	err := e.store.Update(ctx, func(tx *db.Tx) error {
		qtx := e.queue.WithTx(tx)
		for _, item := range group {
			if err := qtx.MarkSynced(ctx, item.ID, res.Raw); err != nil {
				return err
			}
		}

		stillPending, err := qtx.HasPendingFor(ctx, head.RecordKey)
		if err != nil {
			return err
		}
		fold := conflict.Fold{Server: res.Record, StillPending: stillPending}

		switch table {
		case models.TableOrders:
			var order models.Order
			if err := tx.Get(ctx, table, head.RecordKey, &order); err != nil {
				return foldMissing(err, head)
			}
			if fold.LocalStatusPending, err = qtx.HasPendingFor(ctx, head.RecordKey, models.QueueUpdateOrderStatus); err != nil {
				return err
			}
			if _, err := e.resolver.MergeOrder(&order, fold); err != nil {
				return errors.Wrap(errors.ErrSyncRejected, "merge order", err)
			}
			merged = &order
			return tx.Put(ctx, table, &order)

		case models.TableReceipts:
			var receipt models.Receipt
			if err := tx.Get(ctx, table, head.RecordKey, &receipt); err != nil {
				return foldMissing(err, head)
			}
			if err := e.resolver.MergeMeta(&receipt.Meta, fold); err != nil {
				return errors.Wrap(errors.ErrSyncRejected, "merge receipt", err)
			}
			merged = &receipt
			return tx.Put(ctx, table, &receipt)

		case models.TableBillRequests:
			var bill models.BillRequest
			if err := tx.Get(ctx, table, head.RecordKey, &bill); err != nil {
				return foldMissing(err, head)
			}
			if err := e.resolver.MergeMeta(&bill.Meta, fold); err != nil {
				return errors.Wrap(errors.ErrSyncRejected, "merge bill request", err)
			}
			merged = &bill
			return tx.Put(ctx, table, &bill)
		}
		return nil
	})
	if err == nil && merged != nil && e.mirror != nil {
		e.mirror.Mirror(ctx, table, merged)
	}
	return err
}

// foldMissing lets an acknowledgement for a record that no longer exists
// locally still mark its items synced.
func foldMissing(err error, item *models.SyncQueueItem) error {
	if errors.Is(err, errors.ErrNotFound) {
		logging.Warn("Acknowledged record missing locally", map[string]interface{}{
			"item_id":    item.ID,
			"record_key": item.RecordKey,
		})
		return nil
	}
	return err
}

// hold parks the group after a validation rejection. The retry counter is untouched.
func (e *SyncEngine) hold(ctx context.Context, group []*models.SyncQueueItem, cause error) error {
	for _, item := range group {
		if err := e.queue.Hold(ctx, item.ID, cause); err != nil {
			return err
		}
		logging.ErrorWithCode("Queue item rejected, held for review", string(errors.CodeOf(cause)), cause,
			map[string]interface{}{"item_id": item.ID, "type": string(item.Type)})
		e.emit(SyncEvent{Type: EventItemHeld, ItemID: item.ID, RecordKey: item.RecordKey, Error: cause.Error()})
	}
	return nil
}

// retry records a transient failure for each item of the group and
// returns how many reached the retry cap.
func (e *SyncEngine) retry(ctx context.Context, group []*models.SyncQueueItem, cause error, now time.Time) (int, error) {
	failed := 0
	for _, item := range group {
		attempts := item.RetryCount + 1
		if attempts >= e.cfg.MaxRetries {
			if err := e.store.Update(ctx, func(tx *db.Tx) error {
				qtx := e.queue.WithTx(tx)
				if err := qtx.IncrementRetry(ctx, item.ID, cause, now); err != nil {
					return err
				}
				return qtx.MarkFailed(ctx, item.ID, cause)
			}); err != nil {
				return failed, err
			}
			failed++
			logging.ErrorWithCode("Queue item failed after retries", string(errors.CodeOf(cause)), cause,
				map[string]interface{}{"item_id": item.ID, "retries": attempts})
			e.emit(SyncEvent{Type: EventItemFailed, ItemID: item.ID, RecordKey: item.RecordKey, Error: cause.Error()})
			continue
		}

		delay := e.cfg.Backoff.Delay(attempts)
		if err := e.queue.IncrementRetry(ctx, item.ID, cause, now.Add(delay)); err != nil {
			return failed, err
		}
		logging.Warn("Queue item delivery failed, will retry", map[string]interface{}{
			"item_id":  item.ID,
			"retry":    attempts,
			"delay_ms": delay.Milliseconds(),
			"error":    cause.Error(),
		})
	}
	return failed, nil
}

func (e *SyncEngine) setStatus(status SyncStatus, err error) {
	e.mu.Lock()
	e.status = status
	e.lastErr = err
	e.mu.Unlock()
}

func (e *SyncEngine) emit(ev SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler != nil {
		handler(ev)
	}
}
