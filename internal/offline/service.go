// Package offline is the surface UI collaborators use to record business
// events. Every event is written to the Local Store together with its sync
// queue item in one transaction, whether or not the server is reachable.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kimhsiao/posync/internal/cache"
	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/uuid"
)

// Connectivity reports whether the server is reachable.
type Connectivity interface {
	IsOnline() bool
}

// SnapshotSource fetches reference data from the server.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, path string) ([]json.RawMessage, error)
}

// Admitter decides whether a write may proceed under the storage quota.
type Admitter interface {
	Admit(ctx context.Context, critical bool) error
}

// Deps are the collaborators of a Service. Snapshots and Quota are optional.
type Deps struct {
	Store        *db.Store
	Queue        *queue.Queue
	Cache        *cache.TwoTier
	Connectivity Connectivity
	Snapshots    SnapshotSource
	Quota        Admitter
}

// Service records business events offline-first.
type Service struct {
	store     *db.Store
	queue     *queue.Queue
	cache     *cache.TwoTier
	conn      Connectivity
	snapshots SnapshotSource
	quota     Admitter

	now       func() time.Time
	newID     func() string
	onPending func(count int)
}

// NewService creates a Service.
func NewService(deps Deps) (*Service, error) {
	if deps.Store == nil || deps.Queue == nil || deps.Connectivity == nil {
		return nil, errors.New(errors.ErrNotConfigured, "offline service needs a store, a queue and connectivity")
	}
	tiers := deps.Cache
	if tiers == nil {
		tiers = cache.NewTwoTier(deps.Store, nil)
	}
	return &Service{
		store:     deps.Store,
		queue:     deps.Queue,
		cache:     tiers,
		conn:      deps.Connectivity,
		snapshots: deps.Snapshots,
		quota:     deps.Quota,
		now:       time.Now,
		newID:     uuid.NewLocalID,
	}, nil
}

// SetClock overrides the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// SetPendingHandler registers fn to receive the pending count after every enqueue.
func (s *Service) SetPendingHandler(fn func(count int)) {
	s.onPending = fn
}

// IsOffline reports whether the server is currently unreachable.
func (s *Service) IsOffline() bool {
	return !s.conn.IsOnline()
}

// PendingCount returns the number of undelivered events.
func (s *Service) PendingCount(ctx context.Context) (int, error) {
	return s.queue.PendingCount(ctx)
}

// EnqueueOrder records a new order. ID is assigned when empty, the status
// defaults to pending and the total is computed from the items.
func (s *Service) EnqueueOrder(ctx context.Context, data models.Order) (*models.Order, error) {
	order := data
	if order.ID == "" {
		order.ID = s.newID()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}
	order.ServerID = ""
	order.IsOffline = true
	order.CreatedAt = 0
	order.Touch(s.now())
	order.Total = order.ComputeTotal()
	if err := order.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid order", err)
	}

	var stored models.Order
	replayed, err := s.save(ctx, models.TableOrders, &order, models.QueueCreateOrder, &order, &stored)
	if err != nil {
		return nil, err
	}
	if replayed {
		return &stored, nil
	}
	logging.Info("Order recorded", map[string]interface{}{"order_id": order.ID, "items": len(order.Items)})
	return &order, nil
}

// EnqueueStatusUpdate moves an order to status. The local record is updated
// optimistically in the same transaction as the enqueue. Re-applying the
// current status is allowed and still queued; the drain coalesces it.
func (s *Service) EnqueueStatusUpdate(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	if !status.Valid() {
		return nil, errors.New(errors.ErrInvalid, fmt.Sprintf("unknown status %q", status))
	}

	s.admitCritical(ctx)

	var order models.Order
	err := s.store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Get(ctx, models.TableOrders, orderID, &order); err != nil {
			return err
		}
		if !order.Status.CanTransition(status) {
			return errors.New(errors.ErrInvalidTransition,
				fmt.Sprintf("order %q cannot move from %s to %s", orderID, order.Status, status))
		}
		order.Status = status
		order.IsOffline = true
		order.Touch(s.now())
		if err := tx.Put(ctx, models.TableOrders, &order); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, models.QueueUpdateOrderStatus, order.ID,
			models.StatusPayload{OrderID: order.ID, Status: status})
		return err
	})
	if err != nil {
		return nil, localSave("save status update", err)
	}
	s.cache.Mirror(ctx, models.TableOrders, &order)
	s.notifyPending(ctx)
	return &order, nil
}

// EnqueueReceipt records a payment against an order.
func (s *Service) EnqueueReceipt(ctx context.Context, data models.Receipt) (*models.Receipt, error) {
	receipt := data
	if receipt.ID == "" {
		receipt.ID = s.newID()
	}
	receipt.ServerID = ""
	receipt.IsOffline = true
	receipt.CreatedAt = 0
	receipt.Touch(s.now())
	if err := receipt.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid receipt", err)
	}

	var stored models.Receipt
	replayed, err := s.save(ctx, models.TableReceipts, &receipt, models.QueueCreateReceipt, &receipt, &stored)
	if err != nil {
		return nil, err
	}
	if replayed {
		return &stored, nil
	}
	return &receipt, nil
}

// EnqueueBillRequest records a request for the bill. A missing table id is
// taken from the referenced order when it is known locally.
func (s *Service) EnqueueBillRequest(ctx context.Context, data models.BillRequest) (*models.BillRequest, error) {
	bill := data
	if bill.ID == "" {
		bill.ID = s.newID()
	}
	if bill.TableID == "" && bill.OrderID != "" {
		var order models.Order
		if err := s.store.Get(ctx, models.TableOrders, bill.OrderID, &order); err == nil {
			bill.TableID = order.TableID
		}
	}
	bill.ServerID = ""
	bill.IsOffline = true
	bill.CreatedAt = 0
	bill.Touch(s.now())
	if err := bill.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid bill request", err)
	}

	var stored models.BillRequest
	replayed, err := s.save(ctx, models.TableBillRequests, &bill, models.QueueCreateBillRequest, &bill, &stored)
	if err != nil {
		return nil, err
	}
	if replayed {
		return &stored, nil
	}
	return &bill, nil
}

// save writes record and its queue item atomically, then mirrors the
// record into the redundant tier. A record whose key is already stored is
// a replayed create: nothing is written, stored receives the existing
// record and replayed is true.
func (s *Service) save(ctx context.Context, table string, record models.Record, typ models.QueueType, payload, stored any) (replayed bool, err error) {
	s.admitCritical(ctx)

	key := record.RecordKey()
	err = s.store.Update(ctx, func(tx *db.Tx) error {
		switch err := tx.Get(ctx, table, key, stored); {
		case err == nil:
			replayed = true
			return nil
		case !errors.Is(err, errors.ErrNotFound):
			return err
		}
		if err := tx.Put(ctx, table, record); err != nil {
			return err
		}
		_, err := s.queue.EnqueueTx(ctx, tx, typ, key, payload)
		return err
	})
	if err != nil {
		return false, localSave("save "+table, err)
	}
	if replayed {
		logging.Info("Create replayed for existing record", map[string]interface{}{"table": table, "key": key})
		return true, nil
	}
	s.cache.Mirror(ctx, table, record)
	s.notifyPending(ctx)
	return false, nil
}

// admitCritical lets the quota reclaim space ahead of a business write. The
// write goes ahead whatever the outcome.
func (s *Service) admitCritical(ctx context.Context) {
	if s.quota == nil {
		return
	}
	if err := s.quota.Admit(ctx, true); err != nil {
		logging.Warn("Storage over quota, saving business event anyway", map[string]interface{}{"error": err.Error()})
	}
}

// localSave reports storage failures on the write path as LOCAL_SAVE_FAILED.
// Business errors keep their own code.
func localSave(op string, err error) error {
	if errors.Is(err, errors.ErrStorage) {
		logging.ErrorWithCode("Could not save locally", string(errors.ErrLocalSave), err)
		return errors.Wrap(errors.ErrLocalSave, op, err)
	}
	return err
}

func (s *Service) notifyPending(ctx context.Context) {
	if s.onPending == nil {
		return
	}
	n, err := s.queue.PendingCount(ctx)
	if err != nil {
		return
	}
	s.onPending(n)
}

// Order returns one order, falling back to the redundant tier when the
// Local Store is unavailable.
func (s *Service) Order(ctx context.Context, id string) (*models.Order, error) {
	var order models.Order
	if err := s.cache.Get(ctx, models.TableOrders, id, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

// Orders returns every order, oldest first.
func (s *Service) Orders(ctx context.Context) ([]models.Order, error) {
	return readAll[models.Order](ctx, s.cache, models.TableOrders)
}

// MenuItems returns the cached menu snapshot.
func (s *Service) MenuItems(ctx context.Context) ([]models.MenuItem, error) {
	return readAll[models.MenuItem](ctx, s.cache, models.TableMenuItems)
}

// Tables returns the cached floor-plan snapshot.
func (s *Service) Tables(ctx context.Context) ([]models.Table, error) {
	return readAll[models.Table](ctx, s.cache, models.TableTables)
}

// Users returns the cached staff snapshot.
func (s *Service) Users(ctx context.Context) ([]models.User, error) {
	return readAll[models.User](ctx, s.cache, models.TableUsers)
}

func readAll[T any](ctx context.Context, tiers *cache.TwoTier, table string) ([]T, error) {
	docs, err := tiers.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	return db.DecodeAll[T](docs)
}

// FailedItems returns the events that need operator attention: items that
// exhausted their retries first, then items held after a rejection.
func (s *Service) FailedItems(ctx context.Context) ([]*models.SyncQueueItem, error) {
	failed, err := s.queue.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	held, err := s.queue.ListHeld(ctx)
	if err != nil {
		return nil, err
	}
	return append(failed, held...), nil
}

// RetryItem puts a failed or held item back in line for the next drain.
func (s *Service) RetryItem(ctx context.Context, id string) error {
	if err := s.queue.Release(ctx, id); err != nil {
		return err
	}
	s.notifyPending(ctx)
	return nil
}
