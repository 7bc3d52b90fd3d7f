package sync

import (
	"context"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
)

// Recover re-enqueues business records still flagged offline that have no
// undelivered queue item, so every durable event is either queued or
// already merged. It returns the number of items enqueued.
func (e *SyncEngine) Recover(ctx context.Context) (int, error) {
	recovered := 0

	orders, err := offlineRecords[models.Order](ctx, e.store, models.TableOrders)
	if err != nil {
		return 0, err
	}
	for i := range orders {
		o := &orders[i]
		typ, payload := models.QueueCreateOrder, any(o)
		if o.ServerID != "" {
			typ, payload = models.QueueUpdateOrderStatus, models.StatusPayload{OrderID: o.ID, Status: o.Status}
		}
		n, err := e.recoverOne(ctx, models.TableOrders, &o.Meta, o, typ, payload)
		if err != nil {
			return recovered, err
		}
		recovered += n
	}

	receipts, err := offlineRecords[models.Receipt](ctx, e.store, models.TableReceipts)
	if err != nil {
		return recovered, err
	}
	for i := range receipts {
		r := &receipts[i]
		n, err := e.recoverOne(ctx, models.TableReceipts, &r.Meta, r, models.QueueCreateReceipt, r)
		if err != nil {
			return recovered, err
		}
		recovered += n
	}

	bills, err := offlineRecords[models.BillRequest](ctx, e.store, models.TableBillRequests)
	if err != nil {
		return recovered, err
	}
	for i := range bills {
		b := &bills[i]
		n, err := e.recoverOne(ctx, models.TableBillRequests, &b.Meta, b, models.QueueCreateBillRequest, b)
		if err != nil {
			return recovered, err
		}
		recovered += n
	}

	if recovered > 0 {
		logging.Warn("Re-enqueued offline records without queue items", map[string]interface{}{"count": recovered})
	}
	return recovered, nil
}

// recoverOne enqueues typ for an orphaned record. A receipt or bill request
// that already carries a server id only needs its offline flag cleared.
func (e *SyncEngine) recoverOne(ctx context.Context, table string, meta *models.Meta, record models.Record,
	typ models.QueueType, payload any) (int, error) {
	enqueued := 0
	err := e.store.Update(ctx, func(tx *db.Tx) error {
		pending, err := e.queue.WithTx(tx).HasPendingFor(ctx, meta.ID)
		if err != nil || pending {
			return err
		}
		if meta.ServerID != "" && table != models.TableOrders {
			meta.IsOffline = false
			return tx.Put(ctx, table, record)
		}
		if _, err := e.queue.EnqueueTx(ctx, tx, typ, meta.ID, payload); err != nil {
			return err
		}
		enqueued = 1
		return nil
	})
	return enqueued, err
}

func offlineRecords[T any](ctx context.Context, store *db.Store, table string) ([]T, error) {
	docs, err := store.GetAllByIndex(ctx, table, db.IndexIsOffline, true)
	if err != nil {
		return nil, err
	}
	return db.DecodeAll[T](docs)
}
