// Package db tests for the Local Store.
package db

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return NewStore(db.DB)
}

func testOrder(id string, status models.OrderStatus, offline bool, at int64) *models.Order {
	return &models.Order{
		Meta:    models.Meta{ID: id, IsOffline: offline, CreatedAt: at, UpdatedAt: at},
		TableID: "t-1",
		Status:  status,
		Items:   []models.OrderItem{{MenuItemID: "m-1", Quantity: 2, UnitPrice: 4.5}},
		Total:   9,
	}
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	order := testOrder("local-1", models.OrderStatusPending, true, 1000)
	require.NoError(t, s.Put(ctx, models.TableOrders, order))

	var got models.Order
	require.NoError(t, s.Get(ctx, models.TableOrders, "local-1", &got))
	assert.Equal(t, *order, got)

	// Put replaces the stored document
	order.Status = models.OrderStatusReady
	order.UpdatedAt = 2000
	require.NoError(t, s.Put(ctx, models.TableOrders, order))
	require.NoError(t, s.Get(ctx, models.TableOrders, "local-1", &got))
	assert.Equal(t, models.OrderStatusReady, got.Status)
	assert.Equal(t, int64(1000), got.CreatedAt)
}

func TestStore_GetNotFound(t *testing.T) {
	s := newTestStore(t)

	var got models.Order
	err := s.Get(context.Background(), models.TableOrders, "missing", &got)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestStore_unknownTable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Put(ctx, "nope", testOrder("a", models.OrderStatusPending, false, 1))
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = s.GetAll(ctx, "nope")
	assert.True(t, errors.Is(err, errors.ErrInvalid))

	_, err = s.GetAllByIndex(ctx, models.TableOrders, "nope", "x")
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestStore_PutEmptyKey(t *testing.T) {
	s := newTestStore(t)
	err := s.Put(context.Background(), models.TableOrders, testOrder("", models.OrderStatusPending, false, 1))
	assert.True(t, errors.Is(err, errors.ErrInvalid))
}

func TestStore_GetAllOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("b", models.OrderStatusPending, false, 200)))
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("a", models.OrderStatusPending, false, 100)))
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("c", models.OrderStatusPending, false, 200)))

	docs, err := s.GetAll(ctx, models.TableOrders)
	require.NoError(t, err)
	orders, err := DecodeAll[models.Order](docs)
	require.NoError(t, err)

	require.Len(t, orders, 3)
	assert.Equal(t, "a", orders[0].ID)
	assert.Equal(t, "b", orders[1].ID)
	assert.Equal(t, "c", orders[2].ID)
}

func TestStore_GetAllByIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("o1", models.OrderStatusPending, true, 1)))
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("o2", models.OrderStatusPaid, false, 2)))
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("o3", models.OrderStatusPending, true, 3)))

	docs, err := s.GetAllByIndex(ctx, models.TableOrders, IndexIsOffline, true)
	require.NoError(t, err)
	assert.Len(t, docs, 2)

	docs, err = s.GetAllByIndex(ctx, models.TableOrders, IndexStatus, string(models.OrderStatusPaid))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	var o models.Order
	require.NoError(t, json.Unmarshal(docs[0], &o))
	assert.Equal(t, "o2", o.ID)

	docs, err = s.GetAllByIndex(ctx, models.TableOrders, IndexTableID, "t-9")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("o1", models.OrderStatusPending, false, 1)))
	require.NoError(t, s.Delete(ctx, models.TableOrders, "o1"))
	// deleting again is fine
	require.NoError(t, s.Delete(ctx, models.TableOrders, "o1"))

	var got models.Order
	assert.True(t, errors.Is(s.Get(ctx, models.TableOrders, "o1", &got), errors.ErrNotFound))
}

func TestStore_UpdateRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := stderrors.New("boom")

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, models.TableOrders, testOrder("o1", models.OrderStatusPending, true, 1)); err != nil {
			return err
		}
		receipt := &models.Receipt{Meta: models.Meta{ID: "r1"}, OrderID: "o1", Amount: 9, PaymentMethod: "cash"}
		if err := tx.Put(ctx, models.TableReceipts, receipt); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	docs, err := s.GetAll(ctx, models.TableOrders)
	require.NoError(t, err)
	assert.Empty(t, docs)
	docs, err = s.GetAll(ctx, models.TableReceipts)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestStore_UpdateCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.Update(ctx, func(tx *Tx) error {
		if err := tx.Put(ctx, models.TableOrders, testOrder("o1", models.OrderStatusPending, true, 1)); err != nil {
			return err
		}
		var o models.Order
		if err := tx.Get(ctx, models.TableOrders, "o1", &o); err != nil {
			return err
		}
		o.Status = models.OrderStatusReady
		return tx.Put(ctx, models.TableOrders, &o)
	})
	require.NoError(t, err)

	var got models.Order
	require.NoError(t, s.Get(ctx, models.TableOrders, "o1", &got))
	assert.Equal(t, models.OrderStatusReady, got.Status)
}

func TestStore_storageErrors(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer mockDB.Close()

	s := NewStore(mockDB)
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO orders").WillReturnError(stderrors.New("disk I/O error"))
	err = s.Put(ctx, models.TableOrders, testOrder("o1", models.OrderStatusPending, true, 1))
	assert.True(t, errors.Is(err, errors.ErrStorage))

	mock.ExpectQuery("SELECT doc FROM orders").WillReturnError(stderrors.New("disk I/O error"))
	var got models.Order
	err = s.Get(ctx, models.TableOrders, "o1", &got)
	assert.True(t, errors.Is(err, errors.ErrStorage))

	mock.ExpectBegin().WillReturnError(stderrors.New("locked"))
	err = s.Update(ctx, func(*Tx) error { return nil })
	assert.True(t, errors.Is(err, errors.ErrStorage))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_UsageBytes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before, err := s.UsageBytes(ctx)
	require.NoError(t, err)
	assert.Positive(t, before)

	for i := 0; i < 200; i++ {
		o := testOrder(time.Unix(int64(i), 0).String(), models.OrderStatusPending, false, int64(i))
		o.Items[0].Notes = string(make([]byte, 512))
		require.NoError(t, s.Put(ctx, models.TableOrders, o))
	}
	after, err := s.UsageBytes(ctx)
	require.NoError(t, err)
	assert.Greater(t, after, before)
}

func TestStore_PurgeClosedOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// closed and synced: purgeable
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("old-paid", models.OrderStatusPaid, false, 1)))
	require.NoError(t, s.Put(ctx, models.TableReceipts,
		&models.Receipt{Meta: models.Meta{ID: "r-old"}, OrderID: "old-paid", Amount: 9, PaymentMethod: "cash"}))
	// closed, still offline: kept
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("offline-paid", models.OrderStatusPaid, true, 2)))
	// open: kept
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("open", models.OrderStatusPending, false, 3)))
	// closed but a receipt is still queued: kept
	require.NoError(t, s.Put(ctx, models.TableOrders, testOrder("queued-paid", models.OrderStatusPaid, false, 4)))
	require.NoError(t, s.Put(ctx, models.TableReceipts,
		&models.Receipt{Meta: models.Meta{ID: "r-queued", IsOffline: true}, OrderID: "queued-paid", Amount: 9, PaymentMethod: "card"}))
	_, err := s.DB().Exec(`INSERT INTO sync_queue (id, type, record_key, payload, status, created_at)
		VALUES ('q1', 'create_receipt', 'r-queued', '{}', 'pending', 1)`)
	require.NoError(t, err)

	purged, err := s.PurgeClosedOrders(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, purged.Orders())
	assert.Equal(t, []string{"old-paid"}, purged[models.TableOrders])
	assert.Equal(t, []string{"r-old"}, purged[models.TableReceipts])
	assert.Empty(t, purged[models.TableBillRequests])

	var o models.Order
	assert.True(t, errors.Is(s.Get(ctx, models.TableOrders, "old-paid", &o), errors.ErrNotFound))
	var r models.Receipt
	assert.True(t, errors.Is(s.Get(ctx, models.TableReceipts, "r-old", &r), errors.ErrNotFound))

	for _, id := range []string{"offline-paid", "open", "queued-paid"} {
		assert.NoError(t, s.Get(ctx, models.TableOrders, id, &o), id)
	}
	assert.NoError(t, s.Get(ctx, models.TableReceipts, "r-queued", &r))

	require.NoError(t, s.Vacuum(ctx))
}
