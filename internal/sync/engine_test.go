package sync

import (
	"context"
	"encoding/json"
	"net/http"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/internal/cache"
	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/remote"
	"github.com/kimhsiao/posync/internal/sync/remote/remotetest"
)

type onlineFlag struct{ atomic.Bool }

func (o *onlineFlag) IsOnline() bool { return o.Load() }

type fixture struct {
	store  *db.Store
	queue  *queue.Queue
	server *remotetest.Server
	online *onlineFlag
	engine *SyncEngine
	clock  time.Time

	mu     stdsync.Mutex
	events []SyncEvent
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	conn, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.Migrate())

	srv := remotetest.NewServer("secret")
	t.Cleanup(srv.Close)
	client, err := remote.NewClient(remote.Config{BaseURL: srv.URL, Timeout: 200 * time.Millisecond}, remote.StaticToken(token))
	require.NoError(t, err)

	f := &fixture{
		store:  db.NewStore(conn.DB),
		server: srv,
		online: &onlineFlag{},
		clock:  time.UnixMilli(1_700_000_000_000),
	}
	f.queue = queue.New(f.store.DB())
	f.queue.SetClock(f.now)
	f.online.Store(true)
	f.engine = NewSyncEngine(f.store, f.queue, client, f.online, Config{
		MaxRetries: 3,
		Backoff:    queue.Backoff{Base: time.Second, Max: time.Minute},
	})
	f.engine.SetClock(f.now)
	f.engine.SetEventHandler(func(ev SyncEvent) {
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	})
	return f
}

func (f *fixture) now() time.Time { return f.clock }

func (f *fixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func (f *fixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, 0, len(f.events))
	for _, ev := range f.events {
		out = append(out, ev.Type)
	}
	return out
}

func (f *fixture) enqueueOrder(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	order := &models.Order{
		Meta:   models.Meta{ID: id, IsOffline: true},
		Status: models.OrderStatusPending,
		Items: []models.OrderItem{
			{MenuItemID: "m-1", Quantity: 2, UnitPrice: 3.5},
			{MenuItemID: "m-2", Quantity: 1, UnitPrice: 6},
		},
	}
	order.Touch(f.clock)
	order.Total = order.ComputeTotal()
	require.NoError(t, f.store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Put(ctx, models.TableOrders, order); err != nil {
			return err
		}
		_, err := f.queue.EnqueueTx(ctx, tx, models.QueueCreateOrder, id, order)
		return err
	}))
}

func (f *fixture) enqueueStatus(t *testing.T, id string, status models.OrderStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.Update(ctx, func(tx *db.Tx) error {
		var order models.Order
		if err := tx.Get(ctx, models.TableOrders, id, &order); err != nil {
			return err
		}
		order.Status = status
		order.IsOffline = true
		order.Touch(f.clock)
		if err := tx.Put(ctx, models.TableOrders, &order); err != nil {
			return err
		}
		_, err := f.queue.EnqueueTx(ctx, tx, models.QueueUpdateOrderStatus, id,
			models.StatusPayload{OrderID: id, Status: status})
		return err
	}))
}

func (f *fixture) enqueueReceipt(t *testing.T, id, orderID string) string {
	t.Helper()
	ctx := context.Background()
	receipt := &models.Receipt{Meta: models.Meta{ID: id, IsOffline: true}, OrderID: orderID, Amount: 13, PaymentMethod: "cash"}
	receipt.Touch(f.clock)
	var itemID string
	require.NoError(t, f.store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Put(ctx, models.TableReceipts, receipt); err != nil {
			return err
		}
		var err error
		itemID, err = f.queue.EnqueueTx(ctx, tx, models.QueueCreateReceipt, id, receipt)
		return err
	}))
	return itemID
}

func (f *fixture) order(t *testing.T, id string) models.Order {
	t.Helper()
	var o models.Order
	require.NoError(t, f.store.Get(context.Background(), models.TableOrders, id, &o))
	return o
}

func (f *fixture) pending(t *testing.T) []*models.SyncQueueItem {
	t.Helper()
	items, err := f.queue.ListPending(context.Background())
	require.NoError(t, err)
	return items
}

func TestSync_offlineMakesNoCalls(t *testing.T) {
	f := newFixture(t, "secret")
	for _, id := range []string{"local-1", "local-2", "local-3"} {
		f.enqueueOrder(t, id)
	}
	f.online.Store(false)

	_, err := f.engine.Sync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSyncOffline))
	assert.Empty(t, f.server.Calls())
	assert.Len(t, f.pending(t), 3)
}

func TestSync_createOrderMergesServerID(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Calls)

	order := f.order(t, "local-1")
	assert.False(t, order.IsOffline)
	assert.NotEmpty(t, order.ServerID)
	assert.Equal(t, "local-1", order.ID)

	srvOrder, ok := f.server.Record("orders", order.ServerID)
	require.True(t, ok)
	assert.Equal(t, "local-1", srvOrder["client_id"])
	assert.Len(t, srvOrder["items"], 2)

	var items []*models.SyncQueueItem
	items, err = f.queue.ListPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats["synced"])

	assert.Equal(t, []EventType{EventSyncStarted, EventSyncCompleted}, f.eventTypes())
	assert.Equal(t, SyncStatusIdle, f.engine.Status())
	assert.NotNil(t, f.engine.LastSync())
	assert.NoError(t, f.engine.LastError())
}

func TestSync_mirrorsMergedRecords(t *testing.T) {
	f := newFixture(t, "secret")
	ctx := context.Background()
	tiers := cache.NewTwoTier(f.store, cache.NewMemoryTier())
	f.engine.SetMirror(tiers)

	f.enqueueOrder(t, "local-1")
	_, err := tiers.GetAll(ctx, models.TableOrders)
	require.NoError(t, err)

	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)

	doc, err := tiers.Redundant().Get(ctx, models.TableOrders, "local-1")
	require.NoError(t, err)
	var mirrored models.Order
	require.NoError(t, json.Unmarshal(doc, &mirrored))
	assert.False(t, mirrored.IsOffline, "the redundant copy carries the acknowledgement")
	assert.Equal(t, f.order(t, "local-1").ServerID, mirrored.ServerID)
}

func TestSync_coalescesStatusUpdates(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueStatus(t, "local-1", models.OrderStatusPending)
	f.enqueueStatus(t, "local-1", models.OrderStatusInProgress)
	f.enqueueStatus(t, "local-1", models.OrderStatusReady)

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, res.Synced)
	assert.Equal(t, 2, res.Coalesced)

	order := f.order(t, "local-1")
	patches := f.server.CallsTo(http.MethodPatch, "/orders/"+order.ServerID+"/status")
	require.Len(t, patches, 1)
	assert.Equal(t, "ready", patches[0].Body["status"])

	assert.Equal(t, models.OrderStatusReady, order.Status)
	assert.False(t, order.IsOffline)
	srvOrder, _ := f.server.Record("orders", order.ServerID)
	assert.Equal(t, "ready", srvOrder["status"])
}

func TestSync_timeoutRetriesThenSyncs(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	itemID := f.enqueueReceipt(t, "local-r1", "local-1")
	f.server.DelayNext("/receipts", time.Second)

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
	assert.Equal(t, 1, res.Retried)

	item, err := f.queue.Get(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Contains(t, item.LastError, string(errors.ErrSyncTimeout))

	// still backing off: nothing is sent
	res, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Calls)
	assert.Equal(t, 1, res.Deferred)

	f.advance(2 * time.Second)
	res, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)

	item, err = f.queue.Get(context.Background(), itemID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStatusSynced, item.Status)

	var receipt models.Receipt
	require.NoError(t, f.store.Get(context.Background(), models.TableReceipts, "local-r1", &receipt))
	assert.False(t, receipt.IsOffline)
	assert.NotEmpty(t, receipt.ServerID)

	srvReceipt, ok := f.server.Record("receipts", receipt.ServerID)
	require.True(t, ok)
	assert.Equal(t, f.order(t, "local-1").ServerID, srvReceipt["order_id"], "local order id is translated")
	assert.Len(t, f.server.Records("receipts"), 1)
}

func TestSync_expiredCredentialHaltsBeforeCalls(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueStatus(t, "local-1", models.OrderStatusReady)
	f.enqueueReceipt(t, "local-r1", "local-1")
	before := f.pending(t)

	f.server.SetToken("rotated")
	res, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncAuthFailed))
	assert.True(t, res.Halted)

	calls := f.server.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/auth/verify", calls[0].Path)

	assert.Equal(t, before, f.pending(t), "no queue item changes during a halted pass")
	assert.Contains(t, f.eventTypes(), EventAuthRequired)
	assert.Equal(t, SyncStatusFailed, f.engine.Status())
}

func TestSync_noCredential(t *testing.T) {
	f := newFixture(t, "")
	f.enqueueOrder(t, "local-1")

	_, err := f.engine.Sync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSyncAuthFailed))
	assert.Empty(t, f.server.Calls())
	assert.Equal(t, []EventType{EventAuthRequired}, f.eventTypes())
}

func TestSync_authRejectedMidPass(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.server.FailNext("/orders", http.StatusUnauthorized)

	res, err := f.engine.Sync(context.Background())
	require.Error(t, err)
	assert.True(t, res.Halted)

	items := f.pending(t)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].RetryCount)
	assert.False(t, items[0].Hold)
	assert.Contains(t, f.eventTypes(), EventAuthRequired)
}

func TestSync_replayedCreateIsIdempotent(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	items := f.pending(t)
	require.Len(t, items, 1)

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)

	// a crash between the server ack and markSynced leaves the item pending
	// with the same payload, so it is delivered a second time
	_, err = f.store.DB().Exec("UPDATE sync_queue SET status = 'pending' WHERE id = ?", items[0].ID)
	require.NoError(t, err)

	_, err = f.engine.Sync(context.Background())
	require.NoError(t, err)

	assert.Len(t, f.server.CallsTo(http.MethodPost, "/orders"), 2)
	assert.Len(t, f.server.Records("orders"), 1)
	assert.Empty(t, f.pending(t))
}

func TestSync_laterItemsWaitForEarlierOnes(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueStatus(t, "local-1", models.OrderStatusInProgress)
	f.enqueueReceipt(t, "local-r1", "local-1")
	f.server.FailNext("/orders", http.StatusServiceUnavailable)

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Calls)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 2, res.Deferred)
	assert.Empty(t, f.server.CallsTo(http.MethodPost, "/receipts"))

	f.advance(time.Minute)
	_, err = f.engine.Sync(context.Background())
	require.NoError(t, err)

	var order []string
	for _, c := range f.server.Calls() {
		if c.Path != "/auth/verify" {
			order = append(order, c.Method+" "+c.Path)
		}
	}
	serverID := f.order(t, "local-1").ServerID
	assert.Equal(t, []string{
		"POST /orders",
		"POST /orders",
		"PATCH /orders/" + serverID + "/status",
		"POST /receipts",
	}, order)
	assert.Empty(t, f.pending(t))
}

func TestSync_rejectionHoldsItem(t *testing.T) {
	f := newFixture(t, "secret")
	// an order id the Local Store does not know is sent as-is and rejected
	itemID := f.enqueueReceipt(t, "local-r1", "srv-unknown")

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Held)

	item, err := f.queue.Get(context.Background(), itemID)
	require.NoError(t, err)
	assert.True(t, item.Hold)
	assert.Equal(t, models.QueueStatusPending, item.Status)
	assert.Zero(t, item.RetryCount)
	assert.Contains(t, item.LastError, "unknown order")
	assert.Contains(t, f.eventTypes(), EventItemHeld)

	// held items are not retried automatically
	res, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Calls)
	assert.Len(t, f.server.CallsTo(http.MethodPost, "/receipts"), 1)

	require.NoError(t, f.queue.Release(context.Background(), itemID))
	_, err = f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.server.CallsTo(http.MethodPost, "/receipts"), 2)
}

func TestSync_retryCapMarksFailed(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")

	for i := 0; i < 3; i++ {
		f.server.FailNext("/orders", http.StatusInternalServerError)
		_, err := f.engine.Sync(context.Background())
		require.NoError(t, err)
		f.advance(time.Minute)
	}

	failed, err := f.queue.ListFailed(context.Background())
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 3, failed[0].RetryCount)
	assert.Contains(t, f.eventTypes(), EventItemFailed)

	// failed items still count, and stay flagged offline locally
	n, err := f.engine.PendingChanges(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, f.order(t, "local-1").IsOffline)

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Calls)
}

func TestSync_statusDeferredWhenCreateFailed(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueStatus(t, "local-1", models.OrderStatusReady)
	items := f.pending(t)
	require.NoError(t, f.queue.MarkFailed(context.Background(), items[0].ID, nil))

	res, err := f.engine.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Calls)
	assert.Equal(t, 1, res.Deferred)
}

func TestSync_keepsNewerLocalStatus(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueStatus(t, "local-1", models.OrderStatusReady)
	f.server.FailNext("/orders/ord-1/status", http.StatusServiceUnavailable)

	_, err := f.engine.Sync(context.Background())
	require.NoError(t, err)

	order := f.order(t, "local-1")
	require.Equal(t, "ord-1", order.ServerID)
	assert.Equal(t, models.OrderStatusReady, order.Status, "server's pending must not overwrite queued ready")
	assert.True(t, order.IsOffline)
}

func TestSync_connectivityLostMidPass(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")
	f.enqueueOrder(t, "local-2")

	calls := 0
	f.engine.remote = &goOfflineRemote{Remote: f.engine.remote, after: func() {
		calls++
		f.online.Store(false)
	}}

	res, err := f.engine.Sync(context.Background())
	assert.True(t, errors.Is(err, errors.ErrSyncOffline))
	assert.True(t, res.Halted)
	assert.Equal(t, 1, calls)
	assert.Len(t, f.pending(t), 1)
}

// goOfflineRemote drops connectivity after each create-order call.
type goOfflineRemote struct {
	Remote
	after func()
}

func (g *goOfflineRemote) CreateOrder(ctx context.Context, req remote.CreateOrderRequest) (*remote.Result, error) {
	res, err := g.Remote.CreateOrder(ctx, req)
	g.after()
	return res, err
}

// blockingRemote blocks in VerifyAuth until released.
type blockingRemote struct {
	Remote
	entered chan struct{}
	release chan struct{}
}

func (b *blockingRemote) VerifyAuth(ctx context.Context) error {
	close(b.entered)
	<-b.release
	return b.Remote.VerifyAuth(ctx)
}

func TestSync_singleFlight(t *testing.T) {
	f := newFixture(t, "secret")
	br := &blockingRemote{Remote: f.engine.remote, entered: make(chan struct{}), release: make(chan struct{})}
	f.engine.remote = br

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.Sync(context.Background())
		done <- err
	}()
	<-br.entered
	assert.Equal(t, SyncStatusSyncing, f.engine.Status())

	_, err := f.engine.Sync(context.Background())
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(br.release)
	assert.NoError(t, <-done)
}

func TestHandleSync(t *testing.T) {
	f := newFixture(t, "secret")
	f.enqueueOrder(t, "local-1")

	res, err := f.engine.HandleSync(context.Background(), "other-tag")
	assert.NoError(t, err)
	assert.Nil(t, res)
	assert.Empty(t, f.server.Calls())

	res, err = f.engine.HandleSync(context.Background(), DrainTag)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Synced)
}

func TestRecover(t *testing.T) {
	f := newFixture(t, "secret")
	ctx := context.Background()

	// records written before a crash left them without queue items
	orphan := &models.Order{Meta: models.Meta{ID: "local-1", IsOffline: true, CreatedAt: 1, UpdatedAt: 1}, Status: models.OrderStatusPending,
		Items: []models.OrderItem{{MenuItemID: "m-1", Quantity: 1, UnitPrice: 2}}}
	require.NoError(t, f.store.Put(ctx, models.TableOrders, orphan))
	merged := &models.Receipt{Meta: models.Meta{ID: "local-r1", ServerID: "rcp-9", IsOffline: true}, OrderID: "local-1", PaymentMethod: "cash"}
	require.NoError(t, f.store.Put(ctx, models.TableReceipts, merged))
	bill := &models.BillRequest{Meta: models.Meta{ID: "local-b1", IsOffline: true}, TableID: "t-1"}
	require.NoError(t, f.store.Put(ctx, models.TableBillRequests, bill))
	f.enqueueOrder(t, "local-2")

	n, err := f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var r models.Receipt
	require.NoError(t, f.store.Get(ctx, models.TableReceipts, "local-r1", &r))
	assert.False(t, r.IsOffline)

	n, err = f.engine.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.pending(t))
	assert.Len(t, f.server.Records("orders"), 2)
	assert.Len(t, f.server.Records("bill-requests"), 1)
}
