// Package queue provides the durable sync queue of outbound mutations.
// Items are rows of the sync_queue table and are drained in seq order.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
	"github.com/kimhsiao/posync/internal/uuid"
)

// DefaultMaxRetries is the number of transient failures after which an item is failed.
const DefaultMaxRetries = 5

// Queue manages queue items stored in the Local Store.
type Queue struct {
	q   db.Querier
	now func() time.Time
}

// New creates a Queue on q, usually the store's *sql.DB.
func New(q db.Querier) *Queue {
	return &Queue{q: q, now: time.Now}
}

// WithTx returns a Queue whose operations run inside tx.
func (q *Queue) WithTx(tx *db.Tx) *Queue {
	return &Queue{q: tx.Querier(), now: q.now}
}

// SetClock overrides the time source. Used by tests.
func (q *Queue) SetClock(now func() time.Time) {
	q.now = now
}

// Enqueue appends a pending item for recordKey and returns its id.
func (q *Queue) Enqueue(ctx context.Context, typ models.QueueType, recordKey string, payload any) (string, error) {
	if !typ.Valid() {
		return "", errors.New(errors.ErrInvalid, fmt.Sprintf("unknown queue type %q", typ))
	}
	if recordKey == "" {
		return "", errors.New(errors.ErrInvalid, "queue item has no record key")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(errors.ErrInvalid, "encode payload", err)
	}

	id := uuid.New()
	_, err = q.q.ExecContext(ctx,
		`INSERT INTO sync_queue (id, type, record_key, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(typ), recordKey, string(body), string(models.QueueStatusPending), q.now().UnixMilli())
	if err != nil {
		return "", errors.Wrap(errors.ErrStorage, "enqueue", err)
	}

	logging.Debug("Queue item enqueued", map[string]interface{}{
		"item_id": id, "type": string(typ), "record_key": recordKey,
	})
	return id, nil
}

// EnqueueTx appends an item in the same transaction as the record write it represents.
func (q *Queue) EnqueueTx(ctx context.Context, tx *db.Tx, typ models.QueueType, recordKey string, payload any) (string, error) {
	return q.WithTx(tx).Enqueue(ctx, typ, recordKey, payload)
}

const selectItems = `SELECT seq, id, type, record_key, payload, status, retry_count, created_at,
	last_error, last_retry, next_retry_at, hold, server_result, synced_at FROM sync_queue`

// Get returns the item with id.
func (q *Queue) Get(ctx context.Context, id string) (*models.SyncQueueItem, error) {
	item, err := scanItem(q.q.QueryRowContext(ctx, selectItems+" WHERE id = ?", id))
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.New(errors.ErrNotFound, fmt.Sprintf("queue item %q not found", id))
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "get queue item", err)
	}
	return item, nil
}

// ListPending returns every pending item, held or not, in enqueue order.
func (q *Queue) ListPending(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.list(ctx, selectItems+" WHERE status = ? ORDER BY seq", models.QueueStatusPending)
}

// ListDue returns the pending items that are not held and whose backoff has elapsed.
func (q *Queue) ListDue(ctx context.Context, now time.Time) ([]*models.SyncQueueItem, error) {
	return q.list(ctx, selectItems+" WHERE status = ? AND hold = 0 AND next_retry_at <= ? ORDER BY seq",
		models.QueueStatusPending, now.UnixMilli())
}

// ListFailed returns items that reached the retry cap.
func (q *Queue) ListFailed(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.list(ctx, selectItems+" WHERE status = ? ORDER BY seq", models.QueueStatusFailed)
}

// ListHeld returns pending items parked after the server rejected them.
func (q *Queue) ListHeld(ctx context.Context) ([]*models.SyncQueueItem, error) {
	return q.list(ctx, selectItems+" WHERE status = ? AND hold = 1 ORDER BY seq", models.QueueStatusPending)
}

// MarkSynced records the server acknowledgement. Marking an already synced
// item again overwrites the result.
func (q *Queue) MarkSynced(ctx context.Context, id string, serverResult json.RawMessage) error {
	var result any
	if len(serverResult) > 0 {
		result = string(serverResult)
	}
	return q.update(ctx, id, "mark synced",
		`UPDATE sync_queue SET status = ?, server_result = ?, synced_at = ?, last_error = '', hold = 0 WHERE id = ?`,
		models.QueueStatusSynced, result, q.now().UnixMilli(), id)
}

// MarkFailed moves the item to the failed state for manual attention.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.update(ctx, id, "mark failed",
		`UPDATE sync_queue SET status = ?, last_error = ?, last_retry = ? WHERE id = ?`,
		models.QueueStatusFailed, errorText(cause), q.now().UnixMilli(), id)
}

// IncrementRetry records a transient failure. The item stays pending and is
// not due again until nextRetryAt.
func (q *Queue) IncrementRetry(ctx context.Context, id string, cause error, nextRetryAt time.Time) error {
	return q.update(ctx, id, "increment retry",
		`UPDATE sync_queue SET retry_count = retry_count + 1, last_error = ?, last_retry = ?, next_retry_at = ? WHERE id = ?`,
		errorText(cause), q.now().UnixMilli(), nextRetryAt.UnixMilli(), id)
}

// Hold parks a pending item after a non-transient rejection. Its retry
// counter is left untouched and it is not drained again until Released.
func (q *Queue) Hold(ctx context.Context, id string, cause error) error {
	return q.update(ctx, id, "hold",
		`UPDATE sync_queue SET hold = 1, last_error = ?, last_retry = ? WHERE id = ?`,
		errorText(cause), q.now().UnixMilli(), id)
}

// Release re-queues a held or failed item for immediate delivery.
func (q *Queue) Release(ctx context.Context, id string) error {
	res, err := q.q.ExecContext(ctx,
		`UPDATE sync_queue SET status = ?, hold = 0, retry_count = 0, next_retry_at = 0 WHERE id = ? AND status != ?`,
		models.QueueStatusPending, id, models.QueueStatusSynced)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "release", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("no unsynced queue item %q", id))
	}
	logging.Info("Queue item released", map[string]interface{}{"item_id": id})
	return nil
}

// PendingCount returns the number of items not yet delivered, failed ones included.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM sync_queue WHERE status != ?", models.QueueStatusSynced).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "count pending", err)
	}
	return n, nil
}

// HasPendingFor reports whether recordKey has any undelivered item. When
// types are given only items of those types are considered.
func (q *Queue) HasPendingFor(ctx context.Context, recordKey string, types ...models.QueueType) (bool, error) {
	query := "SELECT EXISTS(SELECT 1 FROM sync_queue WHERE record_key = ? AND status != ?"
	args := []any{recordKey, models.QueueStatusSynced}
	if len(types) > 0 {
		query += " AND type IN (?" + strings.Repeat(", ?", len(types)-1) + ")"
		for _, t := range types {
			args = append(args, string(t))
		}
	}
	query += ")"

	var exists int
	if err := q.q.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, errors.Wrap(errors.ErrStorage, "check pending", err)
	}
	return exists == 1, nil
}

// PurgeSynced deletes synced items acknowledged before the cutoff and
// returns how many were removed.
func (q *Queue) PurgeSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.q.ExecContext(ctx, "DELETE FROM sync_queue WHERE status = ? AND synced_at < ?",
		models.QueueStatusSynced, before.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "purge synced", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats returns item counts per status.
func (q *Queue) Stats(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{
		"total":   0,
		"pending": 0,
		"held":    0,
		"failed":  0,
		"synced":  0,
	}
	rows, err := q.q.QueryContext(ctx, "SELECT status, hold, COUNT(*) FROM sync_queue GROUP BY status, hold")
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "queue stats", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var hold bool
		var n int
		if err := rows.Scan(&status, &hold, &n); err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan queue stats", err)
		}
		stats["total"] += n
		if hold && status == string(models.QueueStatusPending) {
			stats["held"] += n
		}
		stats[status] += n
	}
	return stats, rows.Err()
}

func (q *Queue) list(ctx context.Context, query string, args ...any) ([]*models.SyncQueueItem, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "list queue", err)
	}
	defer rows.Close()

	var items []*models.SyncQueueItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrStorage, "scan queue item", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrStorage, "iterate queue", err)
	}
	return items, nil
}

func (q *Queue) update(ctx context.Context, id, op, query string, args ...any) error {
	res, err := q.q.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.New(errors.ErrNotFound, fmt.Sprintf("queue item %q not found", id))
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (*models.SyncQueueItem, error) {
	var (
		item    models.SyncQueueItem
		typ     string
		status  string
		payload string
		result  sql.NullString
	)
	err := row.Scan(&item.Seq, &item.ID, &typ, &item.RecordKey, &payload, &status,
		&item.RetryCount, &item.CreatedAt, &item.LastError, &item.LastRetry,
		&item.NextRetryAt, &item.Hold, &result, &item.SyncedAt)
	if err != nil {
		return nil, err
	}
	item.Type = models.QueueType(typ)
	item.Status = models.QueueStatus(status)
	item.Payload = json.RawMessage(payload)
	if result.Valid {
		item.ServerResult = json.RawMessage(result.String)
	}
	return &item, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Backoff computes exponential retry delays: base × 2^(retry-1), capped.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used when configuration leaves the backoff unset.
var DefaultBackoff = Backoff{Base: 5 * time.Second, Max: 10 * time.Minute}

// Delay returns the wait before attempt number retryCount+1, where retryCount
// is the number of transient failures so far (at least 1).
func (b Backoff) Delay(retryCount int) time.Duration {
	if b.Base <= 0 {
		b = DefaultBackoff
	}
	if retryCount < 1 {
		retryCount = 1
	}
	if retryCount > 30 {
		return b.Max
	}
	d := b.Base << uint(retryCount-1)
	if b.Max > 0 && (d > b.Max || d <= 0) {
		d = b.Max
	}
	return d
}
