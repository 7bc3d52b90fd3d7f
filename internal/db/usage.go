package db

import (
	"context"
	"fmt"

	"github.com/kimhsiao/posync/internal/models"
)

// UsageBytes returns the bytes held by live pages of the database.
// Pages on the freelist are reusable and not counted.
func (s *Store) UsageBytes(ctx context.Context) (int64, error) {
	var pageCount, freePages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, storageError("read page_count", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&freePages); err != nil {
		return 0, storageError("read freelist_count", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, storageError("read page_size", err)
	}
	return (pageCount - freePages) * pageSize, nil
}

// closedOrdersQuery selects synced, closed orders with no pending queue work
// on the order itself or on its receipts and bill requests.
const closedOrdersQuery = `
SELECT o.id FROM orders o
WHERE o.is_offline = 0
  AND o.status IN ('completed', 'paid', 'cancelled')
  AND NOT EXISTS (
	SELECT 1 FROM sync_queue q
	WHERE q.status != 'synced' AND (
		q.record_key = o.id
		OR q.record_key IN (SELECT r.id FROM receipts r WHERE r.order_id = o.id)
		OR q.record_key IN (SELECT b.id FROM bill_requests b WHERE b.order_id = o.id)
	)
  )
ORDER BY o.updated_at, o.id
LIMIT ?`

// Purged lists the record keys removed by a purge, per record table.
type Purged map[string][]string

// Orders returns the number of orders removed.
func (p Purged) Orders() int {
	return len(p[models.TableOrders])
}

// PurgeClosedOrders deletes up to limit of the oldest closed, fully synced
// orders together with their synced receipts and bill requests.
func (s *Store) PurgeClosedOrders(ctx context.Context, limit int) (Purged, error) {
	purged := Purged{}
	err := s.Update(ctx, func(tx *Tx) error {
		ids, err := queryIDs(ctx, tx, closedOrdersQuery, limit)
		if err != nil {
			return storageError("select closed orders", err)
		}

		for _, id := range ids {
			for _, table := range []string{models.TableReceipts, models.TableBillRequests} {
				sqlName := Schema[table].SQLName
				children, err := queryIDs(ctx, tx,
					fmt.Sprintf("SELECT id FROM %s WHERE order_id = ? AND is_offline = 0", sqlName), id)
				if err != nil {
					return storageError("select "+sqlName, err)
				}
				q := fmt.Sprintf("DELETE FROM %s WHERE order_id = ? AND is_offline = 0", sqlName)
				if _, err := tx.tx.ExecContext(ctx, q, id); err != nil {
					return storageError("purge "+sqlName, err)
				}
				purged[table] = append(purged[table], children...)
			}
			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM orders WHERE id = ?", id); err != nil {
				return storageError("purge order", err)
			}
			purged[models.TableOrders] = append(purged[models.TableOrders], id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return purged, nil
}

func queryIDs(ctx context.Context, tx *Tx, query string, args ...any) ([]string, error) {
	rows, err := tx.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Vacuum rebuilds the database file so that freed pages are returned to the OS.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return storageError("vacuum", err)
	}
	return nil
}
