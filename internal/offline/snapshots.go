package offline

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
)

type snapshotSource struct {
	table  string
	path   string
	decode func(docs []json.RawMessage) ([]models.Record, error)
}

var snapshotSources = []snapshotSource{
	{models.TableMenuItems, "/menu-items", func(docs []json.RawMessage) ([]models.Record, error) {
		return snapshotRecords(docs, func(m *models.MenuItem) *models.Meta { return &m.Meta })
	}},
	{models.TableTables, "/tables", func(docs []json.RawMessage) ([]models.Record, error) {
		return snapshotRecords(docs, func(t *models.Table) *models.Meta { return &t.Meta })
	}},
	{models.TableUsers, "/users", func(docs []json.RawMessage) ([]models.Record, error) {
		return snapshotRecords(docs, func(u *models.User) *models.Meta { return &u.Meta })
	}},
}

// snapshotRecords decodes server documents. Reference records are keyed by
// their server id and are never offline.
func snapshotRecords[T any](docs []json.RawMessage, meta func(*T) *models.Meta) ([]models.Record, error) {
	out := make([]models.Record, 0, len(docs))
	for _, doc := range docs {
		rec := new(T)
		if err := json.Unmarshal(doc, rec); err != nil {
			return nil, errors.Wrap(errors.ErrSyncRejected, "decode snapshot record", err)
		}
		m := meta(rec)
		if m.ID == "" {
			return nil, errors.New(errors.ErrSyncRejected, "snapshot record has no id")
		}
		m.ServerID = m.ID
		m.IsOffline = false
		out = append(out, any(rec).(models.Record))
	}
	return out, nil
}

// RefreshSnapshots replaces the menu, table and user snapshots with the
// server's copies. It makes no remote call while offline and is refused
// while storage is over quota. It returns the record count per table.
func (s *Service) RefreshSnapshots(ctx context.Context) (map[string]int, error) {
	if !s.conn.IsOnline() {
		return nil, errors.New(errors.ErrSyncOffline, "snapshots cannot be refreshed offline")
	}
	if s.snapshots == nil {
		return nil, errors.New(errors.ErrNotConfigured, "no snapshot source")
	}
	if s.quota != nil {
		if err := s.quota.Admit(ctx, false); err != nil {
			return nil, err
		}
	}

	counts := make(map[string]int, len(snapshotSources))
	for _, src := range snapshotSources {
		docs, err := s.snapshots.FetchSnapshot(ctx, src.path)
		if err != nil {
			return counts, err
		}
		records, err := src.decode(docs)
		if err != nil {
			return counts, err
		}
		removed, err := s.replaceTable(ctx, src.table, records)
		if err != nil {
			return counts, err
		}
		counts[src.table] = len(records)
		logging.Info("Snapshot refreshed", map[string]interface{}{
			"table":   src.table,
			"records": len(records),
			"removed": len(removed),
		})
	}
	return counts, nil
}

// replaceTable swaps table's contents for records in one transaction and
// returns the keys that were dropped.
func (s *Service) replaceTable(ctx context.Context, table string, records []models.Record) ([]string, error) {
	existing, err := s.store.GetAll(ctx, table)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(records))
	for _, r := range records {
		keep[r.RecordKey()] = true
	}
	var removed []string
	for _, doc := range existing {
		var meta models.Meta
		if json.Unmarshal(doc, &meta) == nil && !keep[meta.ID] {
			removed = append(removed, meta.ID)
		}
	}

	err = s.store.Update(ctx, func(tx *db.Tx) error {
		for _, key := range removed {
			if err := tx.Delete(ctx, table, key); err != nil {
				return err
			}
		}
		for _, r := range records {
			if err := tx.Put(ctx, table, r); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, key := range removed {
		s.cache.Forget(ctx, table, key)
	}
	for _, r := range records {
		s.cache.Mirror(ctx, table, r)
	}
	return removed, nil
}
