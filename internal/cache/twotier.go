package cache

import (
	"context"
	"encoding/json"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/models"
)

// Primary is the transactional tier.
type Primary interface {
	Get(ctx context.Context, table, key string, dst any) error
	GetAll(ctx context.Context, table string) ([]json.RawMessage, error)
}

var _ Primary = (*db.Store)(nil)

// TwoTier reads from the transactional tier and falls back to the redundant
// tier when the primary reports a storage error. The primary always wins:
// every successful primary read refreshes the redundant copy.
type TwoTier struct {
	primary   Primary
	redundant Tier
}

// NewTwoTier creates a TwoTier.
func NewTwoTier(primary Primary, redundant Tier) *TwoTier {
	if redundant == nil {
		redundant = NewMemoryTier()
	}
	return &TwoTier{primary: primary, redundant: redundant}
}

// Redundant returns the redundant tier.
func (t *TwoTier) Redundant() Tier {
	return t.redundant
}

// Mirror copies a committed record into the redundant tier. Failures are
// logged and otherwise ignored.
func (t *TwoTier) Mirror(ctx context.Context, table string, record models.Record) {
	doc, err := json.Marshal(record)
	if err != nil {
		logging.Warn("Redundant tier encode failed", map[string]interface{}{"table": table, "error": err.Error()})
		return
	}
	t.mirrorDoc(ctx, table, record.RecordKey(), doc)
}

// Forget removes a record from the redundant tier.
func (t *TwoTier) Forget(ctx context.Context, table, key string) {
	if err := t.redundant.Delete(ctx, table, key); err != nil {
		logging.Warn("Redundant tier delete failed", map[string]interface{}{"table": table, "key": key, "error": err.Error()})
	}
}

// Get reads key from table into dst.
func (t *TwoTier) Get(ctx context.Context, table, key string, dst any) error {
	err := t.primary.Get(ctx, table, key, dst)
	if err == nil {
		if doc, mErr := json.Marshal(dst); mErr == nil {
			t.mirrorDoc(ctx, table, key, doc)
		}
		return nil
	}
	if !errors.Is(err, errors.ErrStorage) {
		return err
	}

	logging.Warn("Local Store unavailable, reading redundant tier", map[string]interface{}{"table": table, "error": err.Error()})
	doc, cErr := t.redundant.Get(ctx, table, key)
	if cErr != nil {
		return err
	}
	if uErr := json.Unmarshal(doc, dst); uErr != nil {
		return err
	}
	return nil
}

// GetAll returns every document of table.
func (t *TwoTier) GetAll(ctx context.Context, table string) ([]json.RawMessage, error) {
	docs, err := t.primary.GetAll(ctx, table)
	if err == nil {
		for _, doc := range docs {
			var meta models.Meta
			if json.Unmarshal(doc, &meta) == nil && meta.ID != "" {
				t.mirrorDoc(ctx, table, meta.ID, doc)
			}
		}
		return docs, nil
	}
	if !errors.Is(err, errors.ErrStorage) {
		return nil, err
	}

	logging.Warn("Local Store unavailable, reading redundant tier", map[string]interface{}{"table": table, "error": err.Error()})
	cached, cErr := t.redundant.GetAll(ctx, table)
	if cErr != nil {
		return nil, err
	}
	return cached, nil
}

func (t *TwoTier) mirrorDoc(ctx context.Context, table, key string, doc json.RawMessage) {
	if err := t.redundant.Put(ctx, table, key, doc); err != nil {
		logging.Warn("Redundant tier write failed", map[string]interface{}{"table": table, "key": key, "error": err.Error()})
	}
}
