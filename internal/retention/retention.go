// Package retention keeps the Local Store within its storage quota by
// reclaiming delivered work. Undelivered events are never reclaimed.
package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/sync/queue"
)

// Config holds retention configuration.
type Config struct {
	QuotaBytes int64         // Storage quota (default: 256 MiB)
	HighWater  float64       // Fraction of the quota that triggers reclaim (default: 0.8)
	Horizon    time.Duration // How long synced queue items are kept for audit (default: 30 days)
	PurgeBatch int           // Closed orders removed per reclaim step (default: 50)
}

// DefaultConfig returns default retention configuration.
func DefaultConfig() Config {
	return Config{
		QuotaBytes: 256 << 20,
		HighWater:  0.8,
		Horizon:    30 * 24 * time.Hour,
		PurgeBatch: 50,
	}
}

// Report describes one CheckAndReclaim run.
type Report struct {
	UsedBefore   int64 `json:"used_before"`
	UsedAfter    int64 `json:"used_after"`
	QuotaBytes   int64 `json:"quota_bytes"`
	PurgedItems  int64 `json:"purged_items"`
	PurgedOrders int   `json:"purged_orders"`
	OverQuota    bool  `json:"over_quota"`
}

// Forgetter drops purged records from a secondary copy of the Local Store.
type Forgetter interface {
	Forget(ctx context.Context, table, key string)
}

// Manager measures storage use and reclaims space.
type Manager struct {
	store  *db.Store
	queue  *queue.Queue
	cfg    Config
	now    func() time.Time
	forget Forgetter

	mu sync.Mutex
}

// NewManager creates a Manager. Zero config fields take their defaults.
func NewManager(store *db.Store, q *queue.Queue, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.QuotaBytes <= 0 {
		cfg.QuotaBytes = def.QuotaBytes
	}
	if cfg.HighWater <= 0 || cfg.HighWater > 1 {
		cfg.HighWater = def.HighWater
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = def.Horizon
	}
	if cfg.PurgeBatch <= 0 {
		cfg.PurgeBatch = def.PurgeBatch
	}
	return &Manager{store: store, queue: q, cfg: cfg, now: time.Now}
}

// SetClock overrides the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetForgetter registers f to be told about every purged record.
func (m *Manager) SetForgetter(f Forgetter) {
	m.forget = f
}

// Usage returns the bytes in use and the quota.
func (m *Manager) Usage(ctx context.Context) (used, quota int64, err error) {
	used, err = m.store.UsageBytes(ctx)
	return used, m.cfg.QuotaBytes, err
}

func (m *Manager) highWater() int64 {
	return int64(float64(m.cfg.QuotaBytes) * m.cfg.HighWater)
}

// CheckAndReclaim reclaims space when usage is above the high-water mark.
// Synced queue items older than the horizon go first, then the oldest
// closed and fully delivered orders together with their receipts and
// bill requests.
func (m *Manager) CheckAndReclaim(ctx context.Context) (*Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used, err := m.store.UsageBytes(ctx)
	if err != nil {
		return nil, err
	}
	report := &Report{UsedBefore: used, UsedAfter: used, QuotaBytes: m.cfg.QuotaBytes}
	if used < m.highWater() {
		return report, nil
	}

	logging.Info("Storage above high-water mark, reclaiming", map[string]interface{}{
		"used_bytes":  used,
		"quota_bytes": m.cfg.QuotaBytes,
	})

	report.PurgedItems, err = m.queue.PurgeSynced(ctx, m.now().Add(-m.cfg.Horizon))
	if err != nil {
		return report, err
	}
	if used, err = m.store.UsageBytes(ctx); err != nil {
		return report, err
	}

	for used >= m.highWater() {
		purged, err := m.store.PurgeClosedOrders(ctx, m.cfg.PurgeBatch)
		if err != nil {
			return report, err
		}
		if purged.Orders() == 0 {
			break
		}
		report.PurgedOrders += purged.Orders()
		m.forgetPurged(ctx, purged)
		if used, err = m.store.UsageBytes(ctx); err != nil {
			return report, err
		}
	}

	if report.PurgedItems > 0 || report.PurgedOrders > 0 {
		if err := m.store.Vacuum(ctx); err != nil {
			logging.Warn("Vacuum after reclaim failed", map[string]interface{}{"error": err.Error()})
		} else if used, err = m.store.UsageBytes(ctx); err != nil {
			return report, err
		}
	}

	report.UsedAfter = used
	report.OverQuota = used >= m.cfg.QuotaBytes
	logging.Info("Reclaim finished", map[string]interface{}{
		"purged_items":  report.PurgedItems,
		"purged_orders": report.PurgedOrders,
		"used_bytes":    used,
		"over_quota":    report.OverQuota,
	})
	return report, nil
}

func (m *Manager) forgetPurged(ctx context.Context, purged db.Purged) {
	if m.forget == nil {
		return
	}
	for table, keys := range purged {
		for _, key := range keys {
			m.forget.Forget(ctx, table, key)
		}
	}
}

// Admit decides whether a write may proceed. Critical writes (business
// events) always proceed, after a reclaim when usage is above the
// high-water mark. Others are refused while usage stays at or above the
// quota after a reclaim.
func (m *Manager) Admit(ctx context.Context, critical bool) error {
	used, err := m.store.UsageBytes(ctx)
	if err != nil {
		if critical {
			return nil
		}
		return err
	}
	if critical {
		if used >= m.highWater() {
			if _, err := m.CheckAndReclaim(ctx); err != nil {
				logging.Warn("Reclaim ahead of business event failed", map[string]interface{}{"error": err.Error()})
			}
		}
		return nil
	}
	if used < m.cfg.QuotaBytes {
		return nil
	}
	report, err := m.CheckAndReclaim(ctx)
	if err != nil {
		return err
	}
	if report.OverQuota {
		return errors.New(errors.ErrQuotaExceeded,
			fmt.Sprintf("storage quota exceeded: %d of %d bytes used", report.UsedAfter, report.QuotaBytes))
	}
	return nil
}
