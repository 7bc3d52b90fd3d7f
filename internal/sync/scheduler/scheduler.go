// Package scheduler drives drain passes and storage reclaim in the background.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/retention"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

// Monitor is the part of the connectivity monitor the scheduler uses.
type Monitor interface {
	IsOnline() bool
	Subscribe(onOnline, onOffline func()) func()
}

// Reclaimer keeps the Local Store within quota.
type Reclaimer interface {
	CheckAndReclaim(ctx context.Context) (*retention.Report, error)
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine            syncpkg.SyncEngineInterface
	monitor           Monitor
	reclaimer         Reclaimer
	syncInterval      time.Duration
	retentionInterval time.Duration
	syncTimeout       time.Duration

	triggerCh   chan struct{}
	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu             sync.RWMutex
	isRunning      bool
	lastSyncTime   time.Time
	lastResult     *syncpkg.SyncResult
	lastReclaim    *retention.Report
	syncInProgress bool
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval      time.Duration // How often to drain when online (default: 30 seconds)
	RetentionInterval time.Duration // How often to check the storage quota (default: 5 minutes)
	SyncTimeout       time.Duration // Upper bound for one drain pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:      30 * time.Second,
		RetentionInterval: 5 * time.Minute,
		SyncTimeout:       5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. reclaimer may be nil.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor Monitor, reclaimer Reclaimer, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	s := &Scheduler{
		engine:            engine,
		monitor:           monitor,
		reclaimer:         reclaimer,
		syncInterval:      config.SyncInterval,
		retentionInterval: config.RetentionInterval,
		syncTimeout:       config.SyncTimeout,
		triggerCh:         make(chan struct{}, 1),
		stopCh:            make(chan struct{}),
	}
	if s.syncInterval <= 0 {
		s.syncInterval = def.SyncInterval
	}
	if s.retentionInterval <= 0 {
		s.retentionInterval = def.RetentionInterval
	}
	if s.syncTimeout <= 0 {
		s.syncTimeout = def.SyncTimeout
	}
	return s
}

// Start starts the background loops. A drain is requested immediately when
// the monitor is online and again on every transition to online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.mu.Unlock()

	s.unsubscribe = s.monitor.Subscribe(func() {
		logging.Info("Connectivity restored, requesting drain", nil)
		s.TriggerSync()
	}, nil)

	if s.monitor.IsOnline() {
		s.TriggerSync()
	}

	s.wg.Add(1)
	go s.syncLoop(ctx)

	if s.reclaimer != nil {
		s.wg.Add(1)
		go s.retentionLoop(ctx)
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":      s.syncInterval.String(),
		"retention_interval": s.retentionInterval.String(),
	})
}

// Stop stops the background loops and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-s.triggerCh:
			s.runSync(ctx, "trigger")
		case <-ticker.C:
			s.runSync(ctx, "periodic")
		}
	}
}

func (s *Scheduler) retentionLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.runReclaim(ctx)
		}
	}
}

// runSync executes one drain pass.
func (s *Scheduler) runSync(ctx context.Context, reason string) {
	if !s.monitor.IsOnline() {
		logging.Debug("Skipping drain, offline", map[string]interface{}{"reason": reason})
		return
	}
	_, _ = s.sync(ctx, reason)
}

func (s *Scheduler) sync(ctx context.Context, reason string) (*syncpkg.SyncResult, error) {
	s.mu.Lock()
	s.syncInProgress = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.syncInProgress = false
		s.mu.Unlock()
	}()

	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)

	s.mu.Lock()
	if result != nil {
		s.lastResult = result
	}
	if err == nil {
		s.lastSyncTime = time.Now()
	}
	s.mu.Unlock()

	switch {
	case err == nil:
	case err == syncpkg.ErrSyncInProgress, errors.Is(err, errors.ErrSyncOffline):
		logging.Debug("Drain skipped", map[string]interface{}{"reason": reason, "error": err.Error()})
	default:
		logging.ErrorWithCode("Drain pass failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
	}
	return result, err
}

func (s *Scheduler) runReclaim(ctx context.Context) {
	report, err := s.reclaimer.CheckAndReclaim(ctx)
	if err != nil {
		logging.ErrorWithCode("Storage reclaim failed", string(errors.CodeOf(err)), err)
		return
	}
	s.mu.Lock()
	s.lastReclaim = report
	s.mu.Unlock()
}

// TriggerSync requests a drain pass from the sync loop.
// Returns false if a request is already waiting.
func (s *Scheduler) TriggerSync() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
		return false
	}
}

// SchedulerStatus is a snapshot of the scheduler for UI collaborators.
type SchedulerStatus struct {
	IsRunning      bool                `json:"is_running"`
	IsOnline       bool                `json:"is_online"`
	LastSyncTime   *time.Time          `json:"last_sync_time,omitempty"`
	SyncInProgress bool                `json:"sync_in_progress"`
	PendingItems   int                 `json:"pending_items"`
	EngineStatus   syncpkg.SyncStatus  `json:"engine_status"`
	LastResult     *syncpkg.SyncResult `json:"last_result,omitempty"`
	LastReclaim    *retention.Report   `json:"last_reclaim,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus(ctx context.Context) (SchedulerStatus, error) {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.monitor.IsOnline(),
		SyncInProgress: s.syncInProgress,
		EngineStatus:   s.engine.Status(),
		LastResult:     s.lastResult,
		LastReclaim:    s.lastReclaim,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	s.mu.RUnlock()

	pending, err := s.engine.PendingChanges(ctx)
	if err != nil {
		return status, err
	}
	status.PendingItems = pending
	return status, nil
}

// SyncNow runs a drain pass and waits for it to finish.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.sync(ctx, "manual")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
