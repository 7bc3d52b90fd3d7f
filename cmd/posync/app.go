package main

import (
	"context"

	"github.com/kimhsiao/posync/internal/agent"
	"github.com/kimhsiao/posync/internal/cache"
	"github.com/kimhsiao/posync/internal/config"
	"github.com/kimhsiao/posync/internal/connectivity"
	"github.com/kimhsiao/posync/internal/db"
	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	"github.com/kimhsiao/posync/internal/offline"
	"github.com/kimhsiao/posync/internal/retention"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
	"github.com/kimhsiao/posync/internal/sync/queue"
	"github.com/kimhsiao/posync/internal/sync/remote"
	"github.com/kimhsiao/posync/internal/sync/scheduler"
)

// app holds the wired till components.
type app struct {
	cfg       *config.Config
	conn      *db.DB
	store     *db.Store
	queue     *queue.Queue
	redundant cache.Tier
	tiers     *cache.TwoTier
	client    *remote.Client // nil when no server is configured
	monitor   *connectivity.Monitor
	engine    *syncpkg.SyncEngine // nil when no server is configured
	retention *retention.Manager
	service   *offline.Service
	scheduler *scheduler.Scheduler // nil when no server is configured
	agent     *agent.Agent
}

// newApp opens the Local Store and wires every component over it.
// requireRemote makes a missing server URL an error.
func newApp(ctx context.Context, cfg *config.Config, requireRemote bool) (*app, error) {
	conn, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	if err := conn.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	a := &app{cfg: cfg, conn: conn}
	a.store = db.NewStore(conn.DB)
	a.queue = queue.New(a.store.DB())
	a.redundant = redundantTier(ctx, cfg)
	a.tiers = cache.NewTwoTier(a.store, a.redundant)

	if cfg.Remote.BaseURL != "" {
		a.client, err = remote.NewClient(cfg.RemoteClientConfig(), remote.StaticToken(cfg.Remote.Token))
		if err != nil {
			a.Close()
			return nil, err
		}
	} else if requireRemote {
		a.Close()
		return nil, errors.New(errors.ErrNotConfigured, "remote base URL is required (remote.base_url or POSYNC_REMOTE_URL)")
	}

	// Without a probe target the till stays offline until Signal is called.
	var prober connectivity.Prober
	if target := cfg.ProbeTarget(); target != "" {
		prober = connectivity.NewHTTPProber(target, cfg.Remote.Timeout)
	}
	a.monitor = connectivity.NewMonitor(cfg.MonitorConfig(), prober)

	a.retention = retention.NewManager(a.store, a.queue, cfg.RetentionManagerConfig())
	a.retention.SetForgetter(a.tiers)

	deps := offline.Deps{
		Store:        a.store,
		Queue:        a.queue,
		Cache:        a.tiers,
		Connectivity: a.monitor,
		Quota:        a.retention,
	}
	if a.client != nil {
		deps.Snapshots = a.client
	}
	a.service, err = offline.NewService(deps)
	if err != nil {
		a.Close()
		return nil, err
	}

	var drainer agent.Drainer
	if a.client != nil {
		a.engine = syncpkg.NewSyncEngine(a.store, a.queue, a.client, a.monitor, cfg.EngineConfig())
		a.engine.SetMirror(a.tiers)
		recovered, err := a.engine.Recover(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		if recovered > 0 {
			logging.Info("Recovered unqueued local records", map[string]interface{}{"count": recovered})
		}
		a.scheduler = scheduler.NewScheduler(a.engine, a.monitor, a.retention, cfg.SchedulerConfig())
		drainer = a.engine
	}

	a.agent, err = agent.New(agent.Config{
		Dir:      cfg.AssetDir(),
		Origin:   cfg.Agent.Origin,
		Version:  cfg.Agent.Version,
		Manifest: cfg.Agent.Manifest,
	}, drainer)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// redundantTier dials Redis when configured and falls back to memory.
func redundantTier(ctx context.Context, cfg *config.Config) cache.Tier {
	if cfg.Redis.Addr == "" {
		return cache.NewMemoryTier()
	}
	tier, err := cache.DialRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		logging.Warn("Redis unavailable, using in-memory redundant tier", map[string]interface{}{
			"addr":  cfg.Redis.Addr,
			"error": err.Error(),
		})
		return cache.NewMemoryTier()
	}
	return tier
}

// wireHub forwards engine, connectivity and queue notifications to the hub.
// It returns a function that detaches the connectivity subscription.
func (a *app) wireHub(hub *WSHub) func() {
	if a.engine != nil {
		a.engine.SetEventHandler(hub.BroadcastSyncEvent)
	}
	a.service.SetPendingHandler(hub.BroadcastPending)
	return a.monitor.Subscribe(
		func() { hub.BroadcastConnectivity(true) },
		func() { hub.BroadcastConnectivity(false) },
	)
}

// start begins connectivity monitoring and, with a server, scheduled drains.
func (a *app) start(ctx context.Context) {
	a.monitor.Start(ctx)
	if a.scheduler != nil {
		a.scheduler.Start(ctx)
	}
}

// Close stops background work and releases storage.
func (a *app) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.redundant != nil {
		a.redundant.Close()
	}
	return a.conn.Close()
}
