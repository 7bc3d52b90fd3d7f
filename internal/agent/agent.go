// Package agent is the background delivery agent. It keeps a versioned cache
// of the client's static assets so the UI loads without a network, and it
// runs drain passes when woken by a sync tag.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/posync/internal/errors"
	"github.com/kimhsiao/posync/internal/logging"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

const installingSuffix = ".installing"

// maxAssetBytes caps the size of one downloaded or proxied asset.
var maxAssetBytes int64 = 32 << 20

// Drainer runs a drain pass for a sync tag.
type Drainer interface {
	HandleSync(ctx context.Context, tag string) (*syncpkg.SyncResult, error)
}

// Config holds agent configuration.
type Config struct {
	Dir      string       // Root of the asset cache; one subdirectory per generation
	Origin   string       // Base URL assets are fetched from
	Version  string       // Current generation name
	Manifest []string     // Asset paths cached on install
	Client   *http.Client // Optional; defaults to a client with a 30s timeout
}

// Agent manages the asset cache lifecycle and sync wake-ups.
type Agent struct {
	cfg     Config
	drainer Drainer
	client  *http.Client

	mu     sync.RWMutex
	active string
}

// New creates an Agent. drainer may be nil for an agent that only serves assets.
func New(cfg Config, drainer Drainer) (*Agent, error) {
	if cfg.Dir == "" {
		return nil, errors.New(errors.ErrNotConfigured, "agent asset directory is empty")
	}
	if cfg.Version == "" {
		cfg.Version = "v1"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Agent{cfg: cfg, drainer: drainer, client: client}, nil
}

// Active returns the generation being served, or "" before Activate.
func (a *Agent) Active() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

func (a *Agent) generationDir(version string) string {
	return filepath.Join(a.cfg.Dir, version)
}

// assetFile maps a request path onto a file name inside a generation.
func assetFile(p string) string {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" {
		return "index.html"
	}
	return filepath.FromSlash(p)
}

// Install fetches every manifest asset into a fresh generation directory.
// The generation only appears once every asset has been written, so a
// failed install leaves the previous generation in place.
func (a *Agent) Install(ctx context.Context) error {
	if a.cfg.Origin == "" {
		return errors.New(errors.ErrNotConfigured, "agent origin is empty")
	}
	gen := a.generationDir(a.cfg.Version)
	tmp := gen + installingSuffix
	if err := os.RemoveAll(tmp); err != nil {
		return errors.Wrap(errors.ErrStorage, "clear install directory", err)
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return errors.Wrap(errors.ErrStorage, "create install directory", err)
	}

	for _, p := range a.cfg.Manifest {
		if err := a.fetchTo(ctx, p, filepath.Join(tmp, assetFile(p))); err != nil {
			os.RemoveAll(tmp)
			return err
		}
	}

	if err := os.RemoveAll(gen); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(errors.ErrStorage, "replace generation", err)
	}
	if err := os.Rename(tmp, gen); err != nil {
		os.RemoveAll(tmp)
		return errors.Wrap(errors.ErrStorage, "publish generation", err)
	}

	logging.Info("Asset generation installed", map[string]interface{}{
		"version": a.cfg.Version,
		"assets":  len(a.cfg.Manifest),
	})
	return nil
}

func (a *Agent) fetchTo(ctx context.Context, p, dst string) error {
	resp, err := a.fetch(ctx, p)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.ErrSyncNetwork, fmt.Sprintf("fetch %s: status %d", p, resp.StatusCode))
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return errors.Wrap(errors.ErrStorage, "create asset directory", err)
	}
	f, err := os.Create(dst)
	if err != nil {
		return errors.Wrap(errors.ErrStorage, "create asset", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, maxAssetBytes+1))
	if err != nil {
		f.Close()
		return errors.Wrap(errors.ErrSyncNetwork, "download "+p, err)
	}
	if n > maxAssetBytes {
		f.Close()
		return errors.New(errors.ErrSyncNetwork, fmt.Sprintf("download %s: asset exceeds %d bytes", p, maxAssetBytes))
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(errors.ErrStorage, "write asset", err)
	}
	return nil
}

func (a *Agent) fetch(ctx context.Context, p string) (*http.Response, error) {
	url := strings.TrimRight(a.cfg.Origin, "/") + path.Clean("/"+p)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "build asset request", err)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.ErrSyncNetwork, "fetch "+p, err)
	}
	return resp, nil
}

// Activate makes the installed generation current and deletes every other
// generation. It returns the number of generations removed.
func (a *Agent) Activate(ctx context.Context) (int, error) {
	gen := a.generationDir(a.cfg.Version)
	if info, err := os.Stat(gen); err != nil || !info.IsDir() {
		return 0, errors.New(errors.ErrNotFound, fmt.Sprintf("generation %q is not installed", a.cfg.Version))
	}

	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return 0, errors.Wrap(errors.ErrStorage, "list generations", err)
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == a.cfg.Version {
			continue
		}
		if err := os.RemoveAll(filepath.Join(a.cfg.Dir, entry.Name())); err != nil {
			return removed, errors.Wrap(errors.ErrStorage, "remove generation "+entry.Name(), err)
		}
		removed++
	}

	a.mu.Lock()
	a.active = a.cfg.Version
	a.mu.Unlock()

	logging.Info("Asset generation activated", map[string]interface{}{
		"version": a.cfg.Version,
		"removed": removed,
	})
	return removed, nil
}

// HandleSync runs a drain pass when tag is the drain tag.
func (a *Agent) HandleSync(ctx context.Context, tag string) (*syncpkg.SyncResult, error) {
	if a.drainer == nil {
		return nil, errors.New(errors.ErrNotConfigured, "agent has no drainer")
	}
	return a.drainer.HandleSync(ctx, tag)
}

// ServeHTTP serves cached assets, falling back to the origin on a miss.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if active := a.Active(); active != "" {
		name := filepath.Join(a.generationDir(active), assetFile(r.URL.Path))
		if f, err := os.Open(name); err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil && !info.IsDir() {
				w.Header().Set("X-Posync-Cache", "hit")
				http.ServeContent(w, r, info.Name(), info.ModTime(), f)
				return
			}
		}
	}

	if a.cfg.Origin == "" {
		http.NotFound(w, r)
		return
	}
	resp, err := a.fetch(r.Context(), r.URL.Path)
	if err != nil {
		logging.Warn("Asset origin unreachable", map[string]interface{}{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		http.Error(w, "asset unavailable offline", http.StatusGatewayTimeout)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.Header().Set("X-Posync-Cache", "miss")
	w.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodGet {
		io.Copy(w, io.LimitReader(resp.Body, maxAssetBytes))
	}
}

type syncRequest struct {
	Tag string `json:"tag"`
}

// ServeSync handles a wake request. The body may name a tag; an empty body
// requests a drain.
func (a *Agent) ServeSync(w http.ResponseWriter, r *http.Request) {
	req := syncRequest{Tag: syncpkg.DrainTag}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	if req.Tag == "" {
		req.Tag = syncpkg.DrainTag
	}

	result, err := a.HandleSync(r.Context(), req.Tag)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case err == syncpkg.ErrSyncInProgress:
			status = http.StatusConflict
		case errors.Is(err, errors.ErrSyncOffline):
			status = http.StatusServiceUnavailable
		case errors.Is(err, errors.ErrSyncAuthFailed):
			status = http.StatusUnauthorized
		case errors.Is(err, errors.ErrNotConfigured):
			status = http.StatusNotImplemented
		}
		writeJSON(w, status, map[string]interface{}{"error": err.Error(), "result": result})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tag": req.Tag, "result": result})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
