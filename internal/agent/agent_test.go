package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/posync/internal/errors"
	syncpkg "github.com/kimhsiao/posync/internal/sync"
)

var testAssets = map[string]string{
	"/index.html":  "<html>till</html>",
	"/app.js":      "console.log('till')",
	"/css/app.css": "body{}",
}

func newOrigin(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, ok := testAssets[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newTestAgent(t *testing.T, origin, version string, drainer Drainer) *Agent {
	t.Helper()
	a, err := New(Config{
		Dir:      filepath.Join(t.TempDir(), "assets"),
		Origin:   origin,
		Version:  version,
		Manifest: []string{"/index.html", "/app.js", "/css/app.css"},
	}, drainer)
	require.NoError(t, err)
	return a
}

type fakeDrainer struct {
	tags []string
	err  error
}

func (d *fakeDrainer) HandleSync(ctx context.Context, tag string) (*syncpkg.SyncResult, error) {
	d.tags = append(d.tags, tag)
	if tag != syncpkg.DrainTag {
		return nil, nil
	}
	return &syncpkg.SyncResult{Synced: 2}, d.err
}

func TestNew_requiresDir(t *testing.T) {
	_, err := New(Config{}, nil)
	assert.True(t, errors.Is(err, errors.ErrNotConfigured))
}

func TestInstallActivate(t *testing.T) {
	origin, _ := newOrigin(t)
	a := newTestAgent(t, origin.URL, "v2", nil)

	require.NoError(t, os.MkdirAll(filepath.Join(a.cfg.Dir, "v1"), 0o755))
	require.NoError(t, a.Install(context.Background()))

	data, err := os.ReadFile(filepath.Join(a.cfg.Dir, "v2", "css", "app.css"))
	require.NoError(t, err)
	assert.Equal(t, "body{}", string(data))
	assert.Empty(t, a.Active(), "install does not switch generations")

	removed, err := a.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, "v2", a.Active())

	_, err = os.Stat(filepath.Join(a.cfg.Dir, "v1"))
	assert.True(t, os.IsNotExist(err))
}

func TestInstall_failureKeepsPreviousGeneration(t *testing.T) {
	origin, _ := newOrigin(t)
	a := newTestAgent(t, origin.URL, "v1", nil)
	require.NoError(t, a.Install(context.Background()))

	a.cfg.Manifest = append(a.cfg.Manifest, "/missing.js")
	err := a.Install(context.Background())
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(a.cfg.Dir, "v1", "index.html"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(a.cfg.Dir, "v1"+installingSuffix))
	assert.True(t, os.IsNotExist(err))
}

func TestInstall_oversizedAsset(t *testing.T) {
	prev := maxAssetBytes
	maxAssetBytes = 8
	t.Cleanup(func() { maxAssetBytes = prev })

	origin, _ := newOrigin(t)
	a := newTestAgent(t, origin.URL, "v1", nil)
	err := a.Install(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSyncNetwork))
	assert.Contains(t, err.Error(), "exceeds 8 bytes")

	_, err = os.Stat(filepath.Join(a.cfg.Dir, "v1"))
	assert.True(t, os.IsNotExist(err), "a truncated generation is never installed")
}

func TestInstall_noOrigin(t *testing.T) {
	a := newTestAgent(t, "", "v1", nil)
	assert.True(t, errors.Is(a.Install(context.Background()), errors.ErrNotConfigured))
}

func TestActivate_notInstalled(t *testing.T) {
	a := newTestAgent(t, "http://unused", "v9", nil)
	_, err := a.Activate(context.Background())
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestServeHTTP_cacheFirst(t *testing.T) {
	origin, hits := newOrigin(t)
	a := newTestAgent(t, origin.URL, "v1", nil)
	require.NoError(t, a.Install(context.Background()))
	_, err := a.Activate(context.Background())
	require.NoError(t, err)
	installHits := hits.Load()

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hit", rec.Header().Get("X-Posync-Cache"))
	assert.Equal(t, testAssets["/app.js"], rec.Body.String())
	assert.Equal(t, installHits, hits.Load(), "cached asset must not reach the origin")

	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "hit", rec.Header().Get("X-Posync-Cache"))
	assert.Contains(t, rec.Body.String(), "till")
}

func TestServeHTTP_originFallback(t *testing.T) {
	origin, _ := newOrigin(t)
	a := newTestAgent(t, origin.URL, "v1", nil)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "miss", rec.Header().Get("X-Posync-Cache"))
	assert.Equal(t, testAssets["/index.html"], rec.Body.String())

	rec = httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTP_offlineMiss(t *testing.T) {
	origin, _ := newOrigin(t)
	url := origin.URL
	origin.Close()
	a := newTestAgent(t, url, "v1", nil)

	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/app.js", nil))
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}

func TestServeHTTP_methodNotAllowed(t *testing.T) {
	a := newTestAgent(t, "", "v1", nil)
	rec := httptest.NewRecorder()
	a.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/app.js", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestAssetFile(t *testing.T) {
	assert.Equal(t, "index.html", assetFile("/"))
	assert.Equal(t, "index.html", assetFile(""))
	assert.Equal(t, filepath.FromSlash("css/app.css"), assetFile("/css/app.css"))
	assert.Equal(t, "passwd", assetFile("/../../passwd"))
}

func TestHandleSync(t *testing.T) {
	drainer := &fakeDrainer{}
	a := newTestAgent(t, "", "v1", drainer)

	result, err := a.HandleSync(context.Background(), syncpkg.DrainTag)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)

	result, err = a.HandleSync(context.Background(), "other")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, []string{syncpkg.DrainTag, "other"}, drainer.tags)

	bare := newTestAgent(t, "", "v1", nil)
	_, err = bare.HandleSync(context.Background(), syncpkg.DrainTag)
	assert.True(t, errors.Is(err, errors.ErrNotConfigured))
}

func TestServeSync(t *testing.T) {
	drainer := &fakeDrainer{}
	a := newTestAgent(t, "", "v1", drainer)

	rec := httptest.NewRecorder()
	a.ServeSync(rec, httptest.NewRequest(http.MethodPost, "/agent/sync", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Tag    string              `json:"tag"`
		Result *syncpkg.SyncResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, syncpkg.DrainTag, body.Tag)
	assert.Equal(t, 2, body.Result.Synced)

	rec = httptest.NewRecorder()
	a.ServeSync(rec, httptest.NewRequest(http.MethodPost, "/agent/sync", strings.NewReader(`{"tag":"other"}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "other", drainer.tags[len(drainer.tags)-1])

	rec = httptest.NewRecorder()
	a.ServeSync(rec, httptest.NewRequest(http.MethodPost, "/agent/sync", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServeSync_errorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{syncpkg.ErrSyncInProgress, http.StatusConflict},
		{errors.New(errors.ErrSyncOffline, "offline"), http.StatusServiceUnavailable},
		{errors.New(errors.ErrSyncAuthFailed, "expired"), http.StatusUnauthorized},
		{errors.New(errors.ErrStorage, "disk"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		a := newTestAgent(t, "", "v1", &fakeDrainer{err: tt.err})
		rec := httptest.NewRecorder()
		a.ServeSync(rec, httptest.NewRequest(http.MethodPost, "/agent/sync", nil))
		assert.Equal(t, tt.want, rec.Code, "%v", tt.err)
	}
}
