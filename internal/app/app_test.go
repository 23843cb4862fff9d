package app_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-snapshots/internal/app"
	"github.com/JakeFAU/crawl-snapshots/internal/config"
	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/handler"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/memory"
)

func testConfig(t *testing.T, backend string) config.Config {
	t.Helper()
	return config.Config{
		Storage: config.StorageConfig{
			Backend:   backend,
			Dir:       t.TempDir(),
			StoreID:   "store-1",
			StoreName: "errors",
		},
		HTTP:  config.HTTPConfig{TimeoutSeconds: 5, Concurrency: 2, UserAgent: "errsnap-test"},
		Check: config.CheckConfig{Selectors: []string{"#price"}},
	}
}

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><span id="price">1.99</span></body></html>`))
	})
	mux.HandleFunc("/broken/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><p>layout changed</p></body></html>`))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "secret" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`<html><body><span id="price">9.99</span></body></html>`))
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`<html><body>not here</body></html>`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(t, "s3"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown storage backend")
}

func TestVisitPassingPage(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Visit(context.Background(), srv.URL+"/ok"))
	assert.Zero(t, a.Tracker().Total())
	assert.Zero(t, a.Store().(*memory.Store).Writes())
}

func TestVisitSendsConfiguredHeaders(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	withoutKey, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	defer withoutKey.Close()

	var statusErr *crawler.StatusError
	require.ErrorAs(t, withoutKey.Visit(context.Background(), srv.URL+"/private"), &statusErr)
	assert.Equal(t, http.StatusForbidden, statusErr.StatusCode)

	cfg := testConfig(t, config.BackendMemory)
	cfg.HTTP.Headers = map[string]string{"x-api-key": "secret"}
	withKey, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer withKey.Close()

	require.NoError(t, withKey.Visit(context.Background(), srv.URL+"/private"))
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	a.Close()
	a.Close()
}

func TestMetricsEndpointServesCounters(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	cfg := testConfig(t, config.BackendMemory)
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer a.Close()
	require.NotEmpty(t, a.MetricsAddr())

	require.Error(t, a.Visit(context.Background(), srv.URL+"/broken/a"))

	resp, err := http.Get("http://" + a.MetricsAddr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "errsnap_artifacts_total")
	assert.Contains(t, string(body), "errsnap_handler_errors_total")

	health, err := http.Get("http://" + a.MetricsAddr() + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestMetricsDisabledByDefault(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	defer a.Close()
	assert.Empty(t, a.MetricsAddr())
}

func TestNewFailsWhenMetricsPortTaken(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, config.BackendMemory)
	cfg.Metrics.ListenAddr = "127.0.0.1:0"
	first, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer first.Close()

	cfg.Metrics.ListenAddr = first.MetricsAddr()
	_, err = app.New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen for metrics")
}

func TestVisitFailureSnapshotsBody(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	defer a.Close()

	err = a.Visit(context.Background(), srv.URL+"/broken/a")
	require.Error(t, err)
	assert.ErrorIs(t, err, handler.ErrMissingSelector)

	store := a.Store().(*memory.Store)
	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], "ERROR_SNAPSHOT_"))
	assert.True(t, strings.HasSuffix(keys[0], ".html"))
	rec, ok := store.Get(keys[0])
	require.True(t, ok)
	assert.Contains(t, string(rec.Value), "layout changed")

	groups := a.Tracker().Groups()
	require.Len(t, groups, 1)
	require.NotNil(t, groups[0].Snapshot)
	assert.Empty(t, groups[0].Snapshot.ScreenshotFileURL)
	assert.True(t, strings.HasPrefix(groups[0].Snapshot.HTMLFileURL, "file://"))
}

func TestRunGroupsRepeatedFailures(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), testConfig(t, config.BackendMemory), nil)
	require.NoError(t, err)
	defer a.Close()

	urls := []string{
		srv.URL + "/ok",
		srv.URL + "/broken/a",
		srv.URL + "/broken/b",
		srv.URL + "/broken/c",
		srv.URL + "/gone",
	}
	summary := a.Run(context.Background(), urls)

	assert.Equal(t, 4, summary.Total)
	require.Len(t, summary.Groups, 2)
	assert.Equal(t, 3, summary.Groups[0].Count)
	assert.Contains(t, summary.Groups[0].Message, "required element not found")
	assert.Len(t, summary.Groups[0].URLs, 3)
	assert.Equal(t, 1, summary.Groups[1].Count)
	assert.Contains(t, summary.Groups[1].Message, "404")

	// One HTML record per group.
	assert.Len(t, a.Store().(*memory.Store).Keys(), 2)
}

func TestLocalBackendWritesWhereURLPoints(t *testing.T) {
	t.Parallel()

	srv := newSite(t)
	a, err := app.New(context.Background(), testConfig(t, config.BackendLocal), nil)
	require.NoError(t, err)
	defer a.Close()

	require.Error(t, a.Visit(context.Background(), srv.URL+"/broken/a"))

	groups := a.Tracker().Groups()
	require.Len(t, groups, 1)
	require.NotNil(t, groups[0].Snapshot)
	fileURL := groups[0].Snapshot.HTMLFileURL
	require.True(t, strings.HasPrefix(fileURL, "file://"))
	assert.Contains(t, fileURL, "/key_value_stores/errors/")

	data, err := os.ReadFile(filepath.FromSlash(strings.TrimPrefix(fileURL, "file://")))
	require.NoError(t, err)
	assert.Contains(t, string(data), "layout changed")
}
