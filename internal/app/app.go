// Package app wires configuration into the long-lived services of a capture
// run: the key-value store, fetchers, snapshotter and error tracker.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	gcsapi "cloud.google.com/go/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-snapshots/internal/config"
	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	collyfetcher "github.com/JakeFAU/crawl-snapshots/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-snapshots/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-snapshots/internal/handler"
	"github.com/JakeFAU/crawl-snapshots/internal/metrics"
	"github.com/JakeFAU/crawl-snapshots/internal/report"
	"github.com/JakeFAU/crawl-snapshots/internal/snapshot"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/gcs"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/local"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/memory"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/postgres"
)

// App holds the services shared by every visited URL.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	store    crawler.KeyValueStore
	snapper  *snapshot.Snapshotter
	tracker  *report.Tracker
	fetcher  *collyfetcher.Fetcher
	renderer *headless.Renderer
	checker  *handler.Checker
	headers  http.Header
	metrics  net.Listener
	closers  []func()
}

// New initializes services from cfg. It fails fast when the store cannot be opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		logger:  logger,
		snapper: snapshot.New(cfg.Snapshot(), snapshot.WithLogger(logger.Named("snapshot"))),
		checker: handler.NewChecker(cfg.Check.MinBytes, cfg.Check.Selectors, cfg.Check.BlockMarkers),
		headers: cfg.RequestHeaders(),
	}

	store, closeStore, err := openStore(ctx, cfg.Storage, a.snapper)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)
	logger.Info("key-value store ready",
		zap.String("backend", cfg.Storage.Backend),
		zap.String("store_id", store.ID()),
		zap.Bool("on_platform", cfg.Platform.OnPlatform),
	)

	a.fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.HTTP.UserAgent,
		RespectRobots: cfg.HTTP.RespectRobots,
		Timeout:       cfg.HTTPTimeout(),
	})

	if cfg.Headless.Enabled {
		renderer, err := headless.NewChromedp(headless.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.NavTimeout(),
			OnPlatform:        cfg.Platform.OnPlatform,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init headless renderer: %w", err)
		}
		a.renderer = renderer
		a.closers = append(a.closers, renderer.Close)
	}

	if cfg.Metrics.ListenAddr != "" {
		if err := a.serveMetrics(cfg.Metrics.ListenAddr); err != nil {
			a.Close()
			return nil, err
		}
	}

	a.tracker = report.NewTracker(a.snapper, report.Config{MaxSnapshots: cfg.Report.MaxSnapshots}, logger.Named("report"))
	return a, nil
}

// serveMetrics binds addr up front so a taken port fails New, then serves
// /metrics and /healthz until Close.
func (a *App) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics: %w", err)
	}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("metrics server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", zap.Error(err))
		}
	}()
	a.metrics = ln
	a.closers = append(a.closers, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.logger.Warn("metrics server shutdown", zap.Error(err))
		}
	})
	return nil
}

// MetricsAddr returns the address the metrics endpoint listens on, or "" when
// it is disabled.
func (a *App) MetricsAddr() string {
	if a.metrics == nil {
		return ""
	}
	return a.metrics.Addr().String()
}

func openStore(
	ctx context.Context,
	cfg config.StorageConfig,
	snapper *snapshot.Snapshotter,
) (crawler.KeyValueStore, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.NewStore(cfg.StoreID, cfg.StoreName), noop, nil
	case config.BackendLocal:
		store, err := local.New(local.Config{Dir: snapper.StoreDir(cfg.StoreName), Name: cfg.StoreName})
		if err != nil {
			return nil, nil, fmt.Errorf("open local store: %w", err)
		}
		return store, noop, nil
	case config.BackendGCS:
		client, err := gcsapi.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("open gcs store: %w", err)
		}
		return store, func() { _ = client.Close() }, nil
	case config.BackendPostgres:
		store, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
			DSN:       cfg.PostgresDSN,
			Table:     cfg.PostgresTable,
			StoreID:   cfg.StoreID,
			StoreName: cfg.StoreName,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("prepare postgres store: %w", err)
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// RequireSelectors adds CSS selectors every page must contain.
func (a *App) RequireSelectors(selectors ...string) {
	merged := make([]string, 0, len(a.cfg.Check.Selectors)+len(selectors))
	merged = append(merged, a.cfg.Check.Selectors...)
	merged = append(merged, selectors...)
	a.cfg.Check.Selectors = merged
	a.checker = handler.NewChecker(a.cfg.Check.MinBytes, merged, a.cfg.Check.BlockMarkers)
}

// Store returns the key-value store artifacts are written to.
func (a *App) Store() crawler.KeyValueStore {
	return a.store
}

// Tracker returns the error tracker of this run.
func (a *App) Tracker() *report.Tracker {
	return a.tracker
}

// Run visits every URL with the configured concurrency and returns the
// grouped failures.
func (a *App) Run(ctx context.Context, urls []string) report.Summary {
	workers := a.cfg.HTTP.Concurrency
	if workers <= 0 {
		workers = 1
	}
	if workers > len(urls) {
		workers = len(urls)
	}

	jobs := make(chan string)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rawURL := range jobs {
				_ = a.Visit(ctx, rawURL)
			}
		}()
	}
	for _, rawURL := range urls {
		select {
		case jobs <- rawURL:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(jobs)
	wg.Wait()
	return a.tracker.Summary()
}

// Visit fetches rawURL and runs the page checks. A failure is recorded on the
// tracker, snapshotted when it starts a new group, and returned.
func (a *App) Visit(ctx context.Context, rawURL string) error {
	if a.renderer != nil {
		return a.visitBrowser(ctx, rawURL)
	}
	return a.visitHTTP(ctx, rawURL)
}

func (a *App) visitHTTP(ctx context.Context, rawURL string) error {
	resp, err := a.fetcher.Fetch(ctx, rawURL, a.headers)
	if err == nil {
		err = a.checker.Check(resp.Body)
	}
	if err == nil {
		a.logger.Debug("page passed", zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		return nil
	}
	return a.fail(ctx, err, rawURL, crawler.RunContext{Store: a.store, Body: string(resp.Body)})
}

func (a *App) visitBrowser(ctx context.Context, rawURL string) error {
	page, err := a.renderer.Open(ctx, rawURL, a.headers)
	if page != nil {
		defer page.Close()
	}
	status := 0
	if err == nil {
		var finalURL string
		status, finalURL, _ = page.Status()
		err = documentError(status, finalURL)
	}
	if err == nil {
		var html string
		html, err = page.Content(ctx)
		if err == nil {
			err = a.checker.Check([]byte(html))
		}
	}
	if err == nil {
		a.logger.Debug("page passed", zap.String("url", rawURL), zap.Int("status", status))
		return nil
	}

	rc := crawler.RunContext{Store: a.store}
	if page != nil {
		rc.Page = page
	}
	return a.fail(ctx, err, rawURL, rc)
}

// documentError fails a rendered document that answered with an error
// status, matching what the HTTP fetcher reports.
func documentError(status int, finalURL string) error {
	if status < http.StatusBadRequest {
		return nil
	}
	return &crawler.StatusError{URL: finalURL, StatusCode: status}
}

func (a *App) fail(ctx context.Context, err error, rawURL string, rc crawler.RunContext) error {
	herr := crawler.NewHandlerError(err)
	entry := a.tracker.Add(ctx, herr, rawURL, rc)
	a.logger.Warn("handler failed",
		zap.String("url", rawURL),
		zap.String("key", entry.Key),
		zap.Bool("first", entry.First),
		zap.Error(err),
	)
	return herr
}

// Close releases services in reverse order of creation and flushes the logger.
// It is safe to call more than once.
func (a *App) Close() {
	if a.closers == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	// Syncing stderr fails on some platforms; there is nowhere left to report it.
	_ = a.logger.Sync()
}
