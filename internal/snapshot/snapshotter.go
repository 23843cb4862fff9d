package snapshot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/metrics"
)

// Artifact file conventions.
const (
	HTMLExtension         = ".html"
	PlatformScreenshotExt = ".jpg"
	LocalScreenshotExt    = ".jpeg"
	HTMLContentType       = "text/html"
	ScreenshotContentType = "image/jpeg"
	ScreenshotQuality     = 50
)

var (
	// ErrNoStore indicates the crawling context has no key-value store.
	ErrNoStore = errors.New("no key-value store available")
	// ErrNoPage indicates a browser capture was attempted without a page.
	ErrNoPage = errors.New("no page available")
	// ErrEmptyContent indicates the page returned no markup.
	ErrEmptyContent = errors.New("page returned empty content")
)

// ScreenshotExtension returns the extension a page snapshot uses for its
// screenshot in the given environment.
func ScreenshotExtension(onPlatform bool) string {
	if onPlatform {
		return PlatformScreenshotExt
	}
	return LocalScreenshotExt
}

// Config controls where records are addressed.
type Config struct {
	// OnPlatform selects the managed platform URL scheme and screenshot extension.
	OnPlatform bool `mapstructure:"on_platform"`
	// StorageDir overrides the local storage directory. Relative paths resolve
	// against WorkDir.
	StorageDir string `mapstructure:"dir"`
	// WorkDir defaults to the process working directory.
	WorkDir string `mapstructure:"-"`
}

// Option customizes a Snapshotter.
type Option func(*Snapshotter)

// WithLogger sets the logger used for capture diagnostics.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Snapshotter) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Artifacts holds the stored file names of one capture. Empty means absent.
type Artifacts struct {
	ScreenshotFileName string
	HTMLFileName       string
}

// Result holds the resolved artifact URLs of one capture. Each field is empty
// when the artifact was not produced.
type Result struct {
	ScreenshotFileName string `json:"screenshotFileName,omitempty"`
	ScreenshotFileURL  string `json:"screenshotFileUrl,omitempty"`
	HTMLFileName       string `json:"htmlFileName,omitempty"`
	HTMLFileURL        string `json:"htmlFileUrl,omitempty"`
}

// Empty reports whether nothing was captured.
func (r Result) Empty() bool {
	return r.ScreenshotFileURL == "" && r.HTMLFileURL == ""
}

// Snapshotter captures error snapshots. It is safe for concurrent use.
type Snapshotter struct {
	onPlatform bool
	locations  *locations
	logger     *zap.Logger
}

// New builds a Snapshotter.
func New(cfg Config, opts ...Option) *Snapshotter {
	s := &Snapshotter{
		onPlatform: cfg.OnPlatform,
		locations:  newLocations(cfg.WorkDir, cfg.StorageDir),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnPlatform reports whether platform URLs are produced.
func (s *Snapshotter) OnPlatform() bool {
	return s.onPlatform
}

// StoreDir returns the local directory records of the named store live in,
// matching the URLs produced off-platform.
func (s *Snapshotter) StoreDir(storeName string) string {
	if storeName == "" {
		storeName = DefaultStoreName
	}
	return filepath.Join(s.locations.storageDir(), KeyValueStoresDir, storeName)
}

// CaptureSnapshot stores whatever diagnostics the context allows and returns
// their URLs. It never fails; a problem at any stage yields an empty or
// partial result.
func (s *Snapshotter) CaptureSnapshot(
	ctx context.Context,
	capErr crawler.CapturedError,
	cc crawler.CrawlingContext,
) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("error snapshot panicked", zap.Any("panic", r))
			result = Result{}
		}
	}()

	if cc == nil {
		return Result{}
	}
	store, err := cc.KeyValueStore(ctx)
	if err != nil || store == nil {
		if err == nil {
			err = ErrNoStore
		}
		s.logger.Debug("skip error snapshot", zap.Error(err))
		return Result{}
	}

	surface := cc.Surface()
	if !capturable(surface) {
		metrics.ObserveArtifact(metrics.KindScreenshot, metrics.OutcomeSkipped)
		metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeSkipped)
		return Result{}
	}

	filename := GenerateFilename(capErr)
	var artifacts Artifacts
	switch surface := surface.(type) {
	case crawler.BrowserSurface:
		artifacts = s.captureBrowser(ctx, surface.Page, store, filename)
	case crawler.BodySurface:
		metrics.ObserveArtifact(metrics.KindScreenshot, metrics.OutcomeSkipped)
		html, err := s.SaveHTMLSnapshot(ctx, surface.Body, store, filename)
		if err != nil {
			s.logger.Debug("save body snapshot failed", zap.String("key", filename), zap.Error(err))
			metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeFailed)
		} else {
			metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeCaptured)
		}
		artifacts.HTMLFileName = html
	}

	return Result{
		ScreenshotFileName: artifacts.ScreenshotFileName,
		ScreenshotFileURL:  s.RecordURL(store, artifacts.ScreenshotFileName),
		HTMLFileName:       artifacts.HTMLFileName,
		HTMLFileURL:        s.RecordURL(store, artifacts.HTMLFileName),
	}
}

func capturable(surface crawler.Surface) bool {
	switch surface := surface.(type) {
	case crawler.BrowserSurface:
		return surface.Page != nil
	case crawler.BodySurface:
		return surface.Body != ""
	default:
		return false
	}
}

func (s *Snapshotter) captureBrowser(
	ctx context.Context,
	page crawler.Page,
	store crawler.KeyValueStore,
	filename string,
) Artifacts {
	artifacts, err := s.CaptureSnapShot(ctx, page, store, filename)
	if err != nil {
		s.logger.Debug("page snapshot failed", zap.String("key", filename), zap.Error(err))
		metrics.ObserveArtifact(metrics.KindScreenshot, metrics.OutcomeFailed)
		artifacts = Artifacts{}
	} else {
		metrics.ObserveArtifact(metrics.KindScreenshot, metrics.OutcomeCaptured)
		metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeCaptured)
	}
	if artifacts.HTMLFileName != "" {
		return artifacts
	}

	html, err := s.pageContent(ctx, page)
	if err == nil {
		artifacts.HTMLFileName, err = s.SaveHTMLSnapshot(ctx, html, store, filename)
	}
	if err != nil {
		s.logger.Debug("html fallback failed", zap.String("key", filename), zap.Error(err))
		metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeFailed)
		return artifacts
	}
	metrics.ObserveArtifact(metrics.KindHTML, metrics.OutcomeFallback)
	return artifacts
}

// CaptureSnapShot asks the page to store a screenshot and its HTML under
// filename and returns the names they were stored as. The names are predicted
// from the environment; nothing is read back. Any failure returns an error and
// no names.
func (s *Snapshotter) CaptureSnapShot(
	ctx context.Context,
	page crawler.Page,
	store crawler.KeyValueStore,
	filename string,
) (artifacts Artifacts, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifacts, err = Artifacts{}, fmt.Errorf("save snapshot panicked: %v", r)
		}
	}()
	if page == nil {
		return Artifacts{}, ErrNoPage
	}
	if store == nil {
		return Artifacts{}, ErrNoStore
	}
	if err := page.SaveSnapshot(ctx, store, filename); err != nil {
		return Artifacts{}, fmt.Errorf("save snapshot %s: %w", filename, err)
	}
	return Artifacts{
		ScreenshotFileName: filename + ScreenshotExtension(s.onPlatform),
		HTMLFileName:       filename + HTMLExtension,
	}, nil
}

// SaveHTMLSnapshot writes html to store as <filename>.html and returns that name.
func (s *Snapshotter) SaveHTMLSnapshot(
	ctx context.Context,
	html string,
	store crawler.KeyValueStore,
	filename string,
) (name string, err error) {
	defer func() {
		if r := recover(); r != nil {
			name, err = "", fmt.Errorf("save html panicked: %v", r)
		}
	}()
	if store == nil {
		return "", ErrNoStore
	}
	name = filename + HTMLExtension
	if err := store.SetValue(ctx, name, []byte(html), HTMLContentType); err != nil {
		return "", fmt.Errorf("save html %s: %w", name, err)
	}
	return name, nil
}

func (s *Snapshotter) pageContent(ctx context.Context, page crawler.Page) (html string, err error) {
	defer func() {
		if r := recover(); r != nil {
			html, err = "", fmt.Errorf("page content panicked: %v", r)
		}
	}()
	if page == nil {
		return "", ErrNoPage
	}
	html, err = page.Content(ctx)
	if err != nil {
		return "", fmt.Errorf("page content: %w", err)
	}
	if html == "" {
		return "", ErrEmptyContent
	}
	return html, nil
}

// RecordURL resolves the public or local URL of a stored record. It returns
// an empty string for an empty filename.
func (s *Snapshotter) RecordURL(store crawler.KeyValueStore, filename string) string {
	if filename == "" || store == nil {
		return ""
	}
	if s.onPlatform {
		return fmt.Sprintf("%s/%s/records/%s", PlatformRecordsBase, store.ID(), filename)
	}
	name := store.Name()
	if name == "" {
		name = DefaultStoreName
	}
	return fmt.Sprintf("%s/%s/%s", s.locations.localBase(), name, filename)
}
