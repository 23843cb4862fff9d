// Package headless opens pages in headless Chrome and exposes them as
// snapshot-capable page handles.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/snapshot"
)

const defaultNavTimeout = 45 * time.Second

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// OnPlatform selects the screenshot extension pages store snapshots under.
	OnPlatform bool
}

// Renderer opens browser tabs using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless renderer backed by chromedp. The browser is
// started lazily on the first Open.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Open navigates a new tab to rawURL. When navigation fails the page is still
// returned together with the error, so the failure can be snapshotted. The
// caller must Close the page.
func (r *Renderer) Open(ctx context.Context, rawURL string, headers http.Header) (*Page, error) {
	if err := r.acquire(ctx); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	page := &Page{
		tab:        tabCtx,
		cancel:     tabCancel,
		release:    r.release,
		timeout:    r.navTimeout(),
		onPlatform: r.cfg.OnPlatform,
		meta:       newResponseMeta(),
		requestURL: rawURL,
	}
	// The first Run allocates the tab; it must not carry a timeout or the
	// deadline would tear the tab down after navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		page.Close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}
	chromedp.ListenTarget(tabCtx, page.meta.captureEvent)

	actions := []chromedp.Action{
		r.networkSetupAction(headers),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&page.finalURL),
	}
	if err := page.run(ctx, actions...); err != nil {
		return page, fmt.Errorf("open %s: %w", rawURL, err)
	}
	return page, nil
}

func (r *Renderer) networkSetupAction(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

func (r *Renderer) navTimeout() time.Duration {
	if r.cfg.NavigationTimeout > 0 {
		return r.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

// Page is an open browser tab. It implements crawler.Page.
type Page struct {
	tab        context.Context
	cancel     context.CancelFunc
	release    func()
	closeOnce  sync.Once
	timeout    time.Duration
	onPlatform bool
	meta       *responseMeta
	requestURL string
	finalURL   string
}

var _ crawler.Page = (*Page)(nil)

// Close closes the tab and frees its renderer slot.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		if p.release != nil {
			p.release()
		}
	})
}

// Status returns the document status code, URL and headers seen by the tab.
func (p *Page) Status() (int, string, http.Header) {
	status, headers, url := p.meta.snapshotWithFallbacks(p.requestURL, p.finalURL)
	return status, url, headers
}

// SaveSnapshot stores a full-page JPEG screenshot and the rendered HTML under
// key, using the screenshot extension of the configured environment.
func (p *Page) SaveSnapshot(ctx context.Context, store crawler.KeyValueStore, key string) error {
	var (
		shot []byte
		html string
	)
	if err := p.run(ctx,
		chromedp.FullScreenshot(&shot, snapshot.ScreenshotQuality),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("capture page: %w", err)
	}
	if err := store.SetValue(ctx, key+snapshot.ScreenshotExtension(p.onPlatform), shot, snapshot.ScreenshotContentType); err != nil {
		return fmt.Errorf("store screenshot: %w", err)
	}
	if err := store.SetValue(ctx, key+snapshot.HTMLExtension, []byte(html), snapshot.HTMLContentType); err != nil {
		return fmt.Errorf("store html: %w", err)
	}
	return nil
}

// Content returns the current outer HTML of the document.
func (p *Page) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	return html, nil
}

// run executes actions on the tab, bounded by the page timeout and ctx.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	taskCtx, cancel := context.WithTimeout(p.tab, p.timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(taskCtx, actions...); err != nil {
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []string:
			for _, entry := range v {
				headers.Add(key, entry)
			}
		case []interface{}:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() (int, http.Header, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status, cloneHeader(m.headers), m.url
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	status, headers, url := m.snapshot()
	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	return status, headers, url
}

func cloneHeader(src http.Header) http.Header {
	if src == nil {
		return nil
	}
	dst := make(http.Header, len(src))
	for k, values := range src {
		for _, v := range values {
			dst.Add(k, v)
		}
	}
	return dst
}

func toNetworkHeaders(h http.Header) network.Headers {
	headers := network.Headers{}
	for key, values := range h {
		if len(values) == 0 {
			continue
		}
		if len(values) == 1 {
			headers[key] = values[0]
		} else {
			headers[key] = append([]string(nil), values...)
		}
	}
	return headers
}
