// Package collyfetcher fetches raw page bodies over plain HTTP using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Response is the raw result of a fetch.
type Response struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher performs single GET requests using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

const defaultTimeout = 15 * time.Second

// New builds a Fetcher. The request timeout lives on the HTTP client that
// every per-fetch clone shares, so it is set here once.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET. For error statuses the returned Response
// carries the body alongside a *crawler.StatusError. A canceled fetch returns
// an empty Response.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, headers http.Header) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, fmt.Errorf("colly fetch canceled: %w", err)
	}
	out, err := f.runCollector(ctx, rawURL, headers)
	if err != nil && out.resp.StatusCode >= http.StatusBadRequest {
		return out.resp, &crawler.StatusError{URL: out.resp.URL, StatusCode: out.resp.StatusCode}
	}
	if err != nil {
		return out.resp, err
	}
	return out.resp, nil
}

// visitOutcome is owned by the visiting goroutine until it is sent.
type visitOutcome struct {
	resp     Response
	fetchErr error
	err      error
}

func (f *Fetcher) buildCollector(
	headers http.Header,
	start time.Time,
	result *Response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots

	f.configureCollectorHooks(collector, headers, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	headers http.Header,
	start time.Time,
	result *Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		copyHeaders(headers, r)
	})

	record := func(r *colly.Response) {
		*result = Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    cloneHeaders(r.Headers),
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	}

	hooks.OnResponse(record)

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.Request != nil && r.StatusCode > 0 {
			record(r)
		}
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, url string, headers http.Header) (visitOutcome, error) {
	done := make(chan visitOutcome, 1)
	go func() {
		var out visitOutcome
		collector := f.buildCollector(headers, time.Now(), &out.resp, &out.fetchErr)
		collector.Context = ctx
		out.err = collector.Visit(url)
		done <- out
	}()

	select {
	case <-ctx.Done():
		return visitOutcome{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case out := <-done:
		if err := ctx.Err(); err != nil {
			return visitOutcome{}, fmt.Errorf("colly fetch canceled: %w", err)
		}
		if out.err != nil && out.fetchErr == nil {
			return out, fmt.Errorf("colly visit failed: %w", out.err)
		}
		if out.fetchErr != nil {
			return out, fmt.Errorf("colly response failed: %w", out.fetchErr)
		}
		return out, nil
	}
}

func copyHeaders(headers http.Header, r *colly.Request) {
	for key, values := range headers {
		for _, v := range values {
			r.Headers.Add(key, v)
		}
	}
}

func cloneHeaders(h *http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
