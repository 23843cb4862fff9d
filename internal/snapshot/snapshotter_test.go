package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/metrics"
	"github.com/JakeFAU/crawl-snapshots/internal/storage/memory"
)

type fakePage struct {
	onPlatform bool
	saveErr    error
	savePanic  bool
	html       string
	contentErr error

	mu           sync.Mutex
	saveCalls    int
	contentCalls int
}

func (p *fakePage) SaveSnapshot(ctx context.Context, store crawler.KeyValueStore, key string) error {
	p.mu.Lock()
	p.saveCalls++
	p.mu.Unlock()
	if p.savePanic {
		panic("browser crashed")
	}
	if p.saveErr != nil {
		return p.saveErr
	}
	if err := store.SetValue(ctx, key+ScreenshotExtension(p.onPlatform), []byte("jpeg"), ScreenshotContentType); err != nil {
		return err
	}
	return store.SetValue(ctx, key+HTMLExtension, []byte(p.html), HTMLContentType)
}

func (p *fakePage) Content(context.Context) (string, error) {
	p.mu.Lock()
	p.contentCalls++
	p.mu.Unlock()
	return p.html, p.contentErr
}

type failingStore struct {
	*memory.Store
	err error
}

func (s failingStore) SetValue(context.Context, string, []byte, string) error {
	return s.err
}

type storeErrContext struct{}

func (storeErrContext) KeyValueStore(context.Context) (crawler.KeyValueStore, error) {
	return nil, errors.New("storage offline")
}

func (storeErrContext) Surface() crawler.Surface {
	return crawler.BodySurface{Body: "<html></html>"}
}

type panicContext struct{ store crawler.KeyValueStore }

func (c panicContext) KeyValueStore(context.Context) (crawler.KeyValueStore, error) {
	return c.store, nil
}

func (panicContext) Surface() crawler.Surface {
	panic("surface exploded")
}

func newLocal(t *testing.T) *Snapshotter {
	t.Helper()
	return New(Config{WorkDir: t.TempDir()})
}

func TestCaptureSnapshotNothingCapturable(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")

	result := s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Store: store})
	assert.True(t, result.Empty())
	assert.Equal(t, 0, store.Writes())
}

// artifactCount reads errsnap_artifacts_total{kind,outcome} from the default registry.
func artifactCount(t *testing.T, kind, outcome string) float64 {
	t.Helper()
	metrics.Init()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "errsnap_artifacts_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["kind"] == kind && labels["outcome"] == outcome {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

// Not parallel: the counters are process-wide.
func TestCaptureSnapshotNothingCapturableCountsBothSkips(t *testing.T) {
	s := newLocal(t)
	store := memory.NewStore("abc", "")
	screenshots := artifactCount(t, metrics.KindScreenshot, metrics.OutcomeSkipped)
	pages := artifactCount(t, metrics.KindHTML, metrics.OutcomeSkipped)

	s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Store: store})

	assert.Equal(t, 1.0, artifactCount(t, metrics.KindScreenshot, metrics.OutcomeSkipped)-screenshots)
	assert.Equal(t, 1.0, artifactCount(t, metrics.KindHTML, metrics.OutcomeSkipped)-pages)
}

func TestCaptureSnapshotNoStore(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	page := &fakePage{html: "<html></html>"}

	result := s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Page: page})
	assert.True(t, result.Empty())
	assert.Zero(t, page.saveCalls)

	result = s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, storeErrContext{})
	assert.True(t, result.Empty())

	assert.True(t, s.CaptureSnapshot(context.Background(), crawler.CapturedError{}, nil).Empty())
}

func TestCaptureSnapshotBody(t *testing.T) {
	t.Parallel()

	wd := t.TempDir()
	s := New(Config{WorkDir: wd})
	store := memory.NewStore("abc", "")
	capErr := crawler.CapturedError{Message: "Timeout 30000ms exceeded"}

	result := s.CaptureSnapshot(context.Background(), capErr, crawler.RunContext{Store: store, Body: "<html>body</html>"})

	name := GenerateFilename(capErr) + HTMLExtension
	assert.Equal(t, 1, store.Writes())
	rec, ok := store.Get(name)
	require.True(t, ok)
	assert.Equal(t, "<html>body</html>", string(rec.Value))
	assert.Equal(t, HTMLContentType, rec.ContentType)

	assert.Empty(t, result.ScreenshotFileURL)
	assert.Equal(t, name, result.HTMLFileName)
	assert.Equal(t,
		"file://"+filepath.ToSlash(filepath.Join(wd, "storage", "key_value_stores"))+"/default/"+name,
		result.HTMLFileURL)
}

func TestCaptureSnapshotBodyWriteFailure(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := failingStore{Store: memory.NewStore("abc", ""), err: errors.New("disk full")}

	result := s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Store: store, Body: "<p>x</p>"})
	assert.True(t, result.Empty())
}

func TestCaptureSnapshotBrowser(t *testing.T) {
	t.Parallel()

	s := New(Config{OnPlatform: true, WorkDir: t.TempDir()})
	store := memory.NewStore("abc", "named")
	page := &fakePage{onPlatform: true, html: "<html>rendered</html>"}
	capErr := crawler.CapturedError{Message: "boom", Stack: "at handler (crawl.go:42)"}

	result := s.CaptureSnapshot(context.Background(), capErr, crawler.RunContext{Store: store, Page: page})

	filename := GenerateFilename(capErr)
	assert.Equal(t, filename+".jpg", result.ScreenshotFileName)
	assert.Equal(t, PlatformRecordsBase+"/abc/records/"+filename+".jpg", result.ScreenshotFileURL)
	assert.Equal(t, PlatformRecordsBase+"/abc/records/"+filename+".html", result.HTMLFileURL)
	assert.Equal(t, 1, page.saveCalls)
	assert.Zero(t, page.contentCalls)
	assert.Equal(t, []string{filename + ".html", filename + ".jpg"}, store.Keys())
}

func TestCaptureSnapshotBrowserFallsBackToContent(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")
	page := &fakePage{saveErr: errors.New("screenshot timed out"), html: "<html>fallback</html>"}
	capErr := crawler.CapturedError{Message: "boom"}

	result := s.CaptureSnapshot(context.Background(), capErr, crawler.RunContext{Store: store, Page: page})

	assert.Empty(t, result.ScreenshotFileURL)
	assert.Empty(t, result.ScreenshotFileName)
	require.NotEmpty(t, result.HTMLFileURL)
	assert.Equal(t, 1, page.contentCalls)
	rec, ok := store.Get(GenerateFilename(capErr) + HTMLExtension)
	require.True(t, ok)
	assert.Equal(t, "<html>fallback</html>", string(rec.Value))
}

func TestCaptureSnapshotBrowserPanicFallsBack(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")
	page := &fakePage{savePanic: true, html: "<html>ok</html>"}

	result := s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Store: store, Page: page})
	assert.Empty(t, result.ScreenshotFileURL)
	assert.NotEmpty(t, result.HTMLFileURL)
}

func TestCaptureSnapshotBrowserAllTiersFail(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")

	for _, page := range []*fakePage{
		{saveErr: errors.New("no screenshot"), contentErr: errors.New("target closed")},
		{saveErr: errors.New("no screenshot")},
	} {
		var result Result
		require.NotPanics(t, func() {
			result = s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, crawler.RunContext{Store: store, Page: page})
		})
		assert.True(t, result.Empty())
	}
	assert.Equal(t, 0, store.Writes())
}

func TestCaptureSnapshotRecoversContextPanic(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	var result Result
	require.NotPanics(t, func() {
		result = s.CaptureSnapshot(context.Background(), crawler.CapturedError{Message: "boom"}, panicContext{store: memory.NewStore("abc", "")})
	})
	assert.True(t, result.Empty())
}

func TestCaptureSnapShotPredictsNames(t *testing.T) {
	t.Parallel()

	store := memory.NewStore("abc", "")
	local := newLocal(t)
	artifacts, err := local.CaptureSnapShot(context.Background(), &fakePage{}, store, "key")
	require.NoError(t, err)
	assert.Equal(t, Artifacts{ScreenshotFileName: "key.jpeg", HTMLFileName: "key.html"}, artifacts)

	_, err = local.CaptureSnapShot(context.Background(), nil, store, "key")
	assert.ErrorIs(t, err, ErrNoPage)

	_, err = local.CaptureSnapShot(context.Background(), &fakePage{saveErr: errors.New("x")}, store, "key")
	assert.Error(t, err)
}

func TestSaveHTMLSnapshot(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")

	name, err := s.SaveHTMLSnapshot(context.Background(), "<p>hi</p>", store, "key")
	require.NoError(t, err)
	assert.Equal(t, "key.html", name)

	_, err = s.SaveHTMLSnapshot(context.Background(), "<p>hi</p>", failingStore{Store: store, err: errors.New("nope")}, "key")
	assert.Error(t, err)

	_, err = s.SaveHTMLSnapshot(context.Background(), "<p>hi</p>", nil, "key")
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestRecordURL(t *testing.T) {
	t.Parallel()

	platform := New(Config{OnPlatform: true, WorkDir: t.TempDir()})
	assert.Equal(t,
		"https://api.apify.com/v2/key-value-stores/abc/records/f",
		platform.RecordURL(memory.NewStore("abc", "named"), "f"))

	wd := t.TempDir()
	local := New(Config{WorkDir: wd})
	base := "file://" + filepath.ToSlash(filepath.Join(wd, "storage", "key_value_stores"))
	assert.Equal(t, base+"/default/f", local.RecordURL(memory.NewStore("abc", "default"), "f"))
	assert.Equal(t, base+"/default/f", local.RecordURL(memory.NewStore("abc", ""), "f"))
	assert.Equal(t, base+"/errors/f", local.RecordURL(memory.NewStore("abc", "errors"), "f"))
	assert.Empty(t, local.RecordURL(memory.NewStore("abc", ""), ""))
}

func TestStoreDir(t *testing.T) {
	t.Parallel()

	wd := t.TempDir()
	s := New(Config{WorkDir: wd})
	assert.Equal(t, filepath.Join(wd, "storage", "key_value_stores", "default"), s.StoreDir(""))
	assert.Equal(t, filepath.Join(wd, "storage", "key_value_stores", "errors"), s.StoreDir("errors"))
}

func TestCaptureSnapshotConcurrentSameError(t *testing.T) {
	t.Parallel()

	s := newLocal(t)
	store := memory.NewStore("abc", "")
	capErr := crawler.CapturedError{Message: "boom", Stack: "at x"}

	var wg sync.WaitGroup
	results := make([]Result, 16)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.CaptureSnapshot(context.Background(), capErr, crawler.RunContext{Store: store, Body: "<html></html>"})
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, results[0], r)
	}
	assert.Len(t, store.Keys(), 1)
}
