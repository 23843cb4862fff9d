// Package report aggregates crawl handler errors into groups and attaches an
// error snapshot to the first occurrence of each group.
package report

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-snapshots/internal/crawler"
	"github.com/JakeFAU/crawl-snapshots/internal/metrics"
	"github.com/JakeFAU/crawl-snapshots/internal/snapshot"
)

// Snapshotter captures diagnostics for an error.
type Snapshotter interface {
	CaptureSnapshot(ctx context.Context, capErr crawler.CapturedError, cc crawler.CrawlingContext) snapshot.Result
}

// Config controls Tracker behavior.
type Config struct {
	// MaxSnapshots bounds how many groups get a snapshot; 0 means unlimited.
	MaxSnapshots int
}

// Group is one distinct failure and how often it happened.
type Group struct {
	Key      string                `json:"key"`
	Message  string                `json:"message"`
	Count    int                   `json:"count"`
	URLs     []string              `json:"urls,omitempty"`
	Snapshot *snapshot.Result      `json:"snapshot,omitempty"`
	Error    crawler.CapturedError `json:"-"`
}

// Entry describes what Add did with one error.
type Entry struct {
	Key      string
	First    bool
	Snapshot *snapshot.Result
}

// Tracker groups errors by their snapshot filename. It is safe for concurrent use.
type Tracker struct {
	snapper Snapshotter
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	groups    map[string]*Group
	total     int
	snapshots int
}

// NewTracker builds a Tracker. A nil snapshotter disables capture.
func NewTracker(snapper Snapshotter, cfg Config, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		snapper: snapper,
		cfg:     cfg,
		logger:  logger,
		groups:  make(map[string]*Group),
	}
}

// maxURLsPerGroup caps the sample of URLs kept per group.
const maxURLsPerGroup = 10

// Add records err raised while crawling rawURL.
func (t *Tracker) Add(ctx context.Context, err error, rawURL string, cc crawler.CrawlingContext) Entry {
	capErr := crawler.NewCapturedError(err)
	key := snapshot.GenerateFilename(capErr)
	metrics.ObserveHandlerError(rawURL)

	t.mu.Lock()
	t.total++
	group, seen := t.groups[key]
	if !seen {
		group = &Group{Key: key, Message: capErr.Message, Error: capErr}
		t.groups[key] = group
	}
	group.Count++
	if rawURL != "" && len(group.URLs) < maxURLsPerGroup {
		group.URLs = append(group.URLs, rawURL)
	}
	capture := !seen && t.snapper != nil && (t.cfg.MaxSnapshots <= 0 || t.snapshots < t.cfg.MaxSnapshots)
	if capture {
		t.snapshots++
	}
	existing := group.Snapshot
	t.mu.Unlock()

	if seen {
		return Entry{Key: key, Snapshot: existing}
	}
	metrics.ObserveErrorGroup()
	if !capture {
		return Entry{Key: key, First: true}
	}

	result := t.snapper.CaptureSnapshot(ctx, capErr, cc)
	t.logger.Info("captured error snapshot",
		zap.String("key", key),
		zap.String("url", rawURL),
		zap.String("screenshot_url", result.ScreenshotFileURL),
		zap.String("html_url", result.HTMLFileURL),
	)

	t.mu.Lock()
	group.Snapshot = &result
	t.mu.Unlock()
	return Entry{Key: key, First: true, Snapshot: &result}
}

// Total returns the number of errors recorded.
func (t *Tracker) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total
}

// Groups returns copies of all groups, most frequent first.
func (t *Tracker) Groups() []Group {
	t.mu.Lock()
	groups := make([]Group, 0, len(t.groups))
	for _, g := range t.groups {
		cp := *g
		cp.URLs = append([]string(nil), g.URLs...)
		if g.Snapshot != nil {
			shot := *g.Snapshot
			cp.Snapshot = &shot
		}
		groups = append(groups, cp)
	}
	t.mu.Unlock()

	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Key < groups[j].Key
	})
	return groups
}

// Summary is a serializable view of the tracker.
type Summary struct {
	Total  int     `json:"total"`
	Groups []Group `json:"groups"`
}

// Summary returns the current totals and groups.
func (t *Tracker) Summary() Summary {
	return Summary{Total: t.Total(), Groups: t.Groups()}
}
