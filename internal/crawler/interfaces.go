package crawler

import (
	"context"
)

// KeyValueStore persists records under string keys. It is the write contract the
// snapshot pipeline relies on; lifecycle belongs to the caller.
type KeyValueStore interface {
	// ID identifies the store on the managed platform.
	ID() string
	// Name is the human name of the store, empty for the default store.
	Name() string
	// SetValue writes value under key with the given content type.
	SetValue(ctx context.Context, key string, value []byte, contentType string) error
}

// Page is a live browser page handle.
type Page interface {
	// SaveSnapshot stores a screenshot and the rendered HTML under key, each with
	// its own file extension appended.
	SaveSnapshot(ctx context.Context, store KeyValueStore, key string) error
	// Content returns the current rendered markup.
	Content(ctx context.Context) (string, error)
}

// CrawlingContext is the execution context of the failing crawl handler.
type CrawlingContext interface {
	// KeyValueStore returns the active store of the crawl run, or nil.
	KeyValueStore(ctx context.Context) (KeyValueStore, error)
	// Surface reports what can be captured.
	Surface() Surface
}
