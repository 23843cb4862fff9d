package crawler

import (
	"context"
)

// RunContext is a CrawlingContext built from plain values.
type RunContext struct {
	Store KeyValueStore
	Page  Page
	Body  string
}

// KeyValueStore returns the configured store.
func (c RunContext) KeyValueStore(_ context.Context) (KeyValueStore, error) {
	return c.Store, nil
}

// Surface returns the page surface when a page is set, the body surface otherwise.
func (c RunContext) Surface() Surface {
	return NewSurface(c.Page, c.Body)
}
