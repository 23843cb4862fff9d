// Package handler holds the page checks a crawl handler runs on fetched
// markup. A failed check is the handler error that triggers a snapshot.
package handler

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	// ErrEmptyBody indicates the page had no markup at all.
	ErrEmptyBody = errors.New("empty page body")
	// ErrBodyTooSmall indicates the markup was below the size threshold.
	ErrBodyTooSmall = errors.New("page body below threshold")
	// ErrBlocked indicates the markup contained a block marker.
	ErrBlocked = errors.New("page looks blocked")
	// ErrMissingSelector indicates a required element was not found.
	ErrMissingSelector = errors.New("required element not found")
)

// DefaultBlockMarkers are phrases commonly served by bot walls.
var DefaultBlockMarkers = []string{
	"captcha",
	"access denied",
	"cf-challenge",
	"are you a robot",
}

// Checker validates markup using simple HTML signals.
type Checker struct {
	minHTMLBytes int
	selectors    []string
	markers      [][]byte
}

// NewChecker constructs a Checker. Selectors must all match; any marker
// found fails the check.
func NewChecker(minBytes int, selectors, markers []string) *Checker {
	lowerMarkers := make([][]byte, 0, len(markers))
	for _, m := range markers {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		lowerMarkers = append(lowerMarkers, bytes.ToLower([]byte(m)))
	}
	cleanSelectors := make([]string, 0, len(selectors))
	for _, sel := range selectors {
		if sel = strings.TrimSpace(sel); sel != "" {
			cleanSelectors = append(cleanSelectors, sel)
		}
	}
	return &Checker{
		minHTMLBytes: minBytes,
		selectors:    cleanSelectors,
		markers:      lowerMarkers,
	}
}

// Check returns nil when body passes every rule.
func (c *Checker) Check(body []byte) error {
	if c == nil {
		return nil
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return ErrEmptyBody
	}
	if c.minHTMLBytes > 0 && len(body) < c.minHTMLBytes {
		return fmt.Errorf("%w: %d < %d bytes", ErrBodyTooSmall, len(body), c.minHTMLBytes)
	}
	if marker := c.blockMarker(body); marker != "" {
		return fmt.Errorf("%w: found %q", ErrBlocked, marker)
	}
	return c.missingSelector(body)
}

func (c *Checker) blockMarker(body []byte) string {
	if len(c.markers) == 0 {
		return ""
	}
	lowerBody := bytes.ToLower(body)
	for _, m := range c.markers {
		if bytes.Contains(lowerBody, m) {
			return string(m)
		}
	}
	return ""
}

func (c *Checker) missingSelector(body []byte) error {
	if len(c.selectors) == 0 {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("parse html: %w", err)
	}
	for _, sel := range c.selectors {
		if doc.Find(sel).Length() == 0 {
			return fmt.Errorf("%w: %s", ErrMissingSelector, sel)
		}
	}
	return nil
}
