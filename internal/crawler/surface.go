package crawler

// Surface is the capturable part of a crawling context. It is one of
// BrowserSurface, BodySurface or NoSurface.
type Surface interface {
	isSurface()
}

// BrowserSurface wraps a live page of a browser-driven crawl.
type BrowserSurface struct {
	Page Page
}

// BodySurface holds the raw response body of a plain HTTP crawl.
type BodySurface struct {
	Body string
}

// NoSurface means nothing can be captured.
type NoSurface struct{}

func (BrowserSurface) isSurface() {}
func (BodySurface) isSurface()    {}
func (NoSurface) isSurface()      {}

// NewSurface picks the richest surface available. A page wins over a body.
func NewSurface(page Page, body string) Surface {
	switch {
	case page != nil:
		return BrowserSurface{Page: page}
	case body != "":
		return BodySurface{Body: body}
	default:
		return NoSurface{}
	}
}
