package crawler

import (
	"net/http"
	"time"
)

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	BytesLen   int64
	Duration   time.Duration
	// Text is the extracted visible text of the page, if the fetcher parses it.
	Text  string
	Links []Link
}

// Link is an outbound link discovered on a fetched page.
type Link struct {
	URL string
	// Anchor is the link's anchor text.
	Anchor string
	// Context is the text surrounding the anchor (typically the parent block).
	Context  string
	NoFollow bool
}
