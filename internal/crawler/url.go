package crawler

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// assetExtensions are static resources never worth a crawl slot.
var assetExtensions = map[string]struct{}{
	".css": {}, ".js": {}, ".ico": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {},
	".svg": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {}, ".zip": {}, ".tar": {}, ".gz": {},
}

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, and sorts query parameters.
// It also removes fragments. Only absolute http(s) URLs are accepted.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", fmt.Errorf("%w: parse url: %v", ErrInvalidURL, err)
	}
	return normalize(u)
}

// ResolveLink resolves href against base and normalizes the result. Links to
// static assets are rejected.
func ResolveLink(base, href string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: parse base: %v", ErrInvalidURL, err)
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return "", fmt.Errorf("%w: parse href: %v", ErrInvalidURL, err)
	}
	u := b.ResolveReference(ref)
	if IsAsset(u.Path) {
		return "", fmt.Errorf("%w: static asset %s", ErrInvalidURL, u.Path)
	}
	return normalize(u)
}

func normalize(u *url.URL) (string, error) {
	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	if u.Path == "" {
		u.Path = "/"
	}

	// Sort query parameters
	q := u.Query()
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// HostKey returns the lowercase host (with non-default port) used to index
// per-host state. The URL is expected to be normalized.
func HostKey(normalizedURL string) string {
	u, err := url.Parse(normalizedURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}

// IsAsset reports whether the path points at a static asset.
func IsAsset(p string) bool {
	_, ok := assetExtensions[strings.ToLower(path.Ext(p))]
	return ok
}
