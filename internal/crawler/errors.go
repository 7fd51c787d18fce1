package crawler

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL marks a malformed or unsupported URL. Discovered links
	// failing normalization are dropped, never fatal.
	ErrInvalidURL = errors.New("invalid url")
	// ErrPolicyFetch marks a robots.txt that could not be fetched or parsed.
	// The policy cache recovers from it by failing open.
	ErrPolicyFetch = errors.New("policy fetch failed")
	// ErrBudgetExceeded is the control signal returned once a terminal budget
	// limit stops the crawl.
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrConcurrencyViolation indicates a broken engine invariant, such as the
	// same URL being dispatched twice. It aborts the crawl.
	ErrConcurrencyViolation = errors.New("concurrency violation")
)

// FetchError is a terminal fetch failure reported by the fetch collaborator.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements error.
func (e *FetchError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode > 0:
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	default:
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
}

// Unwrap exposes the underlying transport error.
func (e *FetchError) Unwrap() error {
	return e.Err
}
