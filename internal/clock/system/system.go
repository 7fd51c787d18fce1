// Package system provides the wall clock used outside tests.
package system

import "time"

// Clock implements crawler.Clock on top of the time package.
type Clock struct{}

// New returns a wall Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// After fires once d has elapsed.
func (Clock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
