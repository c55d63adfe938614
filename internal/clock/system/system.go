// Package system provides a real clock implementation.
package system

import "time"

// Clock implements ingest.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time. The monotonic reading is preserved so the
// dispatch throttle measures real elapsed time across wall-clock changes.
func (Clock) Now() time.Time {
	return time.Now()
}
