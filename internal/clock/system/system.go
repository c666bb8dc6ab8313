// Package system supplies the wall clock used by the frontier, sessions and
// the indexer outside of tests.
package system

import "time"

// Clock implements crawler.Clock. Timestamps are UTC so stored documents,
// host records and session times compare without zone conversion.
type Clock struct{}

// New returns the wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
