// Package system provides the wall clock used by workers, pipelines and run
// summaries outside of tests.
package system

import "time"

// Clock implements crawler.Clock on the system clock, always in UTC.
type Clock struct{}

// New returns a Clock.
func New() Clock {
	return Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
