// Package system provides the wall clock used to timestamp runs and records.
package system

import "time"

// Clock implements ingest.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock frozen at a single instant, for scheduled backfills and tests.
type Fixed time.Time

// Now returns the frozen instant in UTC.
func (f Fixed) Now() time.Time {
	return time.Time(f).UTC()
}
