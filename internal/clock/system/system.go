// Package system provides the wall clock used to timestamp fetch outcomes.
package system

import "time"

// Clock implements crawler.Clock using time.Now.
type Clock struct{}

// New creates a new Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current time in UTC, the zone written to the ledger.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
