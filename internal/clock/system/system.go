// Package system is the wall-clock implementation of download.Clock.
package system

import "time"

// Clock reads the system time. Timestamps are normalized to UTC so
// window boundaries and record timestamps compare consistently.
type Clock struct{}

// New returns a Clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time.
func (Clock) Now() time.Time {
	return time.Now().UTC()
}
