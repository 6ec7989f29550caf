// Package clock abstracts time for the ingestion engine so temporal
// bookkeeping can be tested deterministically.
package clock

import "time"

// Clock returns the current time. Every observed_at stamp written to the
// graph flows through one of these.
type Clock interface {
	Now() time.Time
}

// System implements Clock using the wall clock, always in UTC.
type System struct{}

// Now returns the current UTC time.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed is a Clock pinned to a settable instant, for tests.
type Fixed struct {
	T time.Time
}

// Now returns the pinned instant.
func (f *Fixed) Now() time.Time {
	return f.T
}

// Advance moves the pinned instant forward and returns the new value.
func (f *Fixed) Advance(d time.Duration) time.Time {
	f.T = f.T.Add(d)
	return f.T
}
