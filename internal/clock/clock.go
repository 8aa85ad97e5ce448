// Package clock lets the admission strategies and the guard read time
// through an interface, so the same code runs on the wall clock in
// production and on a VirtualClock in tests, replays and the CLI.
package clock

import "time"

// Clock is the time source used by every time-dependent component.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
	// Since returns the time elapsed since t.
	Since(t time.Time) time.Duration
	// After returns a channel that receives the current time once d has
	// elapsed on this clock.
	After(d time.Duration) <-chan time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

// NewRealClock returns a wall clock.
func NewRealClock() *RealClock {
	return &RealClock{}
}

func (c *RealClock) Now() time.Time {
	return time.Now()
}

func (c *RealClock) Since(t time.Time) time.Duration {
	return time.Since(t)
}

func (c *RealClock) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// OrReal returns c, or a RealClock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return NewRealClock()
	}
	return c
}
