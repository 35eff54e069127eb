// Package clock abstracts wall time and one-shot timers so expiry, inactivity and
// scheduling decisions can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable one-shot timer. Stop reports whether the call prevented the timer from firing.
type Timer interface {
	Stop() bool
}

// Clock provides the current time and schedules callbacks.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (real clock) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the wall clock. Now returns UTC.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
