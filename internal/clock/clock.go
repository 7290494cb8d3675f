// Package clock abstracts wall time and deferred callbacks so timer-driven
// components can be driven deterministically in tests.
package clock

import "time"

// Timer is a cancellable deferred callback.
type Timer interface {
	// Stop prevents the callback from firing. It reports false when the
	// callback already fired or the timer was already stopped.
	Stop() bool
}

// Clock supplies the current time and one-shot deferred callbacks.
type Clock interface {
	Now() time.Time
	AfterFunc(delay time.Duration, callback func()) Timer
}

// System is the Clock backed by the runtime timers.
type System struct{}

// Now returns the current local time.
func (System) Now() time.Time {
	return time.Now()
}

// AfterFunc runs callback on its own goroutine once delay elapses.
func (System) AfterFunc(delay time.Duration, callback func()) Timer {
	return time.AfterFunc(delay, callback)
}
