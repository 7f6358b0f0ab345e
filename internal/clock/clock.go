// internal/clock/clock.go
//
// Scheduling primitives used by the puzzle session.
// The session never calls time.AfterFunc directly; it goes through a
// Scheduler so tests can drive virtual time with Manual.

package clock

import "time"

// Timer is a handle to a scheduled callback.
type Timer interface {
	// Stop prevents the callback from firing.
	// Returns false if the timer already fired or was stopped.
	Stop() bool
}

// Scheduler runs f once after d has elapsed.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Real schedules on the wall clock.
type Real struct{}

// AfterFunc wraps time.AfterFunc.
func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}
