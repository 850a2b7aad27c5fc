// Package clock abstracts wall time so the worker loops can be driven by a
// manual clock in tests. Production code uses Real.
package clock

import "time"

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop prevents the call from firing. It returns false if the call has
	// already fired or been stopped.
	Stop() bool
}

// Clock is the time source used by the workers.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is the system clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

// Sleep blocks for d.
func (Real) Sleep(d time.Duration) { time.Sleep(d) }

// AfterFunc calls f on its own goroutine after d.
func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
