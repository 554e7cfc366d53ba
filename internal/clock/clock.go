// Package clock abstracts time for the sync engine and bridge timeouts.
package clock

import "time"

// Clock interface abstracts time operations for testing
type Clock interface {
	// Now returns the current time
	Now() time.Time
	// AfterFunc calls f in its own goroutine once d has elapsed
	AfterFunc(d time.Duration, f func()) *Timer
	// NewTicker returns a ticker delivering on C every d
	NewTicker(d time.Duration) *Ticker
}

// Timer is a cancellable scheduled call
type Timer struct {
	stop func() bool
}

// Stop prevents the timer from firing. Returns false if it already fired
// or was already stopped.
func (t *Timer) Stop() bool { return t.stop() }

// Ticker delivers ticks on C. Ticks are dropped when the reader falls behind.
type Ticker struct {
	C    <-chan time.Time
	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real implements Clock using the real system time
type Real struct{}

// Now returns the current time
func (Real) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc
func (Real) AfterFunc(d time.Duration, f func()) *Timer {
	t := time.AfterFunc(d, f)
	return &Timer{stop: t.Stop}
}

// NewTicker wraps time.NewTicker
func (Real) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stop: t.Stop}
}

// Ensure implementations satisfy the interface
var (
	_ Clock = Real{}
	_ Clock = (*Fake)(nil)
)
