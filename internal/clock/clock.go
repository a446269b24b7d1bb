// ABOUTME: Injectable time source so loop timing can be driven deterministically in tests.
// ABOUTME: Real wraps the time package; Fake advances only when told to.

package clock

import "time"

// Clock is the subset of the time package used by the agent loop and the
// bounded-wait helpers.
type Clock interface {
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel is ready immediately.
	After(d time.Duration) <-chan time.Time

	// NewTimer returns a Timer that fires once after d. Stopping it
	// releases the pending wait.
	NewTimer(d time.Duration) *Timer
}

// Timer is a one-shot timer whose channel receives once.
type Timer struct {
	C    <-chan time.Time
	stop func() bool
}

// Stop prevents the timer from firing. It returns false if the timer has
// already fired or been stopped.
func (t *Timer) Stop() bool { return t.stop() }

type realClock struct{}

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stop: t.Stop}
}
