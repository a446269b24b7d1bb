// ABOUTME: Bounded waiting primitives shared by transports, the agent loop and the completion poller.
// ABOUTME: Receive waits on a channel with a timeout; Poll retries a check with exponential backoff.

// Package await implements the cancellable, bounded waits used across the
// module: a receive-with-timeout on a channel, an interruptible sleep, and a
// bounded poll with backoff and an explicit terminal condition.
package await

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-a2a/internal/clock"
)

// ErrStopped is returned by Receive when the stop channel is closed before
// an item arrives.
var ErrStopped = errors.New("source stopped")

// ErrClosed is returned by Receive when the item channel is closed.
var ErrClosed = errors.New("source closed")

// ErrExhausted is returned by Poll when the attempt or time budget runs out
// before the check reports completion.
var ErrExhausted = errors.New("wait budget exhausted")

// Receive waits up to timeout for one item from items. It returns
// ok=false and a nil error when the timeout expires. Items already queued
// are returned before a closed stop channel is reported, so nothing that
// arrived before a failure is lost. A timeout <= 0 only checks what is
// already queued.
func Receive[T any](ctx context.Context, clk clock.Clock, timeout time.Duration, items <-chan T, stop <-chan struct{}) (item T, ok bool, err error) {
	select {
	case v, open := <-items:
		if !open {
			return item, false, ErrClosed
		}
		return v, true, nil
	default:
	}

	select {
	case <-stop:
		return item, false, ErrStopped
	default:
	}

	if err := ctx.Err(); err != nil {
		return item, false, err
	}

	if timeout <= 0 {
		return item, false, nil
	}

	timer := clk.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v, open := <-items:
		if !open {
			return item, false, ErrClosed
		}
		return v, true, nil
	case <-stop:
		return item, false, ErrStopped
	case <-timer.C:
		return item, false, nil
	case <-ctx.Done():
		return item, false, ctx.Err()
	}
}

// Sleep waits for d or until ctx is cancelled, whichever comes first.
func Sleep(ctx context.Context, clk clock.Clock, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	timer := clk.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy bounds a Poll.
type Policy struct {
	// Initial is the delay after the first unsuccessful check.
	Initial time.Duration
	// Max caps the delay between checks.
	Max time.Duration
	// Multiplier grows the delay after each check. Values below 1 are
	// treated as 1 (constant interval).
	Multiplier float64
	// MaxAttempts limits the number of checks. Zero means unlimited.
	MaxAttempts int
	// Timeout limits the total time spent polling. Zero means unlimited.
	Timeout time.Duration
}

// DefaultPolicy polls every 500ms at first, backing off to 10s, for at
// most five minutes.
func DefaultPolicy() Policy {
	return Policy{
		Initial:    500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
		Timeout:    5 * time.Minute,
	}
}

// next returns the delay that follows d.
func (p Policy) next(d time.Duration) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	n := time.Duration(float64(d) * mult)
	if p.Max > 0 && n > p.Max {
		n = p.Max
	}
	return n
}

// Poll calls check until it reports done, returns an error, or the policy
// budget is spent. The check's error is returned unchanged.
func Poll[R any](ctx context.Context, clk clock.Clock, p Policy, check func(ctx context.Context) (R, bool, error)) (R, error) {
	var zero R

	var deadline time.Time
	if p.Timeout > 0 {
		deadline = clk.Now().Add(p.Timeout)
	}

	delay := p.Initial
	for attempt := 1; ; attempt++ {
		result, done, err := check(ctx)
		if err != nil {
			return zero, err
		}
		if done {
			return result, nil
		}

		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return zero, ErrExhausted
		}

		wait := delay
		if !deadline.IsZero() {
			remaining := deadline.Sub(clk.Now())
			if remaining <= 0 {
				return zero, ErrExhausted
			}
			if wait > remaining {
				wait = remaining
			}
		}

		if err := Sleep(ctx, clk, wait); err != nil {
			return zero, err
		}
		delay = p.next(delay)
	}
}
