// ABOUTME: Tests for the bounded wait primitives.
// ABOUTME: Uses the fake clock so timeouts and backoff are deterministic.

package await

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-a2a/internal/clock"
)

var epoch = time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)

func TestReceive_QueuedItem(t *testing.T) {
	items := make(chan string, 1)
	items <- "hi"

	v, ok, err := Receive(context.Background(), clock.Fake(epoch), time.Second, items, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hi", v)
}

func TestReceive_TimeoutIsNotAnError(t *testing.T) {
	clk := clock.Fake(epoch)
	items := make(chan string)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, ok, err := Receive(context.Background(), clk, 10*time.Second, items, nil)
		done <- result{ok, err}
	}()

	clk.WaitForTimers(1)
	clk.Advance(10 * time.Second)

	r := <-done
	assert.NoError(t, r.err)
	assert.False(t, r.ok)
}

func TestReceive_ItemArrivesDuringWait(t *testing.T) {
	clk := clock.Fake(epoch)
	items := make(chan string)

	done := make(chan string, 1)
	go func() {
		v, _, _ := Receive(context.Background(), clk, 10*time.Second, items, nil)
		done <- v
	}()

	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)
	items <- "hi"

	assert.Equal(t, "hi", <-done)
}

func TestReceive_QueuedItemsWinOverStop(t *testing.T) {
	items := make(chan int, 1)
	items <- 7
	stop := make(chan struct{})
	close(stop)

	v, ok, err := Receive(context.Background(), clock.Fake(epoch), time.Second, items, stop)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	_, _, err = Receive(context.Background(), clock.Fake(epoch), time.Second, items, stop)
	assert.ErrorIs(t, err, ErrStopped)
}

func TestReceive_ClosedChannel(t *testing.T) {
	items := make(chan int)
	close(items)

	_, _, err := Receive(context.Background(), clock.Fake(epoch), time.Second, items, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReceive_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.Fake(epoch)

	done := make(chan error, 1)
	go func() {
		_, _, err := Receive(ctx, clk, time.Hour, make(chan int), nil)
		done <- err
	}()

	clk.WaitForTimers(1)
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestReceive_ZeroTimeoutDoesNotBlock(t *testing.T) {
	_, ok, err := Receive(context.Background(), clock.Fake(epoch), 0, make(chan int), nil)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestSleep(t *testing.T) {
	clk := clock.Fake(epoch)

	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), clk, 5*time.Second) }()

	clk.WaitForTimers(1)
	clk.Advance(5 * time.Second)
	assert.NoError(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, clk, time.Second), context.Canceled)
}

func TestPoll_CompletesAfterBackoff(t *testing.T) {
	clk := clock.Fake(epoch)
	policy := Policy{Initial: time.Second, Max: 4 * time.Second, Multiplier: 2}

	calls := 0
	var waits []time.Time
	done := make(chan string, 1)
	go func() {
		v, err := Poll(context.Background(), clk, policy, func(context.Context) (string, bool, error) {
			calls++
			waits = append(waits, clk.Now())
			return "answer", calls == 4, nil
		})
		assert.NoError(t, err)
		done <- v
	}()

	for _, step := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		clk.WaitForTimers(1)
		clk.Advance(step)
	}

	assert.Equal(t, "answer", <-done)
	assert.Equal(t, []time.Time{epoch, epoch.Add(time.Second), epoch.Add(3 * time.Second), epoch.Add(7 * time.Second)}, waits)
}

func TestPoll_MaxAttempts(t *testing.T) {
	clk := clock.Fake(epoch)
	policy := Policy{MaxAttempts: 1}

	_, err := Poll(context.Background(), clk, policy, func(context.Context) (int, bool, error) {
		return 0, false, nil
	})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestPoll_Timeout(t *testing.T) {
	clk := clock.Fake(epoch)
	policy := Policy{Initial: 3 * time.Second, Multiplier: 1, Timeout: 5 * time.Second}

	done := make(chan error, 1)
	go func() {
		_, err := Poll(context.Background(), clk, policy, func(context.Context) (int, bool, error) {
			return 0, false, nil
		})
		done <- err
	}()

	clk.WaitForTimers(1)
	clk.Advance(3 * time.Second)
	clk.WaitForTimers(1)
	clk.Advance(2 * time.Second)

	assert.ErrorIs(t, <-done, ErrExhausted)
}

func TestPoll_CheckErrorStops(t *testing.T) {
	want := errors.New("job lookup failed")
	_, err := Poll(context.Background(), clock.Fake(epoch), DefaultPolicy(), func(context.Context) (int, bool, error) {
		return 0, false, want
	})
	assert.Equal(t, want, err)
}
