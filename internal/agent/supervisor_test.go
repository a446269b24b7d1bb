// ABOUTME: Tests for the Supervisor: paired agents on a memory hub, clean cancel and fail-fast.

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/loop"
	"github.com/2389/coven-a2a/internal/transport"
	"github.com/2389/coven-a2a/internal/transport/memory"
)

func runSupervisor(ctx context.Context, s *Supervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not return")
		return nil
	}
}

func pairedSupervisor(t *testing.T, hub *memory.Hub) *Supervisor {
	t.Helper()
	s := NewSupervisor(nil, time.Second)
	a := fastConfig("agent1", "agent2@hub")
	a.ReactTo = []envelope.Kind{envelope.KindGreeting}
	b := fastConfig("agent2", "agent1@hub")
	b.ReactTo = []envelope.Kind{envelope.KindGreeting}
	require.NoError(t, s.Add(a, hub.Dialer("agent1@hub")))
	require.NoError(t, s.Add(b, hub.Dialer("agent2@hub")))
	return s
}

func TestSupervisor_RunsUntilCancelled(t *testing.T) {
	hub := memory.NewHub()
	s := pairedSupervisor(t, hub)
	require.Equal(t, 2, s.Len())

	ctx, cancel := context.WithCancel(context.Background())
	done := runSupervisor(ctx, s)

	require.Eventually(t, func() bool {
		states := s.States()
		if len(states) != 2 {
			return false
		}
		for _, st := range states {
			if st.Cycles < 3 || st.LastReceived == nil {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond, "both agents should cycle and hear each other")

	cancel()
	require.NoError(t, waitRun(t, done))

	for name, st := range s.States() {
		assert.Equal(t, loop.StatusStopped, st.Status, name)
	}
}

func TestSupervisor_FatalErrorStopsAll(t *testing.T) {
	hub := memory.NewHub()
	s := pairedSupervisor(t, hub)

	done := runSupervisor(context.Background(), s)
	require.Eventually(t, func() bool { return len(s.States()) == 2 }, 2*time.Second, 5*time.Millisecond)

	hub.Disconnect("agent1@hub")

	err := waitRun(t, done)
	require.Error(t, err)
	assert.ErrorIs(t, err, transport.ErrConnectionLost)
	assert.Contains(t, err.Error(), "agent1")

	for name, st := range s.States() {
		assert.False(t, st.Running, name)
	}
}

func TestSupervisor_SetupFailureIsReported(t *testing.T) {
	hub := memory.NewHub()
	s := NewSupervisor(nil, time.Second)
	require.NoError(t, s.Add(fastConfig("agent1", "agent2@hub"), hub.Dialer("agent1@hub")))
	require.NoError(t, s.Add(fastConfig("broken", "agent1@hub"), transport.DialerFunc(func(context.Context) (transport.Transport, error) {
		return nil, transport.ErrAuthenticationFailed
	})))

	err := waitRun(t, runSupervisor(context.Background(), s))

	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	assert.ErrorIs(t, err, transport.ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "setting up agent broken")
}

func TestSupervisor_AddRejectsDuplicateName(t *testing.T) {
	hub := memory.NewHub()
	s := NewSupervisor(nil, time.Second)
	require.NoError(t, s.Add(fastConfig("agent1", "agent2@hub"), hub.Dialer("agent1@hub")))

	err := s.Add(fastConfig("agent1", "agent3@hub"), hub.Dialer("agent1b@hub"))
	assert.ErrorIs(t, err, ErrDuplicateAgent)
	assert.Contains(t, err.Error(), "agent1")
	assert.Equal(t, 1, s.Len())
}

func TestSupervisor_NoAgents(t *testing.T) {
	assert.Error(t, NewSupervisor(nil, 0).Run(context.Background()))
}

func TestNotifyShutdown_FollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, stop := NotifyShutdown(parent)
	defer stop()

	cancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with parent")
	}
}
