// ABOUTME: Tests for the in-process hub transport.

package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

func TestHub_SendReceive(t *testing.T) {
	hub := NewHub()
	a, err := hub.Connect("a@hub")
	require.NoError(t, err)
	b, err := hub.Connect("b@hub")
	require.NoError(t, err)

	env := envelope.NewGreeting("b@hub", "hello", time.Now())
	require.NoError(t, a.Send(context.Background(), env))

	got, err := b.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, envelope.Address("a@hub"), got.From)
	assert.Equal(t, "hello", got.Text())
	assert.Empty(t, env.From, "sender's envelope must not be mutated")
}

func TestHub_ReceiveTimeoutReturnsNil(t *testing.T) {
	hub := NewHub()
	a, err := hub.Connect("a@hub")
	require.NoError(t, err)

	got, err := a.Receive(context.Background(), 10*time.Millisecond)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestHub_FIFOPerRecipient(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Connect("a@hub")
	b, _ := hub.Connect("b@hub")

	for _, msg := range []string{"one", "two", "three"} {
		require.NoError(t, a.Send(context.Background(), envelope.NewGreeting("b@hub", msg, time.Now())))
	}

	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive(context.Background(), time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got.Text())
	}
}

func TestHub_MailboxBeforeConnect(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Connect("a@hub")
	require.NoError(t, a.Send(context.Background(), envelope.NewGreeting("late@hub", "early bird", time.Now())))
	assert.Equal(t, 1, hub.Pending("late@hub"))

	late, err := hub.Connect("late@hub")
	require.NoError(t, err)
	got, err := late.Receive(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "early bird", got.Text())
}

func TestHub_MailboxFullIsNotFatal(t *testing.T) {
	hub := NewHub(WithMailboxSize(1))
	a, _ := hub.Connect("a@hub")

	require.NoError(t, a.Send(context.Background(), envelope.NewGreeting("b@hub", "1", time.Now())))
	err := a.Send(context.Background(), envelope.NewGreeting("b@hub", "2", time.Now()))
	assert.ErrorIs(t, err, ErrMailboxFull)
	assert.False(t, transport.IsFatal(err))
}

func TestHub_ConnectTwice(t *testing.T) {
	hub := NewHub()
	_, err := hub.Connect("a@hub")
	require.NoError(t, err)

	_, err = hub.Connect("a@hub")
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestHub_Disconnect(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Connect("a@hub")

	hub.Disconnect("a@hub")

	_, err := a.Receive(context.Background(), time.Second)
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	err = a.Send(context.Background(), envelope.NewGreeting("b@hub", "x", time.Now()))
	assert.ErrorIs(t, err, transport.ErrConnectionLost)

	require.NoError(t, a.Close())
	_, err = hub.Connect("a@hub")
	assert.NoError(t, err, "address should be reusable after a lost connection is closed")
}

func TestConn_CloseIsIdempotent(t *testing.T) {
	hub := NewHub()
	a, _ := hub.Connect("a@hub")

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())

	_, err := a.Receive(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrClosed)
}

func TestHub_Dialer(t *testing.T) {
	hub := NewHub()
	tr, err := hub.Dialer("a@hub").Dial(context.Background())
	require.NoError(t, err)
	defer tr.Close()

	conn, ok := tr.(*Conn)
	require.True(t, ok)
	assert.Equal(t, envelope.Address("a@hub"), conn.Address())
}
