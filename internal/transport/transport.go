// ABOUTME: Transport and Dialer interfaces plus the transport error taxonomy.
// ABOUTME: Fatal errors stop the agent loop; timeouts are reported as a nil envelope.

package transport

import (
	"context"
	"errors"
	"time"

	"github.com/2389/coven-a2a/internal/envelope"
)

// Fatal transport errors.
var (
	ErrConnectionLost       = errors.New("connection lost")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrUnreachable          = errors.New("endpoint unreachable")
)

// ErrClosed is returned by operations on a transport after Close.
var ErrClosed = errors.New("transport closed")

// Transport moves envelopes between this agent and its peers.
// Implementations are used by a single loop goroutine at a time.
type Transport interface {
	Send(ctx context.Context, env *envelope.Envelope) error
	Receive(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error)
	Close() error
}

// Dialer establishes a Transport for one agent.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) { return f(ctx) }

// IsFatal reports whether err must terminate the loop.
func IsFatal(err error) bool {
	return errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrUnreachable) ||
		errors.Is(err, ErrClosed)
}
