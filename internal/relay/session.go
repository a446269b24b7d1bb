// ABOUTME: Represents one authenticated WebSocket session on the relay.
// ABOUTME: Holds the bounded outbound queue and the close signal for its writer.

package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-a2a/internal/envelope"
)

// CloseReason says why the relay ended a session.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	// ReasonReplaced means a newer session logged in with the same address.
	ReasonReplaced
	// ReasonShutdown means the relay is stopping.
	ReasonShutdown
)

func (r CloseReason) String() string {
	switch r {
	case ReasonReplaced:
		return "session replaced"
	case ReasonShutdown:
		return "relay shutting down"
	default:
		return "closed"
	}
}

// Session is one connected agent. Only the Manager enqueues into it.
type Session struct {
	ID          string
	Address     string
	ConnectedAt time.Time

	out       chan *envelope.Envelope
	done      chan struct{}
	closeOnce sync.Once
	reason    CloseReason
}

// NewSession creates a session for address with an outbound queue of size.
func NewSession(address string, size int) *Session {
	if size <= 0 {
		size = DefaultMailboxSize
	}
	return &Session{
		ID:          uuid.NewString(),
		Address:     address,
		ConnectedAt: time.Now(),
		out:         make(chan *envelope.Envelope, size),
		done:        make(chan struct{}),
	}
}

// Outbound yields envelopes to write to the socket.
func (s *Session) Outbound() <-chan *envelope.Envelope { return s.out }

// Done is closed when the relay ends the session.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the relay closed the session, or ReasonNone while it is open.
func (s *Session) Reason() CloseReason {
	select {
	case <-s.done:
		return s.reason
	default:
		return ReasonNone
	}
}

func (s *Session) close(reason CloseReason) {
	s.closeOnce.Do(func() {
		s.reason = reason
		close(s.done)
	})
}

// enqueue adds env, dropping the oldest queued envelope if the queue is full.
// It reports whether something was dropped. Callers hold the Manager lock.
func (s *Session) enqueue(env *envelope.Envelope) (dropped bool) {
	for {
		select {
		case s.out <- env:
			return dropped
		default:
		}
		select {
		case <-s.out:
			dropped = true
		default:
		}
	}
}

// drain removes and returns everything still queued.
func (s *Session) drain() []*envelope.Envelope {
	var left []*envelope.Envelope
	for {
		select {
		case env := <-s.out:
			left = append(left, env)
		default:
			return left
		}
	}
}
