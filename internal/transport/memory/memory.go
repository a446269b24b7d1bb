// ABOUTME: In-process transport: a Hub of per-address FIFO mailboxes shared by several agents.
// ABOUTME: Used by tests and by single-process demos; Disconnect simulates a lost connection.

// Package memory provides an in-process transport.Transport. All agents
// connected to the same Hub can address each other; envelopes are delivered
// FIFO per recipient.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

// DefaultMailboxSize is the number of undelivered envelopes a mailbox holds.
const DefaultMailboxSize = 64

// ErrAlreadyConnected is returned by Connect when the address is in use.
var ErrAlreadyConnected = errors.New("address already connected")

// ErrMailboxFull is returned by Send when the recipient's mailbox is full.
// It is not fatal: the envelope is dropped and the sender carries on.
var ErrMailboxFull = errors.New("recipient mailbox full")

type mailbox struct {
	items     chan *envelope.Envelope
	lost      chan struct{}
	lostOnce  sync.Once
	connected bool
}

func (m *mailbox) markLost() {
	m.lostOnce.Do(func() { close(m.lost) })
}

// Hub routes envelopes between connected addresses.
type Hub struct {
	mu        sync.Mutex
	mailboxes map[envelope.Address]*mailbox
	size      int
	clock     clock.Clock
}

// Option configures a Hub.
type Option func(*Hub)

// WithMailboxSize sets the per-address mailbox capacity.
func WithMailboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.size = n
		}
	}
}

// WithClock sets the clock used for receive timeouts.
func WithClock(c clock.Clock) Option {
	return func(h *Hub) { h.clock = c }
}

// NewHub creates an empty Hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		mailboxes: make(map[envelope.Address]*mailbox),
		size:      DefaultMailboxSize,
		clock:     clock.Real(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// mailboxLocked returns the mailbox for addr, creating it if needed.
// Must be called with mu held.
func (h *Hub) mailboxLocked(addr envelope.Address) *mailbox {
	mb, ok := h.mailboxes[addr]
	if !ok {
		mb = &mailbox{
			items: make(chan *envelope.Envelope, h.size),
			lost:  make(chan struct{}),
		}
		h.mailboxes[addr] = mb
	}
	return mb
}

// Connect attaches a new connection to addr. Envelopes sent to addr before
// it connected are waiting in its mailbox.
func (h *Hub) Connect(addr envelope.Address) (*Conn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mb := h.mailboxLocked(addr)
	if mb.connected {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, addr)
	}
	mb.connected = true

	return &Conn{hub: h, addr: addr, mb: mb}, nil
}

// Dialer returns a transport.Dialer that connects addr to the hub.
func (h *Hub) Dialer(addr envelope.Address) transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := h.Connect(addr)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// Disconnect makes every operation on addr's connection fail with
// transport.ErrConnectionLost. Envelopes already queued are still returned
// by Receive first.
func (h *Hub) Disconnect(addr envelope.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mb, ok := h.mailboxes[addr]; ok {
		mb.markLost()
	}
}

// Pending returns the number of envelopes waiting in addr's mailbox.
func (h *Hub) Pending(addr envelope.Address) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	if mb, ok := h.mailboxes[addr]; ok {
		return len(mb.items)
	}
	return 0
}

func (h *Hub) release(addr envelope.Address) {
	h.mu.Lock()
	defer h.mu.Unlock()

	mb, ok := h.mailboxes[addr]
	if !ok {
		return
	}
	mb.connected = false
	// A lost mailbox is replaced so the address can reconnect cleanly.
	select {
	case <-mb.lost:
		delete(h.mailboxes, addr)
	default:
	}
}

// Conn is one address's attachment to a Hub.
type Conn struct {
	hub    *Hub
	addr   envelope.Address
	mb     *mailbox
	closed atomic.Bool
}

// Address returns the address this connection receives for.
func (c *Conn) Address() envelope.Address { return c.addr }

// Send hands a copy of env to the recipient's mailbox, stamping From.
func (c *Conn) Send(ctx context.Context, env *envelope.Envelope) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	select {
	case <-c.mb.lost:
		return fmt.Errorf("sending to %s: %w", env.To, transport.ErrConnectionLost)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := *env
	out.From = c.addr

	c.hub.mu.Lock()
	target := c.hub.mailboxLocked(env.To)
	c.hub.mu.Unlock()

	select {
	case target.items <- &out:
		return nil
	default:
		return fmt.Errorf("sending to %s: %w", env.To, ErrMailboxFull)
	}
}

// Receive returns the next envelope in this address's mailbox, or nil if
// none arrives within timeout.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}

	env, ok, err := await.Receive(ctx, c.hub.clock, timeout, c.mb.items, c.mb.lost)
	switch {
	case errors.Is(err, await.ErrStopped):
		return nil, fmt.Errorf("receiving for %s: %w", c.addr, transport.ErrConnectionLost)
	case err != nil:
		return nil, err
	case !ok:
		return nil, nil
	}
	return env, nil
}

// Close detaches the connection from the hub. It is safe to call more
// than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.hub.release(c.addr)
	return nil
}
