// ABOUTME: Client transport for the coven-a2a relay: password login, then a WebSocket session.
// ABOUTME: A reader goroutine feeds a bounded inbox; duplicates are dropped by envelope ID.

// Package relay implements transport.Transport against a coven-a2a relay
// server. Dial logs in over HTTP, opens the session WebSocket with the
// issued bearer token and starts a reader that decodes frames into an inbox.
//
// Error mapping:
//
//   - login rejected (401) or WebSocket upgrade rejected (401):
//     transport.ErrAuthenticationFailed
//   - relay not reachable or answering unexpectedly: transport.ErrUnreachable
//   - socket read or write failure after connecting: transport.ErrConnectionLost
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/dedupe"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

// DefaultInboxSize is the number of decoded envelopes buffered ahead of Receive.
const DefaultInboxSize = 64

const maxFrameSize = 64 << 10

// Dialer connects one agent to a relay.
type Dialer struct {
	// URL is the relay base URL, e.g. "http://localhost:8740".
	URL      string
	Address  string
	Password string

	HTTPClient *http.Client
	Clock      clock.Clock
	Logger     *slog.Logger
	InboxSize  int
	// DedupeTTL bounds how long envelope IDs are remembered.
	DedupeTTL time.Duration
}

var _ transport.Dialer = (*Dialer)(nil)

type loginRequest struct {
	Address  string `json:"address"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Dial logs in and opens the session socket.
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	if d.URL == "" || d.Address == "" {
		return nil, errors.New("relay url and address are required")
	}

	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay-transport", "address", d.Address)

	base := strings.TrimRight(d.URL, "/")

	token, err := d.login(ctx, httpClient, base)
	if err != nil {
		return nil, err
	}

	ws, resp, err := websocket.Dial(ctx, base+"/ws", &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("opening session: %w", transport.ErrAuthenticationFailed)
		}
		return nil, fmt.Errorf("opening session: %w: %v", transport.ErrUnreachable, err)
	}
	ws.SetReadLimit(maxFrameSize)

	size := d.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		address:    envelope.Address(d.Address),
		ws:         ws,
		inbox:      make(chan *envelope.Envelope, size),
		lost:       make(chan struct{}),
		readerDone: make(chan struct{}),
		cancel:     cancel,
		seen:       dedupe.New(d.DedupeTTL, dedupe.DefaultMaxSize, clk),
		clock:      clk,
		logger:     logger,
	}
	go c.readLoop(readCtx)

	logger.Info("connected to relay", "url", base)
	return c, nil
}

func (d *Dialer) login(ctx context.Context, client *http.Client, base string) (string, error) {
	body, err := json.Marshal(loginRequest{Address: d.Address, Password: d.Password})
	if err != nil {
		return "", fmt.Errorf("encoding login request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/login", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("logging in: %w: %v", transport.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized:
		return "", fmt.Errorf("logging in as %s: %w", d.Address, transport.ErrAuthenticationFailed)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("logging in: %w: status %d: %s",
			transport.ErrUnreachable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return "", fmt.Errorf("decoding login response: %w: %v", transport.ErrUnreachable, err)
	}
	if lr.Token == "" {
		return "", fmt.Errorf("login response has no token: %w", transport.ErrUnreachable)
	}
	return lr.Token, nil
}

// Conn is an open relay session.
type Conn struct {
	address envelope.Address
	ws      *websocket.Conn
	inbox   chan *envelope.Envelope

	lost       chan struct{}
	lostOnce   sync.Once
	lostCause  error
	readerDone chan struct{}
	cancel     context.CancelFunc
	closed     atomic.Bool

	seen   *dedupe.Window
	clock  clock.Clock
	logger *slog.Logger
}

// Address returns the address this session receives for.
func (c *Conn) Address() envelope.Address { return c.address }

func (c *Conn) markLost(cause error) {
	c.lostOnce.Do(func() {
		c.lostCause = cause
		close(c.lost)
	})
}

func (c *Conn) cause() error {
	select {
	case <-c.lost:
		return c.lostCause
	default:
		return nil
	}
}

// readLoop decodes frames into the inbox until the socket fails.
func (c *Conn) readLoop(ctx context.Context) {
	defer close(c.readerDone)

	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if !c.closed.Load() {
				c.logger.Warn("relay session lost", "error", err, "close_status", websocket.CloseStatus(err))
			}
			c.markLost(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := envelope.Unmarshal(data)
		if err != nil {
			c.logger.Warn("ignoring malformed frame", "error", err)
			continue
		}
		if c.seen.Seen(env.ID) {
			c.logger.Debug("dropping duplicate envelope", "id", env.ID, "from", env.From)
			continue
		}

		select {
		case c.inbox <- env:
		case <-ctx.Done():
			c.markLost(ctx.Err())
			return
		}
	}
}

// Send writes env to the relay, which stamps the sender and routes it.
func (c *Conn) Send(ctx context.Context, env *envelope.Envelope) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	if cause := c.cause(); cause != nil {
		return fmt.Errorf("sending to %s: %w: %v", env.To, transport.ErrConnectionLost, cause)
	}

	out := *env
	out.From = c.address

	if err := wsjson.Write(ctx, c.ws, &out); err != nil {
		// coder/websocket closes the socket on a failed or cancelled write.
		c.markLost(err)
		return fmt.Errorf("sending to %s: %w: %v", env.To, transport.ErrConnectionLost, err)
	}
	return nil
}

// Receive returns the next inbound envelope, or nil if none arrives within
// timeout. Envelopes decoded before the session was lost are still returned.
func (c *Conn) Receive(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if c.closed.Load() {
		return nil, transport.ErrClosed
	}

	env, ok, err := await.Receive(ctx, c.clock, timeout, c.inbox, c.lost)
	switch {
	case errors.Is(err, await.ErrStopped):
		return nil, fmt.Errorf("receiving for %s: %w: %v", c.address, transport.ErrConnectionLost, c.cause())
	case err != nil:
		return nil, err
	case !ok:
		return nil, nil
	}
	return env, nil
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	err := c.ws.Close(websocket.StatusNormalClosure, "agent stopping")
	c.cancel()
	<-c.readerDone

	if err != nil && c.cause() == nil {
		return fmt.Errorf("closing relay session: %w", err)
	}
	c.logger.Info("disconnected from relay")
	return nil
}
