// ABOUTME: Matrix transport: envelopes travel as m.room.message events in one direct room per peer.
// ABOUTME: Password login, background sync feeding a bounded inbox, auto-join on invite.

// Package matrix implements transport.Transport on a Matrix homeserver
// using mautrix. Addresses are Matrix user IDs ("@agent-a:example.org").
//
// Every envelope is sent as an m.room.message event whose "body" is a
// human-readable rendering and whose "coven.a2a" field carries the wire
// envelope, so the conversation stays readable in any Matrix client. Plain
// text messages from humans are received as greetings.
//
// Error mapping:
//
//   - login rejected (M_FORBIDDEN, M_USER_DEACTIVATED): transport.ErrAuthenticationFailed
//   - homeserver not reachable at login: transport.ErrUnreachable
//   - background sync failure: transport.ErrConnectionLost
//   - access token revoked while sending: transport.ErrAuthenticationFailed
//   - network failure while sending: transport.ErrConnectionLost
//   - any other homeserver rejection while sending: ErrRejected (not fatal)
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-a2a/internal/await"
	"github.com/2389/coven-a2a/internal/clock"
	"github.com/2389/coven-a2a/internal/dedupe"
	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

// ContentKey is the event content field holding the wire envelope.
const ContentKey = "coven.a2a"

// DefaultInboxSize is the number of decoded envelopes buffered ahead of Receive.
const DefaultInboxSize = 64

// networkTimeout is the timeout for Matrix API calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// Sync retry policy: consecutive failures beyond DefaultMaxSyncFailures end
// the session.
const (
	DefaultMaxSyncFailures = 3
	syncRetryDelay         = 2 * time.Second
)

// ErrRejected wraps a homeserver refusal of a single send. It is not fatal.
var ErrRejected = errors.New("homeserver rejected event")

// Dialer logs one agent in to a homeserver.
type Dialer struct {
	Homeserver string
	// UserID is the agent's full Matrix ID and its envelope address.
	UserID   string
	Password string
	// DeviceName is shown in the account's session list.
	DeviceName string

	HTTPClient      *http.Client
	Clock           clock.Clock
	Logger          *slog.Logger
	InboxSize       int
	MaxSyncFailures int
}

var _ transport.Dialer = (*Dialer)(nil)

// Dial logs in and starts syncing.
func (d *Dialer) Dial(ctx context.Context) (transport.Transport, error) {
	localpart, err := Localpart(d.UserID)
	if err != nil {
		return nil, err
	}

	client, err := mautrix.NewClient(d.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if d.HTTPClient != nil {
		client.Client = d.HTTPClient
	}

	deviceName := d.DeviceName
	if deviceName == "" {
		deviceName = "coven-a2a " + localpart
	}

	_, err = client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: localpart,
		},
		Password:                 d.Password,
		InitialDeviceDisplayName: deviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return nil, classifyLoginError(d.UserID, err)
	}

	clk := d.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	size := d.InboxSize
	if size <= 0 {
		size = DefaultInboxSize
	}

	t := &Transport{
		client:    client,
		userID:    client.UserID,
		startedAt: clk.Now(),
		rooms:     make(map[id.UserID]id.RoomID),
		inbox:     make(chan *envelope.Envelope, size),
		lost:      make(chan struct{}),
		syncDone:  make(chan struct{}),
		seen:      dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize, clk),
		clock:     clk,
		logger:    logger.With("component", "matrix-transport", "user_id", client.UserID),
	}

	syncer, ok := client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return nil, fmt.Errorf("unexpected syncer type: %T", client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, t.handleMessage)
	syncer.OnEventType(event.StateMember, t.handleMembership)

	maxFailures := d.MaxSyncFailures
	if maxFailures <= 0 {
		maxFailures = DefaultMaxSyncFailures
	}
	client.Syncer = &boundedSyncer{DefaultSyncer: syncer, maxFailures: maxFailures, logger: t.logger}

	syncCtx, cancel := context.WithCancel(context.Background())
	t.cancelSync = cancel
	go t.syncLoop(syncCtx)

	t.logger.Info("connected to matrix homeserver", "homeserver", d.Homeserver, "device_id", client.DeviceID)
	return t, nil
}

// Transport is a logged-in Matrix session.
type Transport struct {
	client    *mautrix.Client
	userID    id.UserID
	startedAt time.Time

	roomsMu sync.Mutex
	rooms   map[id.UserID]id.RoomID

	inbox      chan *envelope.Envelope
	lost       chan struct{}
	lostOnce   sync.Once
	lostCause  error
	syncDone   chan struct{}
	cancelSync context.CancelFunc
	closed     atomic.Bool

	seen   *dedupe.Window
	clock  clock.Clock
	logger *slog.Logger
}

// Address returns the user ID this session receives for.
func (t *Transport) Address() envelope.Address { return envelope.Address(t.userID) }

func (t *Transport) markLost(cause error) {
	t.lostOnce.Do(func() {
		t.lostCause = cause
		close(t.lost)
	})
}

func (t *Transport) cause() error {
	select {
	case <-t.lost:
		return t.lostCause
	default:
		return nil
	}
}

func (t *Transport) syncLoop(ctx context.Context) {
	defer close(t.syncDone)

	err := t.client.SyncWithContext(ctx)
	if t.closed.Load() {
		return
	}
	if err == nil {
		err = errors.New("sync stopped")
	}
	t.logger.Error("matrix sync failed", "error", err)
	t.markLost(err)
}

// boundedSyncer gives up after maxFailures consecutive sync errors instead
// of retrying forever, so a dead homeserver surfaces as a lost connection.
type boundedSyncer struct {
	*mautrix.DefaultSyncer
	maxFailures int
	failures    int
	logger      *slog.Logger
}

func (s *boundedSyncer) ProcessResponse(ctx context.Context, res *mautrix.RespSync, since string) error {
	s.failures = 0
	return s.DefaultSyncer.ProcessResponse(ctx, res, since)
}

func (s *boundedSyncer) OnFailedSync(_ *mautrix.RespSync, err error) (time.Duration, error) {
	s.failures++
	if errors.Is(err, mautrix.MUnknownToken) || s.failures >= s.maxFailures {
		return 0, err
	}
	s.logger.Warn("matrix sync failed, retrying", "attempt", s.failures, "error", err)
	return syncRetryDelay, nil
}

// handleMessage turns a room message into an inbound envelope.
func (t *Transport) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == t.userID {
		return
	}
	if time.UnixMilli(evt.Timestamp).Before(t.startedAt) {
		return
	}
	if t.seen.Seen(evt.ID.String()) {
		t.logger.Debug("dropping duplicate event", "event_id", evt.ID)
		return
	}

	env, err := EventToEnvelope(evt, t.userID)
	if err != nil {
		t.logger.Warn("ignoring undecodable event", "event_id", evt.ID, "room", evt.RoomID, "error", err)
		return
	}
	t.rememberRoom(evt.Sender, evt.RoomID)

	t.logger.Debug("received event", "event_id", evt.ID, "room", evt.RoomID, "from", evt.Sender)
	select {
	case t.inbox <- env:
	case <-ctx.Done():
	}
}

// handleMembership joins rooms we are invited to.
func (t *Transport) handleMembership(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != t.userID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := t.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		t.logger.Warn("failed to join room", "room", evt.RoomID, "inviter", evt.Sender, "error", err)
		return
	}
	if member.IsDirect {
		t.rememberRoom(evt.Sender, evt.RoomID)
	}
	t.logger.Info("joined room", "room", evt.RoomID, "inviter", evt.Sender)
}

func (t *Transport) rememberRoom(peer id.UserID, room id.RoomID) {
	t.roomsMu.Lock()
	defer t.roomsMu.Unlock()
	if _, ok := t.rooms[peer]; !ok {
		t.rooms[peer] = room
	}
}

func (t *Transport) forgetRoom(peer id.UserID, room id.RoomID) {
	t.roomsMu.Lock()
	defer t.roomsMu.Unlock()
	if t.rooms[peer] == room {
		delete(t.rooms, peer)
	}
}

// roomFor returns the direct room for peer, creating it on first use.
func (t *Transport) roomFor(ctx context.Context, peer id.UserID) (id.RoomID, error) {
	t.roomsMu.Lock()
	room, ok := t.rooms[peer]
	t.roomsMu.Unlock()
	if ok {
		return room, nil
	}

	resp, err := t.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		Invite:   []id.UserID{peer},
		IsDirect: true,
	})
	if err != nil {
		return "", err
	}

	t.roomsMu.Lock()
	defer t.roomsMu.Unlock()
	// Another send or an inbound message may have picked a room meanwhile.
	if existing, ok := t.rooms[peer]; ok {
		return existing, nil
	}
	t.rooms[peer] = resp.RoomID
	t.logger.Info("created direct room", "room", resp.RoomID, "peer", peer)
	return resp.RoomID, nil
}

// Send posts env into the direct room shared with env.To.
func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if cause := t.cause(); cause != nil {
		return fmt.Errorf("sending to %s: %w: %v", env.To, transport.ErrConnectionLost, cause)
	}

	peer := id.UserID(env.To)
	if _, err := Localpart(string(peer)); err != nil {
		return fmt.Errorf("sending to %s: %w", env.To, err)
	}

	room, err := t.roomFor(ctx, peer)
	if err != nil {
		return classifySendError(env.To, err)
	}

	out := *env
	out.From = envelope.Address(t.userID)
	content, err := EnvelopeContent(&out)
	if err != nil {
		return err
	}

	if _, err := t.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			// Typically the peer left the room; the next send opens a new one.
			t.forgetRoom(peer, room)
		}
		return classifySendError(env.To, err)
	}
	return nil
}

// Receive returns the next inbound envelope, or nil if none arrives within
// timeout. Envelopes decoded before sync failed are still returned.
func (t *Transport) Receive(ctx context.Context, timeout time.Duration) (*envelope.Envelope, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}

	env, ok, err := await.Receive(ctx, t.clock, timeout, t.inbox, t.lost)
	switch {
	case errors.Is(err, await.ErrStopped):
		return nil, fmt.Errorf("receiving for %s: %w: %v", t.userID, transport.ErrConnectionLost, t.cause())
	case err != nil:
		return nil, err
	case !ok:
		return nil, nil
	}
	return env, nil
}

// Close stops syncing and logs the device out. It is safe to call more than once.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.client.StopSync()
	t.cancelSync()
	<-t.syncDone

	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	if _, err := t.client.Logout(ctx); err != nil {
		t.logger.Debug("logout failed", "error", err)
	}

	t.logger.Info("disconnected from matrix homeserver")
	return nil
}

// Localpart extracts "name" from "@name:server".
func Localpart(userID string) (string, error) {
	if !strings.HasPrefix(userID, "@") {
		return "", fmt.Errorf("invalid matrix user id %q: must start with @", userID)
	}
	local, server, ok := strings.Cut(userID[1:], ":")
	if !ok || local == "" || server == "" {
		return "", fmt.Errorf("invalid matrix user id %q: want @name:server", userID)
	}
	return local, nil
}

// EnvelopeContent renders env as message event content.
func EnvelopeContent(env *envelope.Envelope) (*event.Content, error) {
	wire, err := envelope.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	msgType := event.MsgText
	if env.Kind() == envelope.KindResponse {
		msgType = event.MsgNotice
	}

	return &event.Content{
		Parsed: &event.MessageEventContent{
			MsgType: msgType,
			Body:    env.Text(),
		},
		Raw: map[string]any{
			ContentKey: json.RawMessage(wire),
		},
	}, nil
}

// EventToEnvelope decodes a message event. The sender always comes from the
// event, never from the embedded envelope.
func EventToEnvelope(evt *event.Event, self id.UserID) (*envelope.Envelope, error) {
	if raw, ok := evt.Content.Raw[ContentKey]; ok {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("re-encoding %s: %w", ContentKey, err)
		}
		env, err := envelope.Unmarshal(data)
		if err != nil {
			return nil, err
		}
		env.From = envelope.Address(evt.Sender)
		env.To = envelope.Address(self)
		if env.ID == "" {
			env.ID = evt.ID.String()
		}
		return env, nil
	}

	msg := evt.Content.AsMessage()
	if msg == nil || msg.Body == "" {
		return nil, errors.New("message has no body")
	}
	return &envelope.Envelope{
		ID:       evt.ID.String(),
		To:       envelope.Address(self),
		From:     envelope.Address(evt.Sender),
		Protocol: envelope.ProtocolA2A,
		Body: envelope.Greeting{
			Message:   msg.Body,
			Timestamp: time.UnixMilli(evt.Timestamp),
		},
	}, nil
}

func classifyLoginError(userID string, err error) error {
	switch {
	case errors.Is(err, mautrix.MForbidden), errors.Is(err, mautrix.MUserDeactivated):
		return fmt.Errorf("logging in as %s: %w: %v", userID, transport.ErrAuthenticationFailed, err)
	default:
		return fmt.Errorf("logging in as %s: %w: %v", userID, transport.ErrUnreachable, err)
	}
}

func classifySendError(to envelope.Address, err error) error {
	var respErr mautrix.RespError
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		return fmt.Errorf("sending to %s: %w: %v", to, transport.ErrAuthenticationFailed, err)
	case errors.As(err, &respErr):
		return fmt.Errorf("sending to %s: %w: %v", to, ErrRejected, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("sending to %s: %w", to, err)
	default:
		return fmt.Errorf("sending to %s: %w: %v", to, transport.ErrConnectionLost, err)
	}
}
