// ABOUTME: Tests the Matrix transport against a minimal fake homeserver built on httptest.
// ABOUTME: Covers login errors, direct room creation, inbound sync events and auto-join.

package matrix

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/transport"
)

type fakeHomeserver struct {
	t  *testing.T
	ts *httptest.Server

	mu          sync.Mutex
	loginStatus int
	pending     []map[string]any
	createRooms int
	joined      []string
	sent        []sentEvent
}

type sentEvent struct {
	Room    string
	Content map[string]any
}

func newFakeHomeserver(t *testing.T) *fakeHomeserver {
	t.Helper()
	hs := &fakeHomeserver{t: t, loginStatus: http.StatusOK}
	hs.ts = httptest.NewServer(http.HandlerFunc(hs.serve))
	t.Cleanup(hs.ts.Close)
	return hs
}

func (hs *fakeHomeserver) reply(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (hs *fakeHomeserver) serve(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/_matrix/client/versions":
		hs.reply(w, http.StatusOK, map[string]any{"versions": []string{"v1.11"}})

	case path == "/_matrix/client/v3/login":
		hs.mu.Lock()
		status := hs.loginStatus
		hs.mu.Unlock()
		if status != http.StatusOK {
			hs.reply(w, status, map[string]any{"errcode": "M_FORBIDDEN", "error": "Invalid password"})
			return
		}
		hs.reply(w, http.StatusOK, map[string]any{
			"user_id":      "@agent-b:test",
			"access_token": "tok",
			"device_id":    "DEV1",
		})

	case strings.HasSuffix(path, "/filter"):
		hs.reply(w, http.StatusOK, map[string]any{"filter_id": "f1"})

	case path == "/_matrix/client/v3/sync":
		hs.mu.Lock()
		batch := hs.pending
		hs.pending = nil
		hs.mu.Unlock()
		if len(batch) == 0 {
			select {
			case <-time.After(50 * time.Millisecond):
			case <-r.Context().Done():
			}
			hs.reply(w, http.StatusOK, map[string]any{"next_batch": "s"})
			return
		}
		rooms := map[string]any{}
		for _, b := range batch {
			for k, v := range b {
				rooms[k] = v
			}
		}
		hs.reply(w, http.StatusOK, map[string]any{"next_batch": "s", "rooms": rooms})

	case path == "/_matrix/client/v3/createRoom":
		hs.mu.Lock()
		hs.createRooms++
		hs.mu.Unlock()
		hs.reply(w, http.StatusOK, map[string]any{"room_id": "!created:test"})

	case strings.Contains(path, "/send/m.room.message/"):
		room := strings.TrimPrefix(path, "/_matrix/client/v3/rooms/")
		room, _, _ = strings.Cut(room, "/")
		body, _ := io.ReadAll(r.Body)
		var content map[string]any
		_ = json.Unmarshal(body, &content)
		hs.mu.Lock()
		hs.sent = append(hs.sent, sentEvent{Room: room, Content: content})
		hs.mu.Unlock()
		hs.reply(w, http.StatusOK, map[string]any{"event_id": "$sent"})

	case strings.HasSuffix(path, "/join"):
		room := strings.TrimPrefix(path, "/_matrix/client/v3/rooms/")
		room = strings.TrimSuffix(room, "/join")
		hs.mu.Lock()
		hs.joined = append(hs.joined, room)
		hs.mu.Unlock()
		hs.reply(w, http.StatusOK, map[string]any{"room_id": room})

	case path == "/_matrix/client/v3/logout":
		hs.reply(w, http.StatusOK, map[string]any{})

	default:
		hs.reply(w, http.StatusNotFound, map[string]any{"errcode": "M_UNRECOGNIZED", "error": "unknown endpoint"})
	}
}

// queueTimeline delivers a message event in a joined room on the next sync.
func (hs *fakeHomeserver) queueTimeline(room, evtID, sender string, content map[string]any) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.pending = append(hs.pending, map[string]any{
		"join": map[string]any{
			room: map[string]any{
				"timeline": map[string]any{
					"events": []any{map[string]any{
						"type":             "m.room.message",
						"event_id":         evtID,
						"sender":           sender,
						"origin_server_ts": time.Now().Add(time.Second).UnixMilli(),
						"content":          content,
					}},
				},
			},
		},
	})
}

// queueInvite delivers a direct-chat invite for the agent on the next sync.
func (hs *fakeHomeserver) queueInvite(room, inviter string) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.pending = append(hs.pending, map[string]any{
		"invite": map[string]any{
			room: map[string]any{
				"invite_state": map[string]any{
					"events": []any{map[string]any{
						"type":      "m.room.member",
						"state_key": "@agent-b:test",
						"sender":    inviter,
						"content":   map[string]any{"membership": "invite", "is_direct": true},
					}},
				},
			},
		},
	})
}

func (hs *fakeHomeserver) snapshot() (creates int, joined []string, sent []sentEvent) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.createRooms, append([]string(nil), hs.joined...), append([]sentEvent(nil), hs.sent...)
}

func (hs *fakeHomeserver) dial(t *testing.T) *Transport {
	t.Helper()
	d := &Dialer{Homeserver: hs.ts.URL, UserID: "@agent-b:test", Password: "pw"}
	tr, err := d.Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr.(*Transport)
}

func TestDial_Forbidden(t *testing.T) {
	hs := newFakeHomeserver(t)
	hs.loginStatus = http.StatusForbidden

	d := &Dialer{Homeserver: hs.ts.URL, UserID: "@agent-b:test", Password: "wrong"}
	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, transport.ErrAuthenticationFailed)
}

func TestDial_Unreachable(t *testing.T) {
	hs := newFakeHomeserver(t)
	url := hs.ts.URL
	hs.ts.Close()

	d := &Dialer{Homeserver: url, UserID: "@agent-b:test", Password: "pw"}
	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, transport.ErrUnreachable)
}

func TestDial_InvalidUserID(t *testing.T) {
	_, err := (&Dialer{Homeserver: "http://127.0.0.1:1", UserID: "agent-b"}).Dial(context.Background())
	assert.Error(t, err)
}

func TestTransport_SendCreatesDirectRoomOnce(t *testing.T) {
	hs := newFakeHomeserver(t)
	tr := hs.dial(t)
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, envelope.NewGreeting("@agent-a:test", "Hello from agent-b!", time.Now())))
	require.NoError(t, tr.Send(ctx, envelope.NewGreeting("@agent-a:test", "again", time.Now())))

	creates, _, sent := hs.snapshot()
	assert.Equal(t, 1, creates)
	require.Len(t, sent, 2)
	assert.Equal(t, "!created:test", sent[0].Room)
	assert.Equal(t, "Hello from agent-b!", sent[0].Content["body"])

	wire, ok := sent[0].Content[ContentKey].(map[string]any)
	require.True(t, ok, "content should carry the wire envelope")
	assert.Equal(t, "@agent-b:test", wire["from"])
}

func TestTransport_ReceivesSyncedEnvelope(t *testing.T) {
	hs := newFakeHomeserver(t)
	tr := hs.dial(t)

	in := envelope.NewGreeting("@agent-b:test", "Hello from agent-a!", time.Now())
	content, err := EnvelopeContent(in)
	require.NoError(t, err)
	raw, err := json.Marshal(content)
	require.NoError(t, err)
	var asMap map[string]any
	require.NoError(t, json.Unmarshal(raw, &asMap))

	hs.queueTimeline("!dm:test", "$in1", "@agent-a:test", asMap)

	got, err := tr.Receive(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ID, got.ID)
	assert.Equal(t, envelope.Address("@agent-a:test"), got.From)
	assert.Equal(t, "Hello from agent-a!", got.Text())

	// The reply goes to the room the greeting arrived in.
	reply := envelope.NewResponse(got.From, got.ID, "agent-b processed: Hello from agent-a!", time.Now())
	require.NoError(t, tr.Send(context.Background(), reply))
	creates, _, sent := hs.snapshot()
	assert.Equal(t, 0, creates)
	require.Len(t, sent, 1)
	assert.Equal(t, "!dm:test", sent[0].Room)
	assert.Equal(t, "m.notice", sent[0].Content["msgtype"])
}

func TestTransport_JoinsDirectInvite(t *testing.T) {
	hs := newFakeHomeserver(t)
	tr := hs.dial(t)

	hs.queueInvite("!invited:test", "@agent-a:test")
	require.Eventually(t, func() bool {
		_, joined, _ := hs.snapshot()
		return len(joined) == 1
	}, 3*time.Second, 10*time.Millisecond)

	_, joined, _ := hs.snapshot()
	assert.Equal(t, "!invited:test", joined[0])

	require.Eventually(t, func() bool {
		tr.roomsMu.Lock()
		defer tr.roomsMu.Unlock()
		return tr.rooms["@agent-a:test"] == "!invited:test"
	}, time.Second, 10*time.Millisecond)
}

func TestTransport_CloseIsIdempotent(t *testing.T) {
	hs := newFakeHomeserver(t)
	tr := hs.dial(t)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, err := tr.Receive(context.Background(), time.Millisecond)
	assert.ErrorIs(t, err, transport.ErrClosed)
	err = tr.Send(context.Background(), envelope.NewGreeting("@agent-a:test", "x", time.Now()))
	assert.ErrorIs(t, err, transport.ErrClosed)
}
