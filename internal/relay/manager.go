// ABOUTME: Tracks connected relay sessions and routes envelopes between them.
// ABOUTME: Envelopes for offline addresses wait in bounded per-address mailboxes.

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/coven-a2a/internal/envelope"
	"github.com/2389/coven-a2a/internal/store"
)

// DefaultMailboxSize bounds both a session's outbound queue and an offline mailbox.
const DefaultMailboxSize = 64

// ErrNoRecipient indicates an envelope without a destination address.
var ErrNoRecipient = errors.New("envelope has no recipient")

// ErrUnknownRecipient indicates the destination address has no account.
var ErrUnknownRecipient = errors.New("unknown recipient")

// Directory resolves whether an address may receive envelopes.
type Directory interface {
	GetAccount(ctx context.Context, address string) (*store.Account, error)
}

// Manager coordinates all connected sessions and routes envelopes to them.
type Manager struct {
	sessions    map[string]*Session
	mailboxes   map[string][]*envelope.Envelope
	mailboxSize int
	directory   Directory
	mu          sync.Mutex
	logger      *slog.Logger
}

// SessionInfo describes a connected session.
type SessionInfo struct {
	ID          string    `json:"id"`
	Address     string    `json:"address"`
	ConnectedAt time.Time `json:"connected_at"`
	Queued      int       `json:"queued"`
}

// NewManager creates a new Manager. A nil directory accepts any recipient.
func NewManager(directory Directory, mailboxSize int, logger *slog.Logger) *Manager {
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		mailboxes:   make(map[string][]*envelope.Envelope),
		mailboxSize: mailboxSize,
		directory:   directory,
		logger:      logger,
	}
}

// MailboxSize is the per-address queue bound.
func (m *Manager) MailboxSize() int { return m.mailboxSize }

// Register makes sess the live session for its address, replacing and
// closing any previous one, and hands it everything queued for the address.
func (m *Manager) Register(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.sessions[sess.Address]; ok {
		m.stashLocked(old)
		old.close(ReasonReplaced)
		m.logger.Info("session replaced",
			"address", sess.Address,
			"old_session", old.ID,
			"new_session", sess.ID,
		)
	}

	m.sessions[sess.Address] = sess
	pending := m.mailboxes[sess.Address]
	delete(m.mailboxes, sess.Address)
	for _, env := range pending {
		sess.enqueue(env)
	}

	m.logger.Info("=== AGENT CONNECTED ===",
		"address", sess.Address,
		"session", sess.ID,
		"delivered_from_mailbox", len(pending),
		"total_sessions", len(m.sessions),
	)
}

// Unregister removes sess if it is still the live session for its address.
// Anything it had not written yet goes back to the mailbox.
func (m *Manager) Unregister(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.sessions[sess.Address]; ok && cur == sess {
		delete(m.sessions, sess.Address)
		m.stashLocked(sess)
		m.logger.Info("=== AGENT DISCONNECTED ===",
			"address", sess.Address,
			"session", sess.ID,
			"mailbox", len(m.mailboxes[sess.Address]),
			"total_sessions", len(m.sessions),
		)
	}
}

// Route delivers env to its recipient's session or mailbox.
func (m *Manager) Route(ctx context.Context, env *envelope.Envelope) error {
	if env.To == "" {
		return ErrNoRecipient
	}
	to := string(env.To)

	if m.directory != nil {
		if _, err := m.directory.GetAccount(ctx, to); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUnknownRecipient, to)
			}
			return fmt.Errorf("looking up recipient: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if sess, ok := m.sessions[to]; ok {
		if sess.enqueue(env) {
			m.logger.Warn("session queue full, dropped oldest envelope", "address", to)
		}
		return nil
	}

	m.appendMailboxLocked(to, env)
	return nil
}

// Requeue puts env back at the head of the address's mailbox after a failed
// socket write, so it is the first thing the next session receives.
func (m *Manager) Requeue(address string, env *envelope.Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	box := append([]*envelope.Envelope{env}, m.mailboxes[address]...)
	if len(box) > m.mailboxSize {
		box = box[len(box)-m.mailboxSize:]
	}
	m.mailboxes[address] = box
}

// Pending returns the number of envelopes waiting in the address's mailbox.
func (m *Manager) Pending(address string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mailboxes[address])
}

// IsOnline reports whether the address has a live session.
func (m *Manager) IsOnline(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[address]
	return ok
}

// ListSessions returns information about all connected sessions.
func (m *Manager) ListSessions() []*SessionInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]*SessionInfo, 0, len(m.sessions))
	for _, sess := range m.sessions {
		infos = append(infos, &SessionInfo{
			ID:          sess.ID,
			Address:     sess.Address,
			ConnectedAt: sess.ConnectedAt,
			Queued:      len(sess.out),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Address < infos[j].Address })
	return infos
}

// CloseAll ends every live session with reason.
func (m *Manager) CloseAll(reason CloseReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sess := range m.sessions {
		sess.close(reason)
	}
}

// stashLocked moves sess's unsent envelopes to the end of its mailbox.
func (m *Manager) stashLocked(sess *Session) {
	for _, env := range sess.drain() {
		m.appendMailboxLocked(sess.Address, env)
	}
}

func (m *Manager) appendMailboxLocked(address string, env *envelope.Envelope) {
	box := append(m.mailboxes[address], env)
	if len(box) > m.mailboxSize {
		dropped := box[0]
		box = box[1:]
		m.logger.Warn("mailbox full, dropped oldest envelope",
			"address", address,
			"dropped_id", dropped.ID,
		)
	}
	m.mailboxes[address] = box
}
