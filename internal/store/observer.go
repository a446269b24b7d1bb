// ABOUTME: JournalObserver writes every envelope an agent loop handles to a Journal
// ABOUTME: Satisfies the loop observer callbacks; storage failures are only logged

package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/coven-a2a/internal/envelope"
)

// journalWriteTimeout bounds a single journal insert so a slow disk cannot
// stall the loop that reports to the observer.
const journalWriteTimeout = 2 * time.Second

// JournalObserver records envelopes for one agent.
type JournalObserver struct {
	journal Journal
	agent   string
	logger  *slog.Logger
	now     func() time.Time
}

// NewJournalObserver creates an observer that writes rows tagged with agent.
// A nil logger uses slog.Default.
func NewJournalObserver(journal Journal, agent string, logger *slog.Logger) *JournalObserver {
	if logger == nil {
		logger = slog.Default()
	}
	return &JournalObserver{
		journal: journal,
		agent:   agent,
		logger:  logger.With("component", "journal", "agent", agent),
		now:     time.Now,
	}
}

// EnvelopeReceived records an inbound envelope.
func (o *JournalObserver) EnvelopeReceived(env *envelope.Envelope) {
	o.record(env, DirectionInbound, env.From, "")
}

// EnvelopeSent records a delivered outbound envelope.
func (o *JournalObserver) EnvelopeSent(env *envelope.Envelope) {
	o.record(env, DirectionOutbound, env.To, "")
}

// SendFailed records an outbound envelope together with its failure.
func (o *JournalObserver) SendFailed(env *envelope.Envelope, err error) {
	o.record(env, DirectionOutbound, env.To, err.Error())
}

func (o *JournalObserver) record(env *envelope.Envelope, dir Direction, peer envelope.Address, errText string) {
	payload, err := envelope.Marshal(env)
	if err != nil {
		o.logger.Warn("failed to encode envelope for journal", "id", env.ID, "error", err)
		return
	}

	rec := &EnvelopeRecord{
		Agent:      o.agent,
		Direction:  dir,
		EnvelopeID: env.ID,
		Kind:       env.Kind().String(),
		Peer:       string(peer),
		Text:       env.Text(),
		Payload:    string(payload),
		Error:      errText,
		CreatedAt:  o.now(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), journalWriteTimeout)
	defer cancel()

	if err := o.journal.RecordEnvelope(ctx, rec); err != nil {
		o.logger.Warn("failed to journal envelope", "id", env.ID, "direction", dir, "error", err)
	}
}
