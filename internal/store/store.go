// ABOUTME: Store interfaces and data types for relay accounts and the envelope journal
// ABOUTME: Defines Account, EnvelopeRecord, EnvelopeFilter and the sentinel errors

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAccount is returned when creating an account whose address is taken
var ErrDuplicateAccount = errors.New("account already exists")

// ErrInvalidCredentials is returned when an address/password pair does not match
var ErrInvalidCredentials = errors.New("invalid credentials")

// Account is a relay login identity.
type Account struct {
	Address     string
	CreatedAt   time.Time
	LastLoginAt *time.Time
}

// Direction says whether a journaled envelope was sent or received.
type Direction string

const (
	DirectionInbound  Direction = "in"
	DirectionOutbound Direction = "out"
)

// EnvelopeRecord is one journal row.
type EnvelopeRecord struct {
	ID         int64
	Agent      string
	Direction  Direction
	EnvelopeID string
	Kind       string
	Peer       string // sender for inbound rows, recipient for outbound rows
	Text       string
	Payload    string // wire JSON of the envelope
	Error      string // set when an outbound send failed
	CreatedAt  time.Time
}

// EnvelopeFilter narrows ListEnvelopes. Zero fields match everything.
type EnvelopeFilter struct {
	Agent     string
	Direction Direction
	Kind      string
	Limit     int
}

// DefaultListLimit caps ListEnvelopes when the filter has no limit.
const DefaultListLimit = 100

// Accounts manages relay login accounts.
type Accounts interface {
	CreateAccount(ctx context.Context, address, password string) error
	// Authenticate checks the password and records the login time.
	Authenticate(ctx context.Context, address, password string) (*Account, error)
	GetAccount(ctx context.Context, address string) (*Account, error)
	ListAccounts(ctx context.Context) ([]*Account, error)
	DeleteAccount(ctx context.Context, address string) error
}

// Journal records envelopes handled by agents.
type Journal interface {
	RecordEnvelope(ctx context.Context, rec *EnvelopeRecord) error
	// ListEnvelopes returns matching rows, newest first.
	ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]*EnvelopeRecord, error)
}

// Store is the full persistence surface.
type Store interface {
	Accounts
	Journal
	Close() error
}
