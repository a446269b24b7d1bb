// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows relay and agent tests to run without SQLite

package store

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	accounts  map[string]*mockAccount // keyed by address
	envelopes []*EnvelopeRecord
	nextID    int64
}

type mockAccount struct {
	Account
	hash []byte
}

var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		accounts: make(map[string]*mockAccount),
	}
}

// CreateAccount stores a new account.
func (m *MockStore) CreateAccount(ctx context.Context, address, password string) error {
	if address == "" || password == "" {
		return errors.New("address and password are required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[address]; ok {
		return ErrDuplicateAccount
	}
	m.accounts[address] = &mockAccount{
		Account: Account{Address: address, CreatedAt: time.Now()},
		hash:    hash,
	}
	return nil
}

// Authenticate verifies the password.
func (m *MockStore) Authenticate(ctx context.Context, address, password string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[address]
	if !ok {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(acct.hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	now := time.Now()
	acct.LastLoginAt = &now

	a := acct.Account
	return &a, nil
}

// GetAccount retrieves an account by address.
func (m *MockStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[address]
	if !ok {
		return nil, ErrNotFound
	}
	a := acct.Account
	return &a, nil
}

// ListAccounts returns every account ordered by address.
func (m *MockStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		a := acct.Account
		result = append(result, &a)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Address < result[j].Address
	})
	return result, nil
}

// DeleteAccount removes an account.
func (m *MockStore) DeleteAccount(ctx context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[address]; !ok {
		return ErrNotFound
	}
	delete(m.accounts, address)
	return nil
}

// RecordEnvelope appends a copy of rec.
func (m *MockStore) RecordEnvelope(ctx context.Context, rec *EnvelopeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	rec.ID = m.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r := *rec
	m.envelopes = append(m.envelopes, &r)
	return nil
}

// ListEnvelopes returns matching rows, newest first.
func (m *MockStore) ListEnvelopes(ctx context.Context, filter EnvelopeFilter) ([]*EnvelopeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	var result []*EnvelopeRecord
	for i := len(m.envelopes) - 1; i >= 0 && len(result) < limit; i-- {
		rec := m.envelopes[i]
		if filter.Agent != "" && rec.Agent != filter.Agent {
			continue
		}
		if filter.Direction != "" && rec.Direction != filter.Direction {
			continue
		}
		if filter.Kind != "" && rec.Kind != filter.Kind {
			continue
		}
		r := *rec
		result = append(result, &r)
	}
	return result, nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}
