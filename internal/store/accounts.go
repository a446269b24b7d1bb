// ABOUTME: Relay account persistence with bcrypt password hashes
// ABOUTME: Implements the Accounts interface on SQLiteStore

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// CreateAccount stores a new account with a bcrypt hash of password.
func (s *SQLiteStore) CreateAccount(ctx context.Context, address, password string) error {
	if address == "" {
		return errors.New("address is required")
	}
	if password == "" {
		return errors.New("password is required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO accounts (address, password_hash, created_at) VALUES (?, ?, ?)`,
		address, string(hash), formatTime(time.Now()),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAccount
		}
		return fmt.Errorf("inserting account: %w", err)
	}

	s.logger.Debug("created account", "address", address)
	return nil
}

// Authenticate verifies address and password. Unknown addresses and wrong
// passwords both return ErrInvalidCredentials.
func (s *SQLiteStore) Authenticate(ctx context.Context, address, password string) (*Account, error) {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM accounts WHERE address = ?`, address,
	).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_login_at = ? WHERE address = ?`,
		formatTime(time.Now()), address,
	); err != nil {
		s.logger.Warn("failed to record login time", "address", address, "error", err)
	}

	return s.GetAccount(ctx, address)
}

// GetAccount retrieves an account by address.
func (s *SQLiteStore) GetAccount(ctx context.Context, address string) (*Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT address, created_at, last_login_at FROM accounts WHERE address = ?`, address,
	)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// ListAccounts returns every account ordered by address.
func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, created_at, last_login_at FROM accounts ORDER BY address`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating accounts: %w", err)
	}
	return accounts, nil
}

// DeleteAccount removes an account.
func (s *SQLiteStore) DeleteAccount(ctx context.Context, address string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE address = ?`, address)
	if err != nil {
		return fmt.Errorf("deleting account: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	s.logger.Debug("deleted account", "address", address)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var acct Account
	var createdAtStr string
	var lastLoginStr sql.NullString

	if err := row.Scan(&acct.Address, &createdAtStr, &lastLoginStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning account: %w", err)
	}

	var err error
	acct.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if lastLoginStr.Valid {
		t, err := parseTime(lastLoginStr.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_login_at: %w", err)
		}
		acct.LastLoginAt = &t
	}
	return &acct, nil
}
