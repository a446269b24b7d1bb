// Package store provides persistence for relay accounts and the envelope
// journal using SQLite.
//
// # Architecture
//
// Two narrow interfaces describe what callers need:
//
//   - Accounts: relay login accounts with bcrypt password hashes
//   - Journal: an append-only record of envelopes an agent sent or received
//
// SQLiteStore implements both in a single struct; MockStore is an in-memory
// implementation for tests that do not want a database file.
//
// # Journal
//
// JournalObserver adapts a Journal to the loop observer callbacks so every
// envelope handled by an agent loop is written without the loop knowing about
// storage. Write failures are logged and never interrupt the loop.
//
// # Errors
//
//   - ErrNotFound: the requested account does not exist
//   - ErrDuplicateAccount: an account with that address already exists
//   - ErrInvalidCredentials: unknown address or wrong password
package store
