// Package dedupe suppresses envelopes a transport has already delivered.
//
// Transports that can redeliver traffic (a Matrix sync after a reconnect, a
// relay replaying a mailbox) pass each inbound envelope or event ID through a
// Window. The window remembers IDs for a TTL and holds at most a fixed
// number of them, forgetting the oldest first.
package dedupe
