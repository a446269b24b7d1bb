// Package auth provides session authentication for the coven-a2a relay.
//
// Agents log in with an address and password (checked by store.Accounts) and
// receive an HS256 JWT whose "sub" claim is their address. The token is then
// presented as "Authorization: Bearer <token>" when opening the relay
// WebSocket. HTTPAuthMiddleware verifies it, confirms the account still
// exists, and attaches an AuthContext that handlers read with FromContext.
//
// Signing secrets shorter than MinSecretLength bytes are rejected.
package auth
