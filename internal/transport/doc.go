// Package transport defines the Transport Adapter contract used by the
// agent loop.
//
// # Contract
//
//	Send(ctx, env)          fire-and-forget hand-off to env.To
//	Receive(ctx, timeout)   at most one envelope, nil on timeout
//	Close()                 release the connection
//
// Receive returning (nil, nil) is the normal "nothing arrived" result; a
// timeout is never reported as an error.
//
// # Errors
//
// ErrConnectionLost, ErrAuthenticationFailed and ErrUnreachable are fatal:
// the loop stops and the lifecycle controller surfaces the error. Use
// IsFatal to classify. Any other error returned by Send is treated as a
// failed delivery attempt and does not stop the loop.
//
// # Implementations
//
//   - transport/memory: in-process hub, for tests and single-process demos
//   - transport/relay: WebSocket session against an a2a-relay server
//   - transport/matrix: Matrix homeserver via mautrix
package transport
