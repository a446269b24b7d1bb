// Package loop implements the cyclic communication loop that drives an A2A
// agent.
//
// # Cycle
//
// Each cycle runs, in order:
//
//  1. Receive one envelope, waiting at most ReceiveTimeout.
//  2. If one arrived, send a RESPONSE to its sender (the reaction).
//  3. Send a GREETING to the configured peer (the heartbeat), always.
//  4. Idle for CyclePeriod.
//
// The heartbeat never depends on inbound traffic, so the peer learns the
// agent is alive even when nothing is being said to it.
//
// # Stopping
//
// Run returns nil when its context is cancelled. Cancellation is observed
// at the top of every cycle and by both suspension points (receive and
// idle). Sends use a context detached from cancellation and bounded by
// SendTimeout, so a stop never abandons a cycle between its two sends.
//
// A fatal transport error (see transport.IsFatal) from receive or from
// either send ends Run immediately with that error; no further sends are
// attempted. Any other send failure is logged, reported to the Observer as
// a ReactionSendError or HeartbeatSendError, and the cycle continues.
package loop
