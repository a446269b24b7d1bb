// ABOUTME: Non-fatal send failures reported by the loop.

package loop

import (
	"errors"
	"fmt"

	"github.com/2389/coven-a2a/internal/envelope"
)

// ErrNoSender is reported when an inbound envelope carries no From address,
// so no response can be addressed.
var ErrNoSender = errors.New("inbound envelope has no sender")

// ReactionSendError records a failed RESPONSE send. It does not stop the loop.
type ReactionSendError struct {
	To  envelope.Address
	Err error
}

func (e *ReactionSendError) Error() string {
	return fmt.Sprintf("sending response to %s: %v", e.To, e.Err)
}

func (e *ReactionSendError) Unwrap() error { return e.Err }

// HeartbeatSendError records a failed GREETING send. It does not stop the loop.
type HeartbeatSendError struct {
	To  envelope.Address
	Err error
}

func (e *HeartbeatSendError) Error() string {
	return fmt.Sprintf("sending greeting to %s: %v", e.To, e.Err)
}

func (e *HeartbeatSendError) Unwrap() error { return e.Err }
