// ABOUTME: Envelope, Address, Kind and the typed Greeting/Response body variant.
// ABOUTME: Constructors stamp a fresh uuid and the a2a protocol tag.

package envelope

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolA2A is the protocol tag carried by every envelope this module sends.
const ProtocolA2A = "a2a"

// Address identifies a peer. It is resolved by the transport and treated
// as an opaque value everywhere else.
type Address string

func (a Address) String() string { return string(a) }

// Kind tells the receiver how to handle an envelope.
type Kind int

const (
	KindGreeting Kind = iota + 1
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindGreeting:
		return "greeting"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ParseKind converts the wire name of a kind back into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "greeting":
		return KindGreeting, nil
	case "response":
		return KindResponse, nil
	default:
		return 0, fmt.Errorf("unknown envelope kind %q", s)
	}
}

// Body is implemented by Greeting and Response only.
type Body interface {
	Kind() Kind
	// Text is the human-readable content of the body.
	Text() string
	// Time is when the sender built the body.
	Time() time.Time

	isBody()
}

// Greeting is the heartbeat body.
type Greeting struct {
	Message   string
	Timestamp time.Time
}

func (Greeting) Kind() Kind        { return KindGreeting }
func (g Greeting) Text() string    { return g.Message }
func (g Greeting) Time() time.Time { return g.Timestamp }
func (Greeting) isBody()           {}

// Response is the body sent in reaction to an inbound envelope.
type Response struct {
	InReplyTo string
	Message   string
	Timestamp time.Time
}

func (Response) Kind() Kind        { return KindResponse }
func (r Response) Text() string    { return r.Message }
func (r Response) Time() time.Time { return r.Timestamp }
func (Response) isBody()           {}

// Envelope is an addressed, tagged message.
type Envelope struct {
	ID       string
	To       Address
	From     Address
	Protocol string
	Body     Body
}

// Kind returns the kind of the envelope's body, or 0 if it has none.
func (e *Envelope) Kind() Kind {
	if e == nil || e.Body == nil {
		return 0
	}
	return e.Body.Kind()
}

// Text returns the body's text, or "" if there is no body.
func (e *Envelope) Text() string {
	if e == nil || e.Body == nil {
		return ""
	}
	return e.Body.Text()
}

// NewID returns a fresh envelope ID.
func NewID() string { return uuid.NewString() }

// NewGreeting builds a greeting envelope addressed to to.
func NewGreeting(to Address, message string, at time.Time) *Envelope {
	return &Envelope{
		ID:       NewID(),
		To:       to,
		Protocol: ProtocolA2A,
		Body:     Greeting{Message: message, Timestamp: at},
	}
}

// NewResponse builds a response envelope addressed to to, replying to the
// envelope with ID inReplyTo.
func NewResponse(to Address, inReplyTo, message string, at time.Time) *Envelope {
	return &Envelope{
		ID:       NewID(),
		To:       to,
		Protocol: ProtocolA2A,
		Body:     Response{InReplyTo: inReplyTo, Message: message, Timestamp: at},
	}
}
