// ABOUTME: JSON wire codec for envelopes, shared by the relay and Matrix transports.
// ABOUTME: Decoding tolerates string-encoded bodies, flat legacy messages, and plain text.

package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is returned when a frame cannot be decoded as an envelope.
var ErrMalformed = errors.New("malformed envelope")

// legacyTimeLayout is the timestamp format some older peers emit
// (date and time separated by a space, no zone).
const legacyTimeLayout = "2006-01-02 15:04:05.999999"

type wireEnvelope struct {
	ID       string          `json:"id,omitempty"`
	To       string          `json:"to"`
	From     string          `json:"from,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
	Metadata *wireMetadata   `json:"metadata,omitempty"`

	// Flat form: {"type": "...", "message": "...", "timestamp": "..."}
	Type      string `json:"type,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

type wireMetadata struct {
	Protocol string `json:"protocol"`
	Type     string `json:"type"`
}

type wireBody struct {
	Message   string `json:"message,omitempty"`
	Response  string `json:"response,omitempty"`
	InReplyTo string `json:"in_reply_to,omitempty"`
	Timestamp string `json:"timestamp"`
}

// Marshal encodes an envelope in the wire format.
func Marshal(e *Envelope) ([]byte, error) {
	if e == nil || e.Body == nil {
		return nil, fmt.Errorf("%w: missing body", ErrMalformed)
	}

	var body wireBody
	switch b := e.Body.(type) {
	case Greeting:
		body = wireBody{Message: b.Message, Timestamp: formatTime(b.Timestamp)}
	case Response:
		body = wireBody{Response: b.Message, InReplyTo: b.InReplyTo, Timestamp: formatTime(b.Timestamp)}
	default:
		return nil, fmt.Errorf("%w: unsupported body %T", ErrMalformed, e.Body)
	}

	rawBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding body: %w", err)
	}

	protocol := e.Protocol
	if protocol == "" {
		protocol = ProtocolA2A
	}

	return json.Marshal(wireEnvelope{
		ID:       e.ID,
		To:       string(e.To),
		From:     string(e.From),
		Body:     rawBody,
		Metadata: &wireMetadata{Protocol: protocol, Type: e.Body.Kind().String()},
	})
}

// Unmarshal decodes a wire frame into an envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	env := &Envelope{
		ID:       w.ID,
		To:       Address(w.To),
		From:     Address(w.From),
		Protocol: ProtocolA2A,
	}

	kindName := w.Type
	if w.Metadata != nil {
		if w.Metadata.Protocol != "" {
			env.Protocol = w.Metadata.Protocol
		}
		if w.Metadata.Type != "" {
			kindName = w.Metadata.Type
		}
	}

	kind := KindGreeting
	if kindName != "" {
		k, err := ParseKind(kindName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		kind = k
	}

	body := decodeBody(w)
	switch kind {
	case KindResponse:
		text := body.Response
		if text == "" {
			text = body.Message
		}
		env.Body = Response{InReplyTo: body.InReplyTo, Message: text, Timestamp: parseTime(body.Timestamp)}
	default:
		env.Body = Greeting{Message: body.Message, Timestamp: parseTime(body.Timestamp)}
	}

	return env, nil
}

// MarshalJSON implements json.Marshaler using the wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return Marshal(&e)
}

// UnmarshalJSON implements json.Unmarshaler using the wire format.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	decoded, err := Unmarshal(data)
	if err != nil {
		return err
	}
	*e = *decoded
	return nil
}

// decodeBody normalizes the body forms peers are known to send.
func decodeBody(w wireEnvelope) wireBody {
	raw := bytes.TrimSpace(w.Body)
	if len(raw) == 0 {
		return wireBody{Message: w.Message, Timestamp: w.Timestamp}
	}

	// A JSON string body may itself hold a JSON object.
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return wireBody{Message: string(raw)}
		}
		var inner wireBody
		if err := json.Unmarshal([]byte(s), &inner); err == nil && (inner.Message != "" || inner.Response != "") {
			return inner
		}
		return wireBody{Message: s, Timestamp: w.Timestamp}
	}

	var body wireBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return wireBody{Message: string(raw), Timestamp: w.Timestamp}
	}
	return body
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime accepts RFC 3339 and the legacy layout; anything else is the
// zero time rather than an error.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse(legacyTimeLayout, s); err == nil {
		return t
	}
	return time.Time{}
}
