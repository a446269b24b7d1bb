// Package envelope defines the unit of data exchanged between A2A peers.
//
// # Overview
//
// An Envelope carries an addressed, protocol-tagged body. The body is a
// closed variant:
//
//	Greeting{Message, Timestamp}             // periodic heartbeat
//	Response{InReplyTo, Message, Timestamp}  // reaction to an inbound envelope
//
// The envelope's Kind is always derived from its body, so the two can never
// disagree.
//
// # Wire Format
//
// Transports serialize envelopes as JSON:
//
//	{
//	  "id": "5f0c…",
//	  "to": "agent2@relay.local",
//	  "from": "agent1@relay.local",
//	  "body": {"message": "Hello from agent1!", "timestamp": "2026-10-19T10:00:00Z"},
//	  "metadata": {"protocol": "a2a", "type": "greeting"}
//	}
//
// A response body uses "response" instead of "message" and adds
// "in_reply_to". Decoding is lenient towards older peers: the body may be a
// JSON string holding a JSON object, the message may be sent flat with a
// top-level "type", and a body that is not JSON at all is read as a
// greeting whose message is the raw text.
package envelope
