package transport

import (
	"context"
	"encoding/json"

	"github.com/calyptra/driftsync/internal/syncerrors"
)

// Envelope frames one protocol message on the wire: a type tag and the
// message body encoded as JSON.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes a message body into an envelope.
func NewEnvelope(msgType string, body interface{}) (Envelope, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, syncerrors.Internal("failed to encode message", err)
	}
	return Envelope{Type: msgType, Payload: payload}, nil
}

// Decode unmarshals the envelope body into the given message struct.
func (e Envelope) Decode(body interface{}) error {
	if err := json.Unmarshal(e.Payload, body); err != nil {
		return syncerrors.TransportFailure("failed to decode "+e.Type+" message", err)
	}
	return nil
}

// Channel is an ordered, bidirectional message stream between two nodes.
// Implementations must allow Send and Receive to run concurrently from
// different goroutines; neither is safe for concurrent use with itself.
type Channel interface {
	Send(ctx context.Context, env Envelope) error
	Receive(ctx context.Context) (Envelope, error)
	Close() error
}
