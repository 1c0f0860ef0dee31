package events

import (
	"encoding/json"
	"fmt"
)

// Message types exchanged between agent and collector.
const (
	MessageRegister  = "register_agent"
	MessageLogUpdate = "log_update"
)

// DefaultMaxMessageBytes is the largest frame an agent sends and the
// collector reads unless configured otherwise.
const DefaultMaxMessageBytes = 1 << 20

// framing is {"type":"","data":} plus the newline the JSON encoder appends.
const framing = len(`{"type":"","data":}`) + 1

// Envelope frames every message on the agent connection.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals payload under the given message type.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s: %w", msgType, err)
	}
	return Envelope{Type: msgType, Data: data}, nil
}

// Size is the number of bytes the envelope occupies on the wire.
func (e Envelope) Size() int {
	return framing + len(e.Type) + len(e.Data)
}
