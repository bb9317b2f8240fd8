package protocol

import "encoding/json"

// ProtocolVersion is bumped whenever a breaking wire change lands; clients
// may use it to decide whether to renegotiate.
const ProtocolVersion = 1

// EventFrame is the wire envelope for every socket message, in both
// directions: {"name": "...", "payload": {...}}.
type EventFrame struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEvent marshals payload into an EventFrame. Marshal failures produce
// a frame with a null payload rather than panicking — callers log instead.
func NewEvent(name string, payload interface{}) *EventFrame {
	raw, err := json.Marshal(payload)
	if err != nil {
		return &EventFrame{Name: name}
	}
	return &EventFrame{Name: name, Payload: raw}
}

// Decode unmarshals the frame's payload into dst.
func (f EventFrame) Decode(dst interface{}) error {
	if len(f.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(f.Payload, dst)
}
