package push

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MarkerKey is the top-level key that identifies a FlowPBX call push. Pushes
// without it belong to another feature.
const MarkerKey = "flowpbx"

// TypeIncomingCall is the only payload type handled.
const TypeIncomingCall = "incoming_call"

var (
	// ErrNotOurs is returned for payloads without the marker key.
	ErrNotOurs = errors.New("push: payload is not a flowpbx call")

	// ErrUnresolvable is returned when a push cannot be resolved to a call.
	ErrUnresolvable = errors.New("push: call could not be resolved")
)

// Payload is the call reference carried under MarkerKey. It matches what the
// FlowPBX push gateway sends in APNs VoIP and FCM data messages.
type Payload struct {
	Type     string `json:"type"`
	CallID   string `json:"call_id"`
	CallerID string `json:"caller_id"`
}

// Decode extracts the call reference from a raw push payload. It returns
// ErrNotOurs when the marker key is absent.
func Decode(raw []byte) (Payload, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		// An undecodable body cannot be ours.
		return Payload{}, ErrNotOurs
	}
	body, ok := envelope[MarkerKey]
	if !ok {
		return Payload{}, ErrNotOurs
	}

	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: decoding %s: %w", ErrUnresolvable, MarkerKey, err)
	}
	if p.Type != "" && p.Type != TypeIncomingCall {
		return p, fmt.Errorf("%w: unsupported type %q", ErrUnresolvable, p.Type)
	}
	if p.CallID == "" {
		return p, fmt.Errorf("%w: missing call_id", ErrUnresolvable)
	}
	return p, nil
}
