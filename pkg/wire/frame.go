// Package wire defines the frame envelope exchanged with connected clients.
//
// A frame is a typed JSON object carried over the realtime connection in
// both directions. The type vocabulary is closed and versioned; unknown
// types are ignored by receivers, never fatal.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Frame type vocabulary.
const (
	TypeChatSend    = "chat-send"
	TypeChatDelta   = "chat-stream-delta"
	TypeChatDone    = "chat-done"
	TypeChatError   = "chat-error"
	TypeToolUse     = "tool-use"
	TypeToolResult  = "tool-result"
	TypeSessionList = "session-list"
	TypeSessionData = "session-data"
	TypeAgentList   = "agent-list"
	TypeAgentData   = "agent-data"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeStatus      = "status"
)

// knownTypes is the closed set of frame types this protocol version speaks.
var knownTypes = map[string]bool{
	TypeChatSend:    true,
	TypeChatDelta:   true,
	TypeChatDone:    true,
	TypeChatError:   true,
	TypeToolUse:     true,
	TypeToolResult:  true,
	TypeSessionList: true,
	TypeSessionData: true,
	TypeAgentList:   true,
	TypeAgentData:   true,
	TypePing:        true,
	TypePong:        true,
	TypeStatus:      true,
}

// ErrBadType is returned when a payload's type field is missing or not a string.
var ErrBadType = errors.New("frame type missing or not a string")

// Frame is a single typed envelope. Immutable once sent.
type Frame struct {
	Type  string         `json:"type"`
	ID    string         `json:"id,omitempty"`
	Data  map[string]any `json:"data,omitempty"`
	Error string         `json:"error,omitempty"`
}

// KnownType reports whether t belongs to the protocol vocabulary.
func KnownType(t string) bool { return knownTypes[t] }

// Encode marshals a frame for the wire.
func Encode(f Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame %q: %w", f.Type, err)
	}
	return b, nil
}

// Decode parses a raw payload into a Frame. It rejects payloads whose type
// field is absent or not a JSON string before any dispatch happens; callers
// drop such frames without touching connection state.
func Decode(raw []byte) (Frame, error) {
	var head struct {
		Type json.RawMessage `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if len(head.Type) == 0 || head.Type[0] != '"' {
		return Frame{}, ErrBadType
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, ErrBadType
	}
	return f, nil
}
