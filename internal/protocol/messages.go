// Package protocol defines the JSON envelopes exchanged over the real-time
// channel. Client-to-server messages carry an "action" discriminator;
// server-to-client events carry a "type" discriminator and a payload
// object.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Client -> server actions.
const (
	ActionSendMessage = "sendMessage"
	ActionTyping      = "typing"
	ActionPing        = "ping"
)

// Server -> client event types.
const (
	EventMessage = "message"
	EventTyping  = "typing"
	EventSystem  = "system"
	EventError   = "error"
	EventPong    = "pong"
)

// SupportedActions is the help text sent back for unrecognized actions.
const SupportedActions = "sendMessage, typing"

// ErrUnknownAction is returned by ParseAction for action labels the server
// does not recognize.
type ErrUnknownAction struct {
	Action string
}

func (e ErrUnknownAction) Error() string {
	return fmt.Sprintf("protocol: unknown action %q", e.Action)
}

// Envelope captures the action discriminator and the raw bytes for
// deferred decoding into a concrete action struct.
type Envelope struct {
	Action string          `json:"action"`
	Raw    json.RawMessage `json:"-"`
}

// UnmarshalJSON keeps the full raw message and extracts only the "action"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Action == "" {
		return fmt.Errorf("protocol: missing or empty \"action\" field")
	}
	e.Action = partial.Action
	return nil
}

// SendMessageAction asks the server to persist and broadcast a chat
// message to the sender's group. Text is a pointer so a missing field is
// distinguishable from an empty string during validation.
type SendMessageAction struct {
	Action string  `json:"action"`
	Text   *string `json:"text"`
}

// TypingAction toggles the sender's typing indicator for the rest of the
// group.
type TypingAction struct {
	Action   string `json:"action"`
	IsTyping *bool  `json:"isTyping"`
}

// PingAction is the client-initiated keepalive.
type PingAction struct {
	Action string `json:"action"`
}

// ParseAction parses raw channel bytes into a typed client action. It
// returns the action label, the decoded struct, and any parse error. An
// ErrUnknownAction is returned for unrecognized labels, with the label
// still reported so the caller can name it in the error event.
func ParseAction(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Action {
	case ActionSendMessage:
		var m SendMessageAction
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionTyping:
		var m TypingAction
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case ActionPing:
		var m PingAction
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Action, nil, ErrUnknownAction{Action: env.Action}
	}

	if err != nil {
		return env.Action, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Action, err)
	}
	return env.Action, msg, nil
}

// Event is the server-to-client envelope.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// MessagePayload carries one chat message.
type MessagePayload struct {
	Group     string `json:"group"`
	Author    string `json:"author"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"` // millisecond epoch
}

// TypingPayload carries a typing-indicator change.
type TypingPayload struct {
	Author   string `json:"author"`
	IsTyping bool   `json:"isTyping"`
}

// TextPayload carries plain display text (system and error events).
type TextPayload struct {
	Text string `json:"text"`
}

// NewEvent encodes a server event envelope.
func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	out, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q event: %w", eventType, err)
	}
	return out, nil
}

// ParseEvent decodes a server event envelope, leaving the payload raw for
// the caller to decode by type.
func ParseEvent(data []byte) (string, json.RawMessage, error) {
	var env struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse event: %w", err)
	}
	if env.Type == "" {
		return "", nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return env.Type, env.Payload, nil
}
