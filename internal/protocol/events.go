// Package protocol defines the named events exchanged with the assistant
// endpoint and the Engine.IO / Socket.IO v4 framing used to carry them over a
// WebSocket. Payloads are JSON; each event name is the discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event names
// ---------------------------------------------------------------------------

// Lifecycle events raised by a transport. They carry no payload.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// Client -> Server events.
const (
	EventAIMessage = "ai-message"
)

// Server -> Client events.
const (
	EventAIMessageResponse = "ai-message-response"
	EventTypingIndicator   = "typing-indicator"
)

// InboundEvents lists every event a session subscribes to.
var InboundEvents = []string{
	EventConnect,
	EventDisconnect,
	EventConnectError,
	EventAIMessageResponse,
	EventTypingIndicator,
}

// IsLifecycle reports whether name is one of the transport lifecycle events.
func IsLifecycle(name string) bool {
	switch name {
	case EventConnect, EventDisconnect, EventConnectError:
		return true
	}
	return false
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// ErrMalformedReply is returned by ParseReply when the payload does not carry
// a response string.
var ErrMalformedReply = errors.New("protocol: malformed reply payload")

// ReplyMsg is the ai-message-response payload.
type ReplyMsg struct {
	Response *string `json:"response"`
}

// ParseReply extracts the response text from an ai-message-response payload.
// A payload that is not an object, or whose "response" field is missing, null,
// empty or not a string, is malformed.
func ParseReply(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty", ErrMalformedReply)
	}
	var msg ReplyMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if msg.Response == nil {
		return "", fmt.Errorf("%w: missing \"response\" field", ErrMalformedReply)
	}
	if *msg.Response == "" {
		return "", fmt.Errorf("%w: empty response", ErrMalformedReply)
	}
	return *msg.Response, nil
}

// ConnectErrorMsg is the payload of a Socket.IO CONNECT_ERROR packet.
type ConnectErrorMsg struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// HandshakeMsg is the payload of a Socket.IO CONNECT packet sent by the server.
type HandshakeMsg struct {
	SID string `json:"sid"`
}
