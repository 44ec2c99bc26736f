package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ---------------------------------------------------------------------------
// Engine.IO (v4): the outer framing, one packet per WebSocket text frame.
// ---------------------------------------------------------------------------

// EngineType is the single-character Engine.IO packet type.
type EngineType byte

const (
	EngineOpen    EngineType = '0'
	EngineClose   EngineType = '1'
	EnginePing    EngineType = '2'
	EnginePong    EngineType = '3'
	EngineMessage EngineType = '4'
	EngineUpgrade EngineType = '5'
	EngineNoop    EngineType = '6'
)

// OpenMsg is the Engine.IO handshake sent by the server right after the
// WebSocket upgrade.
type OpenMsg struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"` // milliseconds
	PingTimeout  int      `json:"pingTimeout"`  // milliseconds
	MaxPayload   int      `json:"maxPayload"`
}

// Liveness is how long the client may go without hearing from the server
// before it considers the connection lost.
func (m OpenMsg) Liveness() time.Duration {
	return time.Duration(m.PingInterval+m.PingTimeout) * time.Millisecond
}

// DecodeFrame splits a WebSocket text frame into its Engine.IO type and body.
func DecodeFrame(frame []byte) (EngineType, []byte, error) {
	if len(frame) == 0 {
		return 0, nil, fmt.Errorf("protocol: empty engine.io frame")
	}
	t := EngineType(frame[0])
	if t < EngineOpen || t > EngineNoop {
		return 0, nil, fmt.Errorf("protocol: unknown engine.io packet type %q", frame[0])
	}
	return t, frame[1:], nil
}

// ParseOpen decodes the body of an Engine.IO open packet.
func ParseOpen(body []byte) (OpenMsg, error) {
	var m OpenMsg
	if err := json.Unmarshal(body, &m); err != nil {
		return OpenMsg{}, fmt.Errorf("protocol: failed to decode open packet: %w", err)
	}
	if m.SID == "" {
		return OpenMsg{}, fmt.Errorf("protocol: open packet without sid")
	}
	return m, nil
}

// EncodePong returns the Engine.IO pong answering a server ping.
func EncodePong(body []byte) []byte {
	return append([]byte{byte(EnginePong)}, body...)
}

// ---------------------------------------------------------------------------
// Socket.IO (v5 protocol): carried inside Engine.IO message packets.
//
//	<type>[<attachments>-][<namespace>,][<ack id>][<json>]
// ---------------------------------------------------------------------------

// PacketType is the Socket.IO packet type.
type PacketType byte

const (
	PacketConnect      PacketType = '0'
	PacketDisconnect   PacketType = '1'
	PacketEvent        PacketType = '2'
	PacketAck          PacketType = '3'
	PacketConnectError PacketType = '4'
	PacketBinaryEvent  PacketType = '5'
	PacketBinaryAck    PacketType = '6'
)

// DefaultNamespace is the main Socket.IO namespace.
const DefaultNamespace = "/"

// Packet is a decoded Socket.IO packet.
type Packet struct {
	Type      PacketType
	Namespace string
	AckID     int // -1 when the packet carries no ack id
	Data      json.RawMessage
}

// DecodePacket parses the body of an Engine.IO message packet.
func DecodePacket(body []byte) (Packet, error) {
	if len(body) == 0 {
		return Packet{}, fmt.Errorf("protocol: empty socket.io packet")
	}
	p := Packet{
		Type:      PacketType(body[0]),
		Namespace: DefaultNamespace,
		AckID:     -1,
	}
	if p.Type < PacketConnect || p.Type > PacketBinaryAck {
		return Packet{}, fmt.Errorf("protocol: unknown socket.io packet type %q", body[0])
	}
	rest := body[1:]

	if p.Type == PacketBinaryEvent || p.Type == PacketBinaryAck {
		i := bytes.IndexByte(rest, '-')
		if i < 0 {
			return Packet{}, fmt.Errorf("protocol: binary packet without attachment count")
		}
		rest = rest[i+1:]
	}

	if len(rest) > 0 && rest[0] == '/' {
		i := bytes.IndexByte(rest, ',')
		if i < 0 {
			p.Namespace = string(rest)
			rest = nil
		} else {
			p.Namespace = string(rest[:i])
			rest = rest[i+1:]
		}
	}

	n := 0
	for n < len(rest) && rest[n] >= '0' && rest[n] <= '9' {
		n++
	}
	if n > 0 {
		id, err := strconv.Atoi(string(rest[:n]))
		if err != nil {
			return Packet{}, fmt.Errorf("protocol: bad ack id: %w", err)
		}
		p.AckID = id
		rest = rest[n:]
	}

	if len(rest) > 0 {
		if !json.Valid(rest) {
			return Packet{}, fmt.Errorf("protocol: invalid json in %q packet", byte(p.Type))
		}
		p.Data = json.RawMessage(rest)
	}
	return p, nil
}

// Event splits an EVENT packet into its name and the first argument. Events
// without arguments yield a nil payload.
func (p Packet) Event() (string, json.RawMessage, error) {
	if p.Type != PacketEvent {
		return "", nil, fmt.Errorf("protocol: packet type %q is not an event", byte(p.Type))
	}
	var args []json.RawMessage
	if err := json.Unmarshal(p.Data, &args); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to decode event arguments: %w", err)
	}
	if len(args) == 0 {
		return "", nil, fmt.Errorf("protocol: event packet without a name")
	}
	var name string
	if err := json.Unmarshal(args[0], &name); err != nil {
		return "", nil, fmt.Errorf("protocol: event name is not a string: %w", err)
	}
	if len(args) < 2 {
		return name, nil, nil
	}
	return name, args[1], nil
}

// ConnectError extracts the reason from a CONNECT_ERROR packet. Older servers
// send a bare string instead of an object.
func (p Packet) ConnectError() string {
	var msg ConnectErrorMsg
	if err := json.Unmarshal(p.Data, &msg); err == nil && msg.Message != "" {
		return msg.Message
	}
	var s string
	if err := json.Unmarshal(p.Data, &s); err == nil {
		return s
	}
	return string(p.Data)
}

// EncodeConnect builds the Engine.IO message carrying a Socket.IO CONNECT for
// namespace. auth may be nil.
func EncodeConnect(namespace string, auth any) ([]byte, error) {
	return encode(PacketConnect, namespace, auth)
}

// EncodeDisconnect builds the Engine.IO message carrying a Socket.IO
// DISCONNECT for namespace.
func EncodeDisconnect(namespace string) []byte {
	out, _ := encode(PacketDisconnect, namespace, nil)
	return out
}

// EncodeEvent builds the Engine.IO message carrying a Socket.IO EVENT with the
// given name and arguments.
func EncodeEvent(namespace, name string, args ...any) ([]byte, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)
	return encode(PacketEvent, namespace, payload)
}

func encode(t PacketType, namespace string, data any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(EngineMessage))
	buf.WriteByte(byte(t))
	if namespace != "" && namespace != DefaultNamespace {
		buf.WriteString(namespace)
		buf.WriteByte(',')
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
		}
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}
