// Package transport provides the persistent, reconnecting event channel a chat
// session talks through. Three implementations share one contract: Socket.IO
// over WebSocket (gobwas/ws), NATS subjects, and Redis pub/sub channels.
// Lifecycle changes are reported as the connect, disconnect and connect_error
// events; recovery is the transport's own bounded, fixed-delay retry.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by Emit and Open after Close.
	ErrClosed = errors.New("transport: closed")

	// ErrNotConnected is returned by Emit once reconnection has been given up.
	ErrNotConnected = errors.New("transport: not connected")

	// ErrBufferFull is returned by Emit when too many events are queued while
	// disconnected.
	ErrBufferFull = errors.New("transport: send buffer full")
)

// Direction tokens in NATS subjects and Redis channels: client marks events
// this client emits, server marks events addressed to it.
const (
	clientToken = "client"
	serverToken = "server"
)

// Listener receives the payload of an inbound event. Lifecycle events carry a
// nil payload. Listeners run on the transport's reader goroutine.
type Listener func(data json.RawMessage)

// Transport is a bidirectional named-event channel to a single endpoint.
type Transport interface {
	// On registers fn for the named event. Register before Open.
	On(event string, fn Listener)

	// Open starts connecting in the background and returns immediately.
	// The returned error covers only configuration problems.
	Open(ctx context.Context) error

	// Emit sends an outbound event. A nil error means the event was handed to
	// the connection or queued for it, not that the peer received it.
	Emit(event string, data any) error

	// Close releases the connection and drops all listeners. It is safe to
	// call multiple times.
	Close() error
}

// Config holds the connection parameters shared by every transport.
type Config struct {
	Endpoint             string        // e.g. http://localhost:3000, nats://..., redis://...
	ReconnectionAttempts int           // retries after the first failed attempt
	ReconnectionDelay    time.Duration // fixed wait between attempts
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	MaxPending           int    // events queued while disconnected (socket.io)
	Path                 string // socket.io handshake path
	Namespace            string // socket.io namespace
	ClientID             string // addressing token for nats and redis
	SubjectPrefix        string // nats subject / redis channel prefix
}

// DefaultConfig returns the connection settings the chat client ships with.
func DefaultConfig() Config {
	return Config{
		Endpoint:             "http://localhost:3000",
		ReconnectionAttempts: 5,
		ReconnectionDelay:    1000 * time.Millisecond,
		DialTimeout:          20 * time.Second,
		WriteTimeout:         10 * time.Second,
		MaxPending:           100,
		Path:                 "/socket.io/",
		Namespace:            "/",
		SubjectPrefix:        "assistant",
	}
}

// New picks a transport implementation from the endpoint scheme.
func New(cfg Config, logger zerolog.Logger) (Transport, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
		return NewSocketIO(cfg, logger)
	case "nats", "tls":
		return NewNATS(cfg, logger)
	case "redis", "rediss":
		return NewRedis(cfg, logger)
	default:
		return nil, fmt.Errorf("transport: unsupported endpoint scheme %q", u.Scheme)
	}
}

// listeners is the per-transport event registry.
type listeners struct {
	mu      sync.RWMutex
	byEvent map[string][]Listener
}

func (l *listeners) On(event string, fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.byEvent == nil {
		l.byEvent = make(map[string][]Listener)
	}
	l.byEvent[event] = append(l.byEvent[event], fn)
}

// fire invokes every listener for event outside the lock.
func (l *listeners) fire(event string, data json.RawMessage) {
	l.mu.RLock()
	fns := l.byEvent[event]
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (l *listeners) has(event string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byEvent[event]) > 0
}

func (l *listeners) clear() {
	l.mu.Lock()
	l.byEvent = nil
	l.mu.Unlock()
}
