package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

// NATS carries session events over NATS subjects. Reconnection is delegated
// to nats.go with MaxReconnects and ReconnectWait taken from Config.
type NATS struct {
	listeners

	cfg Config
	log zerolog.Logger

	mu        sync.Mutex
	conn      *nats.Conn
	sub       *nats.Subscription
	stop      func() bool
	connected atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewNATS creates a NATS transport. A ClientID is generated when cfg leaves it
// empty.
func NewNATS(cfg Config, logger zerolog.Logger) (*NATS, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}
	if strings.ContainsAny(cfg.ClientID, ".*> ") {
		return nil, fmt.Errorf("transport: client id %q is not a valid subject token", cfg.ClientID)
	}
	return &NATS{
		cfg: cfg,
		log: logger.With().Str("transport", "nats").Str("client_id", cfg.ClientID).Logger(),
	}, nil
}

func (t *NATS) subject(direction, event string) string {
	return t.cfg.SubjectPrefix + "." + t.cfg.ClientID + "." + direction + "." + event
}

// Open connects with RetryOnFailedConnect so that a server that is down at
// start is retried like any later outage.
func (t *NATS) Open(ctx context.Context) error {
	if t.closed.Load() {
		return ErrClosed
	}

	opts := []nats.Option{
		nats.Name("whisper-chat-client"),
		nats.MaxReconnects(t.cfg.ReconnectionAttempts),
		nats.ReconnectWait(t.cfg.ReconnectionDelay),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			t.markConnected(nc)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if t.closed.Load() {
				return
			}
			if t.connected.CompareAndSwap(true, false) {
				metrics.Disconnects.Inc()
				if err != nil {
					t.log.Warn().Err(err).Msg("[nats] disconnected")
				} else {
					t.log.Warn().Msg("[nats] disconnected")
				}
				t.fire(protocol.EventDisconnect, nil)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			t.markConnected(nc)
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if !t.closed.Load() {
				t.log.Error().Int("attempts", t.cfg.ReconnectionAttempts).Msg("[nats] giving up reconnecting")
			}
		}),
	}
	if t.cfg.DialTimeout > 0 {
		opts = append(opts, nats.Timeout(t.cfg.DialTimeout))
	}

	nc, err := nats.Connect(t.cfg.Endpoint, opts...)
	if err != nil {
		return fmt.Errorf("transport: nats connect: %w", err)
	}

	sub, err := nc.Subscribe(t.subject(serverToken, "*"), t.handle)
	if err != nil {
		nc.Close()
		return fmt.Errorf("transport: nats subscribe: %w", err)
	}

	t.mu.Lock()
	t.conn = nc
	t.sub = sub
	t.mu.Unlock()

	if nc.IsConnected() {
		t.markConnected(nc)
	} else {
		metrics.ConnectAttempts.WithLabelValues("failed").Inc()
		t.log.Warn().Str("url", t.cfg.Endpoint).Msg("[nats] initial connect failed, retrying in background")
		t.fire(protocol.EventConnectError, nil)
	}

	stop := context.AfterFunc(ctx, func() { t.Close() })
	t.mu.Lock()
	t.stop = stop
	t.mu.Unlock()
	return nil
}

func (t *NATS) markConnected(nc *nats.Conn) {
	if t.closed.Load() {
		return
	}
	if t.connected.CompareAndSwap(false, true) {
		metrics.ConnectAttempts.WithLabelValues("succeeded").Inc()
		t.log.Info().Str("url", nc.ConnectedUrl()).Msg("[nats] connected")
		t.fire(protocol.EventConnect, nil)
	}
}

// handle dispatches an inbound message by the last subject token.
func (t *NATS) handle(msg *nats.Msg) {
	if t.closed.Load() {
		return
	}
	event := msg.Subject[strings.LastIndexByte(msg.Subject, '.')+1:]
	if protocol.IsLifecycle(event) {
		t.log.Warn().Str("event", event).Msg("[nats] reserved event name on inbound subject")
		return
	}
	var payload json.RawMessage
	if len(msg.Data) > 0 {
		payload = json.RawMessage(msg.Data)
	}
	t.fire(event, payload)
}

// Emit publishes the JSON-encoded data. nats.go buffers publishes while it is
// reconnecting.
func (t *NATS) Emit(event string, data any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	nc := t.conn
	t.mu.Unlock()
	if nc == nil {
		return ErrNotConnected
	}
	if nc.IsClosed() {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", event, err)
	}
	if err := nc.Publish(t.subject(clientToken, event), raw); err != nil {
		return fmt.Errorf("transport: nats publish %s: %w", event, err)
	}
	return nil
}

// Close unsubscribes and closes the connection.
func (t *NATS) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.listeners.clear()

		t.mu.Lock()
		sub, nc, stop := t.sub, t.conn, t.stop
		t.sub, t.conn = nil, nil
		t.mu.Unlock()

		if stop != nil {
			stop()
		}
		if sub != nil {
			if err := sub.Unsubscribe(); err != nil {
				t.log.Debug().Err(err).Msg("[nats] unsubscribe")
			}
		}
		if nc != nil {
			nc.Close()
		}
		t.log.Debug().Msg("[nats] client closed")
	})
	return nil
}
