package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

// errServerDisconnect marks a DISCONNECT packet from the server. Socket.IO
// clients do not reconnect after it.
var errServerDisconnect = errors.New("transport: server disconnect")

// wsConn reads through the handshake's buffered reader when the dialer left
// bytes in it.
type wsConn struct {
	net.Conn
	r io.Reader
}

func (c *wsConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// SocketIO is a Socket.IO v4 client over a single WebSocket. Events emitted
// while disconnected are queued and flushed, in order, on the next connect.
type SocketIO struct {
	listeners

	cfg Config
	url string
	log zerolog.Logger

	mu        sync.Mutex // guards the fields below and serializes writes
	conn      *wsConn
	open      protocol.OpenMsg
	connected bool
	gaveUp    bool
	closed    bool
	pending   [][]byte

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSocketIO creates a Socket.IO transport for cfg.Endpoint. Nothing is
// dialed until Open.
func NewSocketIO(cfg Config, logger zerolog.Logger) (*SocketIO, error) {
	u, err := handshakeURL(cfg)
	if err != nil {
		return nil, err
	}
	return &SocketIO{
		cfg: cfg,
		url: u,
		log: logger.With().Str("transport", "socketio").Logger(),
	}, nil
}

// handshakeURL maps the endpoint onto the Engine.IO WebSocket URL.
func handshakeURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("transport: parse endpoint: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("transport: socket.io endpoint must be http(s) or ws(s), got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("transport: endpoint %q has no host", cfg.Endpoint)
	}
	path := cfg.Path
	if path == "" {
		path = "/socket.io/"
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	u.Path = path
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts the connect/read/reconnect loop.
func (t *SocketIO) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if t.ctx != nil {
		return fmt.Errorf("transport: already open")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.run()
	return nil
}

// Emit encodes the event and writes it, or queues it while disconnected.
func (t *SocketIO) Emit(event string, data any) error {
	frame, err := protocol.EncodeEvent(t.cfg.Namespace, event, data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case t.closed:
		return ErrClosed
	case t.gaveUp:
		return ErrNotConnected
	case !t.connected:
		if t.cfg.MaxPending > 0 && len(t.pending) >= t.cfg.MaxPending {
			return ErrBufferFull
		}
		t.pending = append(t.pending, frame)
		return nil
	}
	return t.writeLocked(frame)
}

// Close sends a DISCONNECT when connected, closes the socket and waits for the
// reader goroutine to exit.
func (t *SocketIO) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		if t.cancel != nil {
			t.cancel()
		}
		if t.conn != nil {
			if t.connected {
				_ = t.writeLocked(protocol.EncodeDisconnect(t.cfg.Namespace))
			}
			err = t.conn.Close()
		}
		t.connected = false
		t.pending = nil
		t.mu.Unlock()

		t.listeners.clear()
		t.wg.Wait()
		t.log.Debug().Msg("[socketio] closed")
	})
	return err
}

func (t *SocketIO) writeLocked(frame []byte) error {
	if t.cfg.WriteTimeout > 0 {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	}
	if err := wsutil.WriteClientText(t.conn, frame); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *SocketIO) write(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotConnected
	}
	return t.writeLocked(frame)
}

// run dials, reads until the socket drops, and reconnects within the retry
// budget. The first connection gets one extra try on top of
// ReconnectionAttempts; every reconnection starts after ReconnectionDelay.
func (t *SocketIO) run() {
	defer t.wg.Done()

	tries := t.cfg.ReconnectionAttempts + 1
	for {
		err := retry(t.ctx, tries, t.cfg.ReconnectionDelay, t.dial, func(attempt int, err error) {
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("[socketio] connect failed")
			t.fire(protocol.EventConnectError, nil)
		})
		if err != nil {
			if t.ctx.Err() == nil {
				t.log.Error().Err(err).Int("attempts", tries).Msg("[socketio] giving up reconnecting")
				t.giveUp()
			}
			return
		}

		conn, open := t.current()
		err = t.readLoop(conn, open)
		t.drop(conn)
		if t.ctx.Err() != nil {
			return
		}

		metrics.Disconnects.Inc()
		t.log.Warn().Err(err).Msg("[socketio] disconnected")
		t.fire(protocol.EventDisconnect, nil)

		if errors.Is(err, errServerDisconnect) {
			t.giveUp()
			return
		}
		if !sleep(t.ctx, t.cfg.ReconnectionDelay) {
			return
		}
		tries = t.cfg.ReconnectionAttempts
		if tries < 1 {
			t.giveUp()
			return
		}
	}
}

// dial performs the WebSocket upgrade and the Engine.IO / Socket.IO
// handshakes. On success the connection is installed, queued events are
// flushed and connect fires.
func (t *SocketIO) dial() error {
	timeout := t.cfg.DialTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().DialTimeout
	}
	ctx, cancel := context.WithTimeout(t.ctx, timeout)
	defer cancel()

	raw, br, _, err := ws.Dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", t.url, err)
	}
	// Close aborts a handshake still waiting on the server.
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := &wsConn{Conn: raw, r: raw}
	if br != nil {
		conn.r = br
	}

	open, err := t.handshake(conn)
	if err != nil {
		raw.Close()
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		raw.Close()
		return ErrClosed
	}
	t.conn = conn
	t.open = open
	pending := t.pending
	t.pending = nil
	for i, frame := range pending {
		if err := t.writeLocked(frame); err != nil {
			t.log.Warn().Err(err).Int("dropped", len(pending)-i).Msg("[socketio] flush of queued events failed")
			break
		}
	}
	t.connected = true
	t.mu.Unlock()

	t.log.Info().Str("sid", open.SID).Int("flushed", len(pending)).Msg("[socketio] connected")
	t.fire(protocol.EventConnect, nil)
	return nil
}

// handshake reads the Engine.IO open packet, joins the namespace and waits for
// the server's CONNECT or CONNECT_ERROR.
func (t *SocketIO) handshake(conn *wsConn) (protocol.OpenMsg, error) {
	if t.cfg.DialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.cfg.DialTimeout))
		defer conn.SetDeadline(time.Time{})
	}

	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		return protocol.OpenMsg{}, fmt.Errorf("transport: read open packet: %w", err)
	}
	typ, body, err := protocol.DecodeFrame(data)
	if err != nil {
		return protocol.OpenMsg{}, err
	}
	if typ != protocol.EngineOpen {
		return protocol.OpenMsg{}, fmt.Errorf("transport: expected open packet, got %q", byte(typ))
	}
	open, err := protocol.ParseOpen(body)
	if err != nil {
		return protocol.OpenMsg{}, err
	}

	frame, err := protocol.EncodeConnect(t.cfg.Namespace, nil)
	if err != nil {
		return protocol.OpenMsg{}, err
	}
	if err := wsutil.WriteClientText(conn, frame); err != nil {
		return protocol.OpenMsg{}, fmt.Errorf("transport: write connect: %w", err)
	}

	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return protocol.OpenMsg{}, fmt.Errorf("transport: read connect ack: %w", err)
		}
		typ, body, err := protocol.DecodeFrame(data)
		if err != nil {
			return protocol.OpenMsg{}, err
		}
		switch typ {
		case protocol.EnginePing:
			if err := wsutil.WriteClientText(conn, protocol.EncodePong(body)); err != nil {
				return protocol.OpenMsg{}, fmt.Errorf("transport: write pong: %w", err)
			}
		case protocol.EngineClose:
			return protocol.OpenMsg{}, fmt.Errorf("transport: server closed during handshake")
		case protocol.EngineMessage:
			p, err := protocol.DecodePacket(body)
			if err != nil {
				return protocol.OpenMsg{}, err
			}
			if !t.inNamespace(p) {
				continue
			}
			switch p.Type {
			case protocol.PacketConnect:
				return open, nil
			case protocol.PacketConnectError:
				return protocol.OpenMsg{}, fmt.Errorf("transport: connect rejected: %s", p.ConnectError())
			}
		}
	}
}

// readLoop dispatches inbound events until the socket fails or the server
// disconnects the namespace. Silence longer than the server's ping interval
// plus timeout counts as a lost connection.
func (t *SocketIO) readLoop(conn *wsConn, open protocol.OpenMsg) error {
	liveness := open.Liveness()
	for {
		if liveness > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(liveness))
		}
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("transport: read: %w", err)
		}

		typ, body, err := protocol.DecodeFrame(data)
		if err != nil {
			t.log.Warn().Err(err).Msg("[socketio] dropping frame")
			continue
		}

		switch typ {
		case protocol.EnginePing:
			if err := t.write(protocol.EncodePong(body)); err != nil {
				return err
			}
		case protocol.EngineClose:
			return fmt.Errorf("transport: server closed transport")
		case protocol.EngineMessage:
			if err := t.handlePacket(body); err != nil {
				return err
			}
		}
	}
}

func (t *SocketIO) handlePacket(body []byte) error {
	p, err := protocol.DecodePacket(body)
	if err != nil {
		t.log.Warn().Err(err).Msg("[socketio] dropping packet")
		return nil
	}
	if !t.inNamespace(p) {
		return nil
	}

	switch p.Type {
	case protocol.PacketEvent:
		name, payload, err := p.Event()
		if err != nil {
			t.log.Warn().Err(err).Msg("[socketio] dropping event")
			return nil
		}
		if protocol.IsLifecycle(name) {
			t.log.Warn().Str("event", name).Msg("[socketio] server sent a reserved event name")
			return nil
		}
		if !t.has(name) {
			t.log.Debug().Str("event", name).Msg("[socketio] no listener")
			return nil
		}
		t.fire(name, payload)
	case protocol.PacketDisconnect:
		return errServerDisconnect
	case protocol.PacketConnectError:
		t.log.Warn().Str("reason", p.ConnectError()).Msg("[socketio] connect error while connected")
	}
	return nil
}

func (t *SocketIO) inNamespace(p protocol.Packet) bool {
	ns := t.cfg.Namespace
	if ns == "" {
		ns = protocol.DefaultNamespace
	}
	return p.Namespace == ns
}

func (t *SocketIO) current() (*wsConn, protocol.OpenMsg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn, t.open
}

func (t *SocketIO) drop(conn *wsConn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.connected = false
	}
	t.mu.Unlock()
	conn.Close()
}

func (t *SocketIO) giveUp() {
	t.mu.Lock()
	t.gaveUp = true
	dropped := len(t.pending)
	t.pending = nil
	t.mu.Unlock()
	if dropped > 0 {
		t.log.Warn().Int("dropped", dropped).Msg("[socketio] discarding queued events")
		metrics.MessagesTotal.WithLabelValues("undelivered").Add(float64(dropped))
	}
}
