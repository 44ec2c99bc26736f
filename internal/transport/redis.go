package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
)

// Redis carries session events over pub/sub channels named
// <prefix>:<client_id>:client:<event> (outbound) and
// <prefix>:<client_id>:server:<event> (inbound). Redis does not buffer
// publishes, so Emit fails while the server is unreachable.
type Redis struct {
	listeners

	cfg    Config
	log    zerolog.Logger
	client *redis.Client

	connected atomic.Bool
	closed    atomic.Bool

	mu        sync.Mutex
	ps        *redis.PubSub
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewRedis creates a Redis transport for a redis:// or rediss:// endpoint.
func NewRedis(cfg Config, logger zerolog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: parse redis url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}
	// Retries belong to the transport's own fixed-delay policy.
	opts.MaxRetries = -1

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultConfig().SubjectPrefix
	}

	return &Redis{
		cfg:    cfg,
		log:    logger.With().Str("transport", "redis").Str("client_id", cfg.ClientID).Logger(),
		client: redis.NewClient(opts),
	}, nil
}

func (t *Redis) channel(direction, event string) string {
	return t.cfg.SubjectPrefix + ":" + t.cfg.ClientID + ":" + direction + ":" + event
}

// Open starts the subscribe loop in the background.
func (t *Redis) Open(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed.Load() {
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

// ping is one connection attempt.
func (t *Redis) ping() error {
	if err := t.client.Ping(t.ctx).Err(); err != nil {
		return fmt.Errorf("transport: redis ping: %w", err)
	}
	return nil
}

func (t *Redis) run() {
	defer t.wg.Done()

	onFail := func(attempt int, err error) {
		t.log.Warn().Err(err).Int("attempt", attempt).Msg("[redis] connect failed")
		t.fire(protocol.EventConnectError, nil)
	}

	tries := t.cfg.ReconnectionAttempts + 1
	if err := retry(t.ctx, tries, t.cfg.ReconnectionDelay, t.ping, onFail); err != nil {
		if t.ctx.Err() == nil {
			t.log.Error().Err(err).Int("attempts", tries).Msg("[redis] giving up connecting")
		}
		return
	}

	pattern := t.channel(serverToken, "*")
	inbound := strings.TrimSuffix(pattern, "*")
	ps := t.client.PSubscribe(t.ctx, pattern)
	defer ps.Close()
	t.mu.Lock()
	t.ps = ps
	t.mu.Unlock()
	if t.closed.Load() {
		return
	}

	for {
		msg, err := ps.Receive(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				return
			}
			if t.connected.CompareAndSwap(true, false) {
				metrics.Disconnects.Inc()
				t.log.Warn().Err(err).Msg("[redis] disconnected")
				t.fire(protocol.EventDisconnect, nil)
			}
			if !sleep(t.ctx, t.cfg.ReconnectionDelay) {
				return
			}
			if err := retry(t.ctx, t.cfg.ReconnectionAttempts, t.cfg.ReconnectionDelay, t.ping, onFail); err != nil {
				if t.ctx.Err() == nil {
					t.log.Error().Err(err).Int("attempts", t.cfg.ReconnectionAttempts).Msg("[redis] giving up reconnecting")
				}
				return
			}
			// The next Receive re-dials and re-subscribes.
			continue
		}

		switch m := msg.(type) {
		case *redis.Subscription:
			if m.Kind == "psubscribe" && t.connected.CompareAndSwap(false, true) {
				metrics.ConnectAttempts.WithLabelValues("succeeded").Inc()
				t.log.Info().Str("pattern", m.Channel).Msg("[redis] connected")
				t.fire(protocol.EventConnect, nil)
			}
		case *redis.Message:
			event := strings.TrimPrefix(m.Channel, inbound)
			if protocol.IsLifecycle(event) {
				t.log.Warn().Str("event", event).Msg("[redis] reserved event name on inbound channel")
				continue
			}
			var payload json.RawMessage
			if m.Payload != "" {
				payload = json.RawMessage(m.Payload)
			}
			t.fire(event, payload)
		}
	}
}

// Emit publishes the JSON-encoded data on the outbound channel.
func (t *Redis) Emit(event string, data any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()
	if ctx == nil {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("transport: marshal %s payload: %w", event, err)
	}
	if err := t.client.Publish(ctx, t.channel(clientToken, event), raw).Err(); err != nil {
		return fmt.Errorf("transport: redis publish %s: %w", event, err)
	}
	return nil
}

// Close stops the subscribe loop and closes the client pool.
func (t *Redis) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.listeners.clear()

		t.mu.Lock()
		if t.cancel != nil {
			t.cancel()
		}
		// Receive does not watch ctx; closing the subscription unblocks it.
		if t.ps != nil {
			_ = t.ps.Close()
		}
		t.mu.Unlock()

		t.wg.Wait()
		err = t.client.Close()
		t.log.Debug().Msg("[redis] client closed")
	})
	return err
}
