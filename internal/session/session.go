// Package session implements the chat session: it owns one transport
// connection, keeps the ordered transcript, and reflects connection health
// and remote typing activity for the view.
//
// Every state change runs on a single goroutine. Public operations and
// transport callbacks enqueue work and wait for it to finish, so changes apply
// one at a time in arrival order. Readers take copies through Snapshot.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/internal/metrics"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/transport"
)

// Status is the connection status shown to the user.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

var titleCase = cases.Title(language.English)

// Label is the status as displayed, e.g. "Connected".
func (s Status) Label() string {
	return titleCase.String(string(s))
}

var (
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("session: closed")

	// ErrStarted is returned by a second call to Start.
	ErrStarted = errors.New("session: already started")
)

// State is a point-in-time copy of everything the view renders.
type State struct {
	Messages []chat.Message
	Status   Status
	Typing   bool
	Input    string
}

// Options tunes a Session. The zero value is usable.
type Options struct {
	Logger zerolog.Logger
	Now    func() time.Time
}

type op struct {
	fn   func()
	done chan struct{}
}

// Session bridges a transport and the transcript/status view model.
type Session struct {
	transport transport.Transport
	log       zerolog.Logger
	now       func() time.Time

	ops      chan op
	quit     chan struct{}
	loopDone chan struct{}
	changes  chan struct{}

	// Written only by the loop goroutine; mu lets Snapshot read concurrently.
	mu         sync.RWMutex
	transcript *chat.Transcript
	status     Status
	typing     bool
	input      string

	// Loop-owned.
	live         bool
	pendingSince time.Time

	startMu    sync.Mutex
	started    bool
	registered bool
	closeOnce  sync.Once
	closeErr   error
}

// New creates a session in the connecting state that will talk through t.
// The session owns t from here on and closes it in Close.
func New(t transport.Transport, opts Options) *Session {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Session{
		transport:  t,
		log:        opts.Logger.With().Str("component", "session").Logger(),
		now:        now,
		ops:        make(chan op),
		quit:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		changes:    make(chan struct{}, 1),
		transcript: chat.NewTranscript(),
		status:     StatusConnecting,
	}
	metrics.SetStatus(string(StatusConnecting))
	go s.loop()
	return s
}

func (s *Session) loop() {
	defer close(s.loopDone)
	for {
		select {
		case o := <-s.ops:
			o.fn()
			close(o.done)
		case <-s.quit:
			return
		}
	}
}

// do runs fn on the loop goroutine and waits for it. It reports false, without
// running fn, once the session is closed.
func (s *Session) do(fn func()) bool {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case s.ops <- o:
	case <-s.quit:
		return false
	}
	<-o.done
	return true
}

// notify wakes the view without blocking; pending wake-ups coalesce.
func (s *Session) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Start subscribes to the inbound events and opens the transport. The status
// stays connecting until the transport reports otherwise.
func (s *Session) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return ErrStarted
	}
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}

	// A failed Open may be retried; listeners stay registered from the first
	// attempt.
	if !s.registered {
		for _, event := range protocol.InboundEvents {
			event := event
			s.transport.On(event, func(data json.RawMessage) {
				s.do(func() { s.dispatch(event, data) })
			})
		}
		s.registered = true
	}

	if err := s.transport.Open(ctx); err != nil {
		return fmt.Errorf("session: open transport: %w", err)
	}
	s.started = true
	s.do(func() { s.live = true })
	s.log.Info().Msg("[session] started")
	return nil
}

func (s *Session) dispatch(event string, data json.RawMessage) {
	switch event {
	case protocol.EventAIMessageResponse:
		s.onInboundReply(data)
	case protocol.EventTypingIndicator:
		s.onTypingSignal()
	default:
		s.onConnectionEvent(event)
	}
}

// Close tears the session down and releases the transport exactly once.
// Later calls return the first result.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		close(s.quit)
		<-s.loopDone
		s.live = false

		s.closeErr = s.transport.Close()
		close(s.changes)
		s.log.Info().Msg("[session] closed")
	})
	return s.closeErr
}

// SubmitMessage sends text as a user message. Blank text, or a session that
// is not started or already closed, is a no-op and reports false.
func (s *Session) SubmitMessage(text string) bool {
	var accepted bool
	s.do(func() { accepted = s.submit(text) })
	return accepted
}

// SetInput replaces the draft held for the view.
func (s *Session) SetInput(text string) {
	s.do(func() {
		s.mu.Lock()
		s.input = text
		s.mu.Unlock()
		s.notify()
	})
}

// SubmitInput submits the current draft.
func (s *Session) SubmitInput() bool {
	var accepted bool
	s.do(func() {
		s.mu.RLock()
		text := s.input
		s.mu.RUnlock()
		accepted = s.submit(text)
	})
	return accepted
}

// submit appends the user message, emits it, raises the typing flag and
// clears the draft, in that order.
func (s *Session) submit(raw string) bool {
	text, err := chat.NormalizeInput(raw)
	if err != nil {
		return false
	}
	if !s.live {
		s.log.Debug().Msg("[session] submit ignored, transport not live")
		return false
	}

	msg := chat.NewMessage(chat.SenderUser, text, s.now())
	s.mu.Lock()
	s.transcript.Append(msg)
	s.mu.Unlock()

	if err := s.transport.Emit(protocol.EventAIMessage, text); err != nil {
		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("[session] send failed")
		metrics.MessagesTotal.WithLabelValues("undelivered").Inc()
		s.mu.Lock()
		s.transcript.MarkUndelivered(msg.ID)
		s.mu.Unlock()
	} else {
		metrics.MessagesTotal.WithLabelValues("sent").Inc()
	}

	s.mu.Lock()
	s.typing = true
	s.input = ""
	s.mu.Unlock()
	s.pendingSince = s.now()
	s.notify()
	return true
}

// onInboundReply clears the typing flag and appends one assistant message.
// A malformed payload is dropped and leaves the flag alone.
func (s *Session) onInboundReply(data json.RawMessage) {
	text, err := protocol.ParseReply(data)
	if err != nil {
		s.log.Warn().Err(err).RawJSON("payload", safeJSON(data)).Msg("[session] dropping reply")
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		return
	}

	now := s.now()
	s.mu.Lock()
	s.typing = false
	s.transcript.Append(chat.NewMessage(chat.SenderAssistant, text, now))
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues("received").Inc()
	if !s.pendingSince.IsZero() {
		metrics.ReplyLatency.Observe(now.Sub(s.pendingSince).Seconds())
		s.pendingSince = time.Time{}
	}
	s.notify()
}

func (s *Session) onTypingSignal() {
	metrics.TypingSignals.Inc()
	s.mu.Lock()
	changed := !s.typing
	s.typing = true
	s.mu.Unlock()
	if changed {
		s.notify()
	}
}

// onConnectionEvent applies a transport lifecycle event. Nothing moves the
// status back to connecting.
func (s *Session) onConnectionEvent(kind string) {
	var next Status
	switch kind {
	case protocol.EventConnect:
		next = StatusConnected
	case protocol.EventDisconnect:
		next = StatusDisconnected
	case protocol.EventConnectError:
		next = StatusError
	default:
		s.log.Warn().Str("event", kind).Msg("[session] unknown connection event")
		return
	}

	s.mu.Lock()
	prev := s.status
	s.status = next
	s.mu.Unlock()

	metrics.SetStatus(string(next))
	if prev != next {
		s.log.Info().Str("from", string(prev)).Str("to", string(next)).Msg("[session] status changed")
	}
	s.notify()
}

// Snapshot returns a copy of the current view state.
func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		Messages: s.transcript.Messages(),
		Status:   s.status,
		Typing:   s.typing,
		Input:    s.input,
	}
}

// Changes is signalled after state changes. Several changes may collapse into
// one signal; the channel is closed by Close.
func (s *Session) Changes() <-chan struct{} {
	return s.changes
}

// safeJSON keeps the log line valid when the payload is not JSON.
func safeJSON(data json.RawMessage) []byte {
	if json.Valid(data) {
		return data
	}
	b, _ := json.Marshal(string(data))
	return b
}
