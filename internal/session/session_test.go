package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/internal/protocol"
	"github.com/whisper/chat-client/internal/transport"
)

// =============================================================================
// Fake transport
// =============================================================================

type emitted struct {
	event string
	data  any
}

type fakeTransport struct {
	mu        sync.Mutex
	listeners map[string][]transport.Listener
	emits     []emitted
	emitErr   error
	openErr   error
	opened    int
	closed    int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{listeners: make(map[string][]transport.Listener)}
}

func (f *fakeTransport) On(event string, fn transport.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners[event] = append(f.listeners[event], fn)
}

func (f *fakeTransport) Open(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened++
	return f.openErr
}

func (f *fakeTransport) Emit(event string, data any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitErr != nil {
		return f.emitErr
	}
	f.emits = append(f.emits, emitted{event: event, data: data})
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	f.listeners = make(map[string][]transport.Listener)
	return nil
}

// fire delivers an event the way a transport reader goroutine would.
func (f *fakeTransport) fire(event, payload string) {
	f.mu.Lock()
	fns := append([]transport.Listener(nil), f.listeners[event]...)
	f.mu.Unlock()

	var data json.RawMessage
	if payload != "" {
		data = json.RawMessage(payload)
	}
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeTransport) sent() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emits...)
}

func (f *fakeTransport) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var fixedNow = time.Date(2024, 5, 1, 14, 32, 0, 0, time.UTC)

func newSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	s := New(ft, Options{Logger: zerolog.Nop(), Now: func() time.Time { return fixedNow }})
	t.Cleanup(func() { _ = s.Close() })
	return s, ft
}

func startSession(t *testing.T) (*Session, *fakeTransport) {
	t.Helper()
	s, ft := newSession(t)
	require.NoError(t, s.Start(context.Background()))
	return s, ft
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestNew_InitialState(t *testing.T) {
	s, _ := newSession(t)

	st := s.Snapshot()
	assert.Equal(t, StatusConnecting, st.Status)
	assert.False(t, st.Typing)
	assert.Empty(t, st.Messages)
	assert.Equal(t, "", st.Input)
}

func TestStart_RegistersInboundEventsAndOpens(t *testing.T) {
	s, ft := startSession(t)

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Equal(t, 1, ft.opened)
	for _, event := range protocol.InboundEvents {
		assert.Len(t, ft.listeners[event], 1, event)
	}
	assert.Equal(t, StatusConnecting, s.Snapshot().Status)
}

func TestStart_Twice(t *testing.T) {
	s, _ := startSession(t)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStarted)
}

func TestStart_OpenError(t *testing.T) {
	s, ft := newSession(t)
	ft.openErr = errors.New("bad endpoint")

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.SubmitMessage("hello"))
	assert.Empty(t, ft.sent())
}

func TestStart_RetryAfterOpenError(t *testing.T) {
	s, ft := newSession(t)
	ft.openErr = errors.New("bad endpoint")
	require.Error(t, s.Start(context.Background()))

	ft.mu.Lock()
	ft.openErr = nil
	ft.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))

	ft.mu.Lock()
	for _, event := range protocol.InboundEvents {
		assert.Len(t, ft.listeners[event], 1, event)
	}
	ft.mu.Unlock()

	ft.fire(protocol.EventAIMessageResponse, `{"response":"hi"}`)
	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Text)
}

func TestStart_AfterClose(t *testing.T) {
	s, _ := newSession(t)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}

func TestConnectionEvents(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		want   Status
	}{
		{"connect", []string{protocol.EventConnect}, StatusConnected},
		{"connect error", []string{protocol.EventConnectError}, StatusError},
		{"disconnect after connect", []string{protocol.EventConnect, protocol.EventDisconnect}, StatusDisconnected},
		{"reconnect", []string{protocol.EventConnect, protocol.EventDisconnect, protocol.EventConnect}, StatusConnected},
		{"failed reconnect", []string{protocol.EventConnect, protocol.EventDisconnect, protocol.EventConnectError}, StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ft := startSession(t)
			for _, e := range tt.events {
				ft.fire(e, "")
				assert.NotEqual(t, StatusConnecting, s.Snapshot().Status)
			}
			assert.Equal(t, tt.want, s.Snapshot().Status)
		})
	}
}

func TestStatus_Label(t *testing.T) {
	assert.Equal(t, "Connecting", StatusConnecting.Label())
	assert.Equal(t, "Connected", StatusConnected.Label())
	assert.Equal(t, "Disconnected", StatusDisconnected.Label())
	assert.Equal(t, "Error", StatusError.Label())
}

func TestClose_ReleasesTransportOnce(t *testing.T) {
	s, ft := startSession(t)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, ft.closeCount())
}

func TestClose_BeforeStart(t *testing.T) {
	s, ft := newSession(t)
	require.NoError(t, s.Close())
	assert.Equal(t, 1, ft.closeCount())
}

func TestClose_ChangesChannelClosed(t *testing.T) {
	s, _ := startSession(t)
	require.NoError(t, s.Close())

	// Drain any pending wake-up, then expect the close.
	for range s.Changes() {
	}
}

func TestClose_LateCallbacksIgnored(t *testing.T) {
	s, ft := startSession(t)
	ft.fire(protocol.EventConnect, "")

	ft.mu.Lock()
	reply := ft.listeners[protocol.EventAIMessageResponse][0]
	ft.mu.Unlock()

	require.NoError(t, s.Close())
	reply(json.RawMessage(`{"response":"late"}`))

	assert.Empty(t, s.Snapshot().Messages)
	assert.False(t, s.SubmitMessage("after close"))
}

// =============================================================================
// Sending
// =============================================================================

func TestSubmitMessage(t *testing.T) {
	s, ft := startSession(t)
	s.SetInput("  Hello  ")

	require.True(t, s.SubmitMessage("  Hello  "))

	st := s.Snapshot()
	require.Len(t, st.Messages, 1)
	msg := st.Messages[0]
	assert.Equal(t, "Hello", msg.Text)
	assert.Equal(t, chat.SenderUser, msg.Sender)
	assert.Equal(t, "14:32", msg.Timestamp)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.Undelivered)
	assert.True(t, st.Typing)
	assert.Equal(t, "", st.Input)

	assert.Equal(t, []emitted{{event: protocol.EventAIMessage, data: "Hello"}}, ft.sent())
}

func TestSubmitMessage_RejectsBlank(t *testing.T) {
	for _, text := range []string{"", "   ", "\n\t "} {
		s, ft := startSession(t)
		s.SetInput(text)

		assert.False(t, s.SubmitMessage(text))

		st := s.Snapshot()
		assert.Empty(t, st.Messages)
		assert.False(t, st.Typing)
		assert.Equal(t, text, st.Input)
		assert.Empty(t, ft.sent())
	}
}

func TestSubmitMessage_BeforeStart(t *testing.T) {
	s, ft := newSession(t)

	assert.False(t, s.SubmitMessage("hi"))
	assert.Empty(t, s.Snapshot().Messages)
	assert.Empty(t, ft.sent())
}

func TestSubmitMessage_WhileDisconnectedStillSends(t *testing.T) {
	s, ft := startSession(t)
	ft.fire(protocol.EventConnectError, "")

	require.True(t, s.SubmitMessage("queued"))
	assert.Len(t, ft.sent(), 1)
	assert.Equal(t, StatusError, s.Snapshot().Status)
}

func TestSubmitMessage_EmitFailureMarksUndelivered(t *testing.T) {
	s, ft := startSession(t)
	ft.emitErr = transport.ErrNotConnected

	require.True(t, s.SubmitMessage("lost"))

	st := s.Snapshot()
	require.Len(t, st.Messages, 1)
	assert.True(t, st.Messages[0].Undelivered)
	assert.True(t, st.Typing)
}

func TestSubmitInput(t *testing.T) {
	s, ft := startSession(t)
	s.SetInput("line one\nline two")

	require.True(t, s.SubmitInput())

	st := s.Snapshot()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, "line one\nline two", st.Messages[0].Text)
	assert.Equal(t, "", st.Input)
	assert.Len(t, ft.sent(), 1)
}

func TestSubmitMessage_NoDedup(t *testing.T) {
	s, _ := startSession(t)

	s.SubmitMessage("same")
	s.SubmitMessage("same")

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 2)
	assert.NotEqual(t, msgs[0].ID, msgs[1].ID)
}

// =============================================================================
// Receiving
// =============================================================================

func TestInboundReply(t *testing.T) {
	s, ft := startSession(t)
	s.SubmitMessage("Hi")

	ft.fire(protocol.EventAIMessageResponse, `{"response":"Hello there"}`)

	st := s.Snapshot()
	require.Len(t, st.Messages, 2)
	assert.Equal(t, chat.SenderUser, st.Messages[0].Sender)
	assert.Equal(t, chat.SenderAssistant, st.Messages[1].Sender)
	assert.Equal(t, "Hello there", st.Messages[1].Text)
	assert.False(t, st.Typing)
}

func TestInboundReply_Unsolicited(t *testing.T) {
	s, ft := startSession(t)

	ft.fire(protocol.EventAIMessageResponse, `{"response":"welcome"}`)

	st := s.Snapshot()
	require.Len(t, st.Messages, 1)
	assert.Equal(t, chat.SenderAssistant, st.Messages[0].Sender)
	assert.False(t, st.Typing)
}

func TestInboundReply_Malformed(t *testing.T) {
	payloads := []string{`"just a string"`, `{}`, `{"response":null}`, `{"response":""}`, `{"response":42}`, `[1,2]`}

	for _, p := range payloads {
		t.Run(p, func(t *testing.T) {
			s, ft := startSession(t)
			s.SubmitMessage("Hi")

			ft.fire(protocol.EventAIMessageResponse, p)

			st := s.Snapshot()
			assert.Len(t, st.Messages, 1)
			assert.True(t, st.Typing)
		})
	}
}

func TestInboundReply_NilPayload(t *testing.T) {
	s, ft := startSession(t)
	ft.fire(protocol.EventAIMessageResponse, "")
	assert.Empty(t, s.Snapshot().Messages)
}

func TestTypingSignal(t *testing.T) {
	s, ft := startSession(t)

	ft.fire(protocol.EventTypingIndicator, "")
	assert.True(t, s.Snapshot().Typing)

	ft.fire(protocol.EventTypingIndicator, "")
	assert.True(t, s.Snapshot().Typing)
	assert.Empty(t, s.Snapshot().Messages)

	ft.fire(protocol.EventAIMessageResponse, `{"response":"done"}`)
	assert.False(t, s.Snapshot().Typing)
}

func TestInboundReply_MultipleBeforeNextSend(t *testing.T) {
	s, ft := startSession(t)
	s.SubmitMessage("Hi")

	ft.fire(protocol.EventAIMessageResponse, `{"response":"one"}`)
	ft.fire(protocol.EventAIMessageResponse, `{"response":"two"}`)

	msgs := s.Snapshot().Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, "one", msgs[1].Text)
	assert.Equal(t, "two", msgs[2].Text)
}

// =============================================================================
// Ordering and notifications
// =============================================================================

func TestTranscript_ArrivalOrder(t *testing.T) {
	s, ft := startSession(t)

	s.SubmitMessage("a")
	ft.fire(protocol.EventAIMessageResponse, `{"response":"b"}`)
	s.SubmitMessage("c")
	ft.fire(protocol.EventAIMessageResponse, `{"response":"d"}`)

	var got []string
	for _, m := range s.Snapshot().Messages {
		got = append(got, m.Text)
	}
	assert.Equal(t, []string{"a", "b", "c", "d"}, got)
}

func TestConcurrentEventsApplyWholly(t *testing.T) {
	s, ft := startSession(t)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			s.SubmitMessage("out")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			ft.fire(protocol.EventAIMessageResponse, `{"response":"in"}`)
		}
	}()
	wg.Wait()

	msgs := s.Snapshot().Messages
	assert.Len(t, msgs, 2*n)
	assert.Len(t, ft.sent(), n)
}

func TestChanges_Signalled(t *testing.T) {
	s, ft := startSession(t)

	ft.fire(protocol.EventConnect, "")

	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change notification after connect")
	}
}

func TestSnapshot_IsCopy(t *testing.T) {
	s, _ := startSession(t)
	s.SubmitMessage("original")

	st := s.Snapshot()
	st.Messages[0].Text = "mutated"

	assert.Equal(t, "original", s.Snapshot().Messages[0].Text)
}
