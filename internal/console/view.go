// Package console renders a chat session to a terminal and feeds it lines
// typed by the user.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"github.com/whisper/chat-client/internal/chat"
	"github.com/whisper/chat-client/internal/session"
)

const (
	// MaxInputLines caps how many draft lines the prompt counts silently.
	// Longer drafts still grow; the prompt shows their length instead.
	MaxInputLines = 5

	// QuitCommand ends the session when typed on its own line.
	QuitCommand = "/quit"

	continuation = `\`
	emptyHint    = "Start a conversation"
	typingLine   = "Assistant is typing..."
)

// Session is the part of session.Session the view drives.
type Session interface {
	Snapshot() session.State
	Changes() <-chan struct{}
	SetInput(text string)
	SubmitInput() bool
}

// View prints transcript entries once each, in order, plus status and typing
// changes. All output happens on the goroutine running Run.
type View struct {
	sess   Session
	in     io.Reader
	out    io.Writer
	log    zerolog.Logger
	prompt bool

	shown  int
	status session.Status
	typing bool
	hinted bool
	draft  []string
}

// Options configures a View.
type Options struct {
	Logger zerolog.Logger
	// Prompt prints an input prompt; turn it off when stdin is not a terminal.
	Prompt bool
}

// New creates a view over sess reading from in and writing to out.
func New(sess Session, in io.Reader, out io.Writer, opts Options) *View {
	return &View{
		sess:   sess,
		in:     in,
		out:    out,
		log:    opts.Logger.With().Str("component", "console").Logger(),
		prompt: opts.Prompt,
	}
}

// Run renders until the input ends, the user quits, the session closes or
// ctx is cancelled.
func (v *View) Run(ctx context.Context) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go v.read(lines, readErr, done)

	v.Render(v.sess.Snapshot())
	v.showPrompt()

	changes := v.sess.Changes()
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if v.Render(v.sess.Snapshot()) {
				v.showPrompt()
			}
		case line, ok := <-lines:
			if !ok {
				return <-readErr
			}
			if !v.handleLine(line) {
				return nil
			}
			v.showPrompt()
		}
	}
}

func (v *View) read(lines chan<- string, readErr chan<- error, done <-chan struct{}) {
	defer close(lines)
	sc := bufio.NewScanner(v.in)
	for sc.Scan() {
		select {
		case lines <- sc.Text():
		case <-done:
			readErr <- nil
			return
		}
	}
	if err := sc.Err(); err != nil {
		readErr <- fmt.Errorf("console: read input: %w", err)
		return
	}
	readErr <- nil
}

// handleLine applies one typed line. It reports false when the user quits.
func (v *View) handleLine(line string) bool {
	line = strings.TrimSuffix(line, "\r")
	if len(v.draft) == 0 && strings.TrimSpace(line) == QuitCommand {
		return false
	}

	if strings.HasSuffix(line, continuation) {
		v.draft = append(v.draft, strings.TrimSuffix(line, continuation))
		v.sess.SetInput(strings.Join(v.draft, "\n"))
		return true
	}

	text := strings.Join(append(v.draft, line), "\n")
	v.draft = v.draft[:0]
	v.sess.SetInput(text)
	if strings.TrimSpace(text) == "" {
		return true
	}
	if !v.sess.SubmitInput() {
		v.log.Debug().Msg("[console] message not accepted")
		fmt.Fprintln(v.out, "(not sent: no connection)")
		return true
	}
	// The echo of our own message arrives through Changes; render now so it
	// precedes the prompt.
	v.Render(v.sess.Snapshot())
	return true
}

func (v *View) showPrompt() {
	if !v.prompt {
		return
	}
	fmt.Fprint(v.out, promptFor(len(v.draft)))
}

// promptFor is the prompt shown with n draft lines already entered.
func promptFor(n int) string {
	switch {
	case n == 0:
		return "> "
	case n < MaxInputLines:
		return ". "
	default:
		return fmt.Sprintf(". (%d lines) ", n)
	}
}

// Render prints whatever changed since the previous call and reports whether
// it wrote anything.
func (v *View) Render(st session.State) bool {
	wrote := false

	if st.Status != v.status {
		v.status = st.Status
		fmt.Fprintf(v.out, "● %s\n", st.Status.Label())
		wrote = true
	}

	if len(st.Messages) == 0 && !v.hinted {
		v.hinted = true
		fmt.Fprintln(v.out, emptyHint)
		wrote = true
	}

	if v.shown > len(st.Messages) {
		v.shown = len(st.Messages)
	}
	for _, m := range st.Messages[v.shown:] {
		fmt.Fprintln(v.out, FormatMessage(m))
		wrote = true
	}
	v.shown = len(st.Messages)

	if st.Typing && !v.typing {
		fmt.Fprintln(v.out, typingLine)
		wrote = true
	}
	v.typing = st.Typing

	return wrote
}

// FormatMessage renders one transcript entry, e.g. "[14:32] You: Hello".
// Continuation lines of a multi-line message are indented.
func FormatMessage(m chat.Message) string {
	text := strings.ReplaceAll(m.Text, "\n", "\n    ")
	line := fmt.Sprintf("[%s] %s: %s", m.Timestamp, m.Label(), text)
	if m.Undelivered {
		line += " (not delivered)"
	}
	return line
}
