// Package chat holds the transcript model shown to the user: messages, their
// senders, and the append-only list that orders them.
package chat

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a transcript entry.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

// TimestampLayout renders the creation time as hour:minute.
const TimestampLayout = "15:04"

// Message is a single transcript entry.
type Message struct {
	ID          string `json:"id"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"` // display only, never used for ordering
	Sender      Sender `json:"sender"`
	Undelivered bool   `json:"undelivered,omitempty"`
}

// NewMessage builds a message with a fresh random id and a display timestamp
// derived from now.
func NewMessage(sender Sender, text string, now time.Time) Message {
	return Message{
		ID:        uuid.New().String(),
		Text:      text,
		Timestamp: now.Format(TimestampLayout),
		Sender:    sender,
	}
}

// Label is the name shown next to the message in the view.
func (m Message) Label() string {
	if m.Sender == SenderUser {
		return "You"
	}
	return "Assistant"
}
