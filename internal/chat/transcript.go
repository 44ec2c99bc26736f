package chat

// Transcript is the ordered, append-only list of messages exchanged in a
// session. It is not goroutine-safe; the owning session serializes access.
type Transcript struct {
	items []Message
	index map[string]int // message id -> position
}

// NewTranscript creates an empty Transcript.
func NewTranscript() *Transcript {
	return &Transcript{index: make(map[string]int)}
}

// Append adds msg at the end. Insertion order is display order; nothing is
// reordered, coalesced, or dropped.
func (t *Transcript) Append(msg Message) {
	t.index[msg.ID] = len(t.items)
	t.items = append(t.items, msg)
}

// MarkUndelivered flags the message with the given id as not handed to the
// transport. Returns false if no such message exists.
func (t *Transcript) MarkUndelivered(id string) bool {
	i, ok := t.index[id]
	if !ok {
		return false
	}
	t.items[i].Undelivered = true
	return true
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.items)
}

// Messages returns a copy of the transcript in insertion order. Returns an
// empty, non-nil slice when the transcript is empty.
func (t *Transcript) Messages() []Message {
	out := make([]Message, len(t.items))
	copy(out, t.items)
	return out
}
