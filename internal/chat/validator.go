package chat

import (
	"errors"
	"strings"
)

// ErrEmptyMessage is returned for input that is blank after trimming.
var ErrEmptyMessage = errors.New("message text is empty")

// NormalizeInput trims surrounding whitespace from raw input. Blank input
// yields ErrEmptyMessage.
func NormalizeInput(raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", ErrEmptyMessage
	}
	return text, nil
}
