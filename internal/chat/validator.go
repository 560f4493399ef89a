package chat

import (
	"fmt"
	"unicode/utf8"
)

const (
	// MaxMessageBytes caps the raw text size of one chat message.
	MaxMessageBytes = 4096
	// MaxTextChars caps the character count of one chat message.
	MaxTextChars = 2000
)

// ValidateMessage checks that chat text meets content requirements. The
// returned error text is user-facing: it is sent back in an error envelope.
func ValidateMessage(text string) error {
	if len(text) == 0 {
		return fmt.Errorf("message text is empty")
	}
	if len(text) > MaxMessageBytes {
		return fmt.Errorf("message exceeds %d byte limit", MaxMessageBytes)
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return fmt.Errorf("message exceeds %d character limit", MaxTextChars)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("message contains invalid UTF-8")
	}
	return nil
}
