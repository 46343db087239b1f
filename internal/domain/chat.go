package domain

import (
	"errors"
	"time"
)

const MaxChatTextLen = 2000

var (
	ErrChatTextEmpty   = errors.New("chat text empty")
	ErrChatTextTooLong = errors.New("chat text too long")
)

// ChatMessage is never mutated after creation and lives only in the room's
// in-memory buffer.
type ChatMessage struct {
	Doc        DocumentID `json:"doc"`
	Seq        uint64     `json:"seq"`
	Sender     UserID     `json:"sender"`
	SenderName string     `json:"sender_name"`
	Text       string     `json:"text"`
	SentAt     time.Time  `json:"sent_at"`
}

func ValidateChatText(text string) error {
	if len(text) == 0 {
		return ErrChatTextEmpty
	}
	if len(text) > MaxChatTextLen {
		return ErrChatTextTooLong
	}
	return nil
}
