package domain

import (
	"errors"
	"time"
)

const MaxDocumentIDLen = 64

var ErrDocumentIDInvalid = errors.New("document id invalid")

type DocumentID string

func (d DocumentID) Validate() error {
	if len(d) == 0 || len(d) > MaxDocumentIDLen {
		return ErrDocumentIDInvalid
	}
	return nil
}

// Viewer is the read-only presence projection of a connected user.
type Viewer struct {
	ID       UserID    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joined_at"`
}
