package domain

import "time"

// Lock is the exclusive edit lock for one document. The room that owns the
// document is the single writer of this record; everyone else sees copies.
type Lock struct {
	Doc        DocumentID `json:"doc"`
	Holder     UserID     `json:"holder"`
	HolderName string     `json:"holder_name"`
	AcquiredAt time.Time  `json:"acquired_at"`
	// ExpiresAt bounds lock lifetime even without a disconnect.
	// Zero means the lock lives until release or holder disconnect.
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (l *Lock) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && now.After(l.ExpiresAt)
}
