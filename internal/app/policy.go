package app

import (
	"fmt"

	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

// DuplicateJoinPolicy decides what happens when a user who already has a live
// connection to a document joins it again from a second connection.
type DuplicateJoinPolicy int

const (
	// ReplaceExisting evicts the old connection with a forced leave, so the
	// user never shows up twice in presence.
	ReplaceExisting DuplicateJoinPolicy = iota
	// RejectNew refuses the second connection and keeps the first.
	RejectNew
)

func ParseDuplicateJoinPolicy(s string) (DuplicateJoinPolicy, error) {
	switch s {
	case "replace", "":
		return ReplaceExisting, nil
	case "reject":
		return RejectNew, nil
	default:
		return ReplaceExisting, fmt.Errorf("unknown duplicate_join_policy %q", s)
	}
}

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what to do with a consumer whose send buffer is full.
type Policy interface {
	OnBackpressure(doc domain.DocumentID, conn core.ConnID) BackpressureAction
}

// DropFramePolicy drops the frame and moves on: chat and presence are
// best-effort, and presence snapshots are self-correcting.
type DropFramePolicy struct{}

func (DropFramePolicy) OnBackpressure(domain.DocumentID, core.ConnID) BackpressureAction {
	return DropFrame
}

// KickSlowPolicy disconnects consumers that cannot keep up.
type KickSlowPolicy struct{}

func (KickSlowPolicy) OnBackpressure(domain.DocumentID, core.ConnID) BackpressureAction {
	return KickMember
}
