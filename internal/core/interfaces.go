// Package core holds the hub's authoritative room state and the interfaces
// between transport adapters and the coordination layer.
package core

import (
	"time"

	"github.com/schooltrack/collabhub/internal/domain"
)

// Frame is an encoded outbound event.
type Frame []byte

// ConnID identifies one live connection. A user reconnecting gets a new one.
type ConnID string

// SignalConnection abstracts the messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberSession binds an authenticated user to its transport endpoint.
// This is what a room stores and fans out to.
type MemberSession interface {
	User() *domain.User
	Signal() SignalConnection
}

// PublishResult aggregates delivery stats across the events one room
// operation emitted. Dropped lists the connections whose send buffers were
// full; the hub applies the backpressure policy to them.
type PublishResult struct {
	SentTo  int
	Dropped []ConnID
}

// JoinResult is the atomic outcome of adding a member: the room snapshot the
// joiner needs, plus the superseded connection when the duplicate-join policy
// replaced one.
type JoinResult struct {
	OK       bool
	Replaced ConnID
	Rev      uint64
	Viewers  []domain.Viewer
	Lock     *domain.Lock
	History  []domain.ChatMessage
}

type RemoveResult struct {
	Removed  bool
	User     *domain.User
	Released *domain.Lock
	Rev      uint64
	Viewers  []domain.Viewer
}

// LockResult carries either the granted lock or the current holder's lock
// so a denial can name who is editing.
type LockResult struct {
	Granted bool
	Lock    *domain.Lock
	Rev     uint64
}

// RoomService is the core-facing API of a document room. It owns the
// membership set, the edit lock, the chat sequence and the typing set; every
// mutation goes through one serialization point, and the events a mutation
// produces are enqueued to members inside that same critical section, so
// every member observes room events in the order the mutations were applied.
// It never touches transport resources beyond the non-blocking TrySend.
type RoomService interface {
	Doc() domain.DocumentID
	MemberCount() int
	Viewers() []domain.Viewer
	Rev() uint64

	Join(id ConnID, ms MemberSession, now time.Time, replace bool) (JoinResult, PublishResult)
	Remove(id ConnID, now time.Time) (RemoveResult, PublishResult)

	AcquireLock(user *domain.User, now time.Time, ttl time.Duration) (LockResult, PublishResult)
	ReleaseLock(user domain.UserID) (*domain.Lock, bool, PublishResult)
	CurrentLock(now time.Time) *domain.Lock
	ExpireLock(now time.Time) PublishResult

	AppendMessage(sender *domain.User, text string, now time.Time) (domain.ChatMessage, PublishResult)
	SetTyping(user domain.UserID, now time.Time, ttl time.Duration) PublishResult
	ClearTyping(user domain.UserID, now time.Time) PublishResult
	ExpireTyping(now time.Time) PublishResult
}

type RoomInfo struct {
	Doc         domain.DocumentID `json:"doc"`
	ViewerCount int               `json:"viewer_count"`
	Locked      bool              `json:"locked"`
}

type RoomManager interface {
	GetOrCreate(doc domain.DocumentID) RoomService
	Get(doc domain.DocumentID) (RoomService, bool)
	List() []RoomInfo
	DropIfEmpty(doc domain.DocumentID) bool
}
