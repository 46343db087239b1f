// Package app coordinates the hub: connection registry, room orchestration,
// policies and the idle supervisor.
package app

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

// ConnState is the connection-state value the UI layer observes.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateConnected
	StateIdleDisconnected
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateIdleDisconnected:
		return "idle-disconnected"
	default:
		return "disconnected"
	}
}

type connEntry struct {
	user    *domain.User
	session core.MemberSession
	cancel  context.CancelFunc
	doc     domain.DocumentID // guarded by Registry.mu

	lastActive atomic.Int64 // unix nanos, hot path: every inbound message
	state      atomic.Int32
	warned     atomic.Bool
}

// ConnectedUser is a read-only snapshot of one registry entry.
type ConnectedUser struct {
	Conn       core.ConnID
	User       *domain.User
	Doc        domain.DocumentID
	State      ConnState
	LastActive time.Time
}

// Registry is the authoritative map from connection -> authenticated user and
// joined document. It is an injected instance, constructed at process start
// and per test; nothing in the hub holds registry state globally.
type Registry struct {
	mu      sync.RWMutex
	entries map[core.ConnID]*connEntry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[core.ConnID]*connEntry)}
}

// Bind registers a freshly upgraded connection in the connecting state. The
// idle supervisor ignores connecting entries, so a reconnect attempt in
// flight cannot be idle-disconnected before its join completes.
func (r *Registry) Bind(id core.ConnID, user *domain.User, sess core.MemberSession, cancel context.CancelFunc) {
	e := &connEntry{user: user, session: sess, cancel: cancel}
	e.lastActive.Store(time.Now().UnixNano())
	e.state.Store(int32(StateConnecting))

	r.mu.Lock()
	r.entries[id] = e
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("user", string(user.ID)).Msg("bound connection")
}

func (r *Registry) Unbind(id core.ConnID) {
	r.mu.Lock()
	_, ok := r.entries[id]
	delete(r.entries, id)
	r.mu.Unlock()
	if ok {
		log.Info().Str("module", "app.registry").Str("conn", string(id)).Msg("unbound connection")
	}
}

func (r *Registry) get(id core.ConnID) (*connEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) Session(id core.ConnID) (core.MemberSession, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	return e.session, true
}

func (r *Registry) User(id core.ConnID) (*domain.User, bool) {
	e, ok := r.get(id)
	if !ok {
		return nil, false
	}
	return e.user, true
}

func (r *Registry) SetDoc(id core.ConnID, doc domain.DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.doc = doc
	return true
}

func (r *Registry) ClearDoc(id core.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		e.doc = ""
	}
}

func (r *Registry) DocOf(id core.ConnID) (domain.DocumentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.doc == "" {
		return "", false
	}
	return e.doc, true
}

// Touch records activity. Every inbound message counts, not only explicit
// pings. Activity also re-arms the idle warning.
func (r *Registry) Touch(id core.ConnID, now time.Time) {
	e, ok := r.get(id)
	if !ok {
		return
	}
	e.lastActive.Store(now.UnixNano())
	e.warned.Store(false)
}

func (r *Registry) State(id core.ConnID) (ConnState, bool) {
	e, ok := r.get(id)
	if !ok {
		return StateDisconnected, false
	}
	return ConnState(e.state.Load()), true
}

func (r *Registry) SetState(id core.ConnID, s ConnState) {
	if e, ok := r.get(id); ok {
		e.state.Store(int32(s))
	}
}

// CompareAndSetState is the exactly-once gate for state transitions raced by
// the supervisor and transport teardown.
func (r *Registry) CompareAndSetState(id core.ConnID, from, to ConnState) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	return e.state.CompareAndSwap(int32(from), int32(to))
}

// MarkWarned flips the idle-warning latch; true means this caller owns
// sending the warning.
func (r *Registry) MarkWarned(id core.ConnID) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	return e.warned.CompareAndSwap(false, true)
}

// Cancel fires the connection's context, tearing down its pumps.
func (r *Registry) Cancel(id core.ConnID) bool {
	e, ok := r.get(id)
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a point-in-time copy of every entry, for the idle sweep
// and introspection. The copies are safe to read without further locking.
func (r *Registry) Snapshot() []ConnectedUser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectedUser, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, ConnectedUser{
			Conn:       id,
			User:       e.user,
			Doc:        e.doc,
			State:      ConnState(e.state.Load()),
			LastActive: time.Unix(0, e.lastActive.Load()),
		})
	}
	return out
}
