package app

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/core"
	"github.com/schooltrack/collabhub/internal/domain"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrAlreadyJoined     = errors.New("already joined from another connection")
	ErrNotJoined         = errors.New("not joined to this document")
)

// Options are the hub tunables; see config for defaults.
type Options struct {
	DuplicateJoin DuplicateJoinPolicy
	TypingExpiry  time.Duration
	LockExpiry    time.Duration
}

// Hub wires the registry, the room manager and the backpressure policy. All
// state transitions flow through it; adapters only decode inbound messages
// and hand them here. Rooms announce their own events under their mutex; the
// hub's part is registry bookkeeping and the backpressure policy.
type Hub struct {
	Registry *Registry
	Rooms    core.RoomManager
	Policy   Policy
	Opts     Options

	// Now is swappable in tests; nil means time.Now.
	Now func() time.Time
}

func (h *Hub) clock() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Register binds a freshly upgraded connection in the connecting state.
// Identity must already be established; the hub never authenticates.
func (h *Hub) Register(id core.ConnID, user *domain.User, sess core.MemberSession, cancel context.CancelFunc) error {
	if user == nil {
		return ErrUnauthenticated
	}
	h.Registry.Bind(id, user, sess, cancel)
	return nil
}

// Join runs the join flow: leave the previous room if any, enter the target
// room under its serialization, evict or refuse a duplicate connection per
// policy. The room announces the new presence snapshot itself. Reconnect is
// this same flow on a fresh connection.
func (h *Hub) Join(id core.ConnID, doc domain.DocumentID) (core.JoinResult, error) {
	if err := doc.Validate(); err != nil {
		return core.JoinResult{}, err
	}
	sess, ok := h.Registry.Session(id)
	if !ok {
		return core.JoinResult{}, ErrUnknownConnection
	}
	if prev, ok := h.Registry.DocOf(id); ok && prev != doc {
		h.Leave(id)
	}

	room := h.Rooms.GetOrCreate(doc)
	res, pub := room.Join(id, sess, h.clock(), h.Opts.DuplicateJoin == ReplaceExisting)
	if !res.OK {
		log.Info().Str("module", "app.hub").Str("conn", string(id)).Str("doc", string(doc)).Msg("duplicate join rejected")
		return core.JoinResult{}, ErrAlreadyJoined
	}
	h.Registry.SetDoc(id, doc)
	h.Registry.SetState(id, StateConnected)

	if res.Replaced != "" {
		h.evictSuperseded(res.Replaced, doc)
	}
	h.applyBackpressure(room, pub)
	log.Info().Str("module", "app.hub").Str("conn", string(id)).Str("doc", string(doc)).Msg("joined room")
	return res, nil
}

// evictSuperseded tells the replaced connection why it is going away and
// tears it down. The room already dropped its membership.
func (h *Hub) evictSuperseded(old core.ConnID, doc domain.DocumentID) {
	if sess, ok := h.Registry.Session(old); ok {
		if frame, err := core.Encode(core.TypeForceDisconnect, doc, core.DisconnectPayload{Reason: core.ReasonSuperseded}); err == nil {
			_ = sess.Signal().TrySend(frame)
		}
	}
	h.Registry.SetState(old, StateDisconnected)
	h.Registry.ClearDoc(old)
	h.Registry.Cancel(old)
	h.Registry.Unbind(old)
	log.Info().Str("module", "app.hub").Str("conn", string(old)).Str("doc", string(doc)).Msg("superseded by newer connection")
}

// Leave removes the connection from its room. Idempotent: transport close
// and explicit leave may both call it. The room releases a held lock and
// announces the shrunken presence as part of the same departure.
func (h *Hub) Leave(id core.ConnID) bool {
	doc, ok := h.Registry.DocOf(id)
	if !ok {
		return false
	}
	h.Registry.ClearDoc(id)

	room, ok := h.Rooms.Get(doc)
	if !ok {
		return false
	}
	res, pub := room.Remove(id, h.clock())
	if !res.Removed {
		return false
	}
	h.applyBackpressure(room, pub)
	if res.Released != nil {
		log.Info().Str("module", "app.hub").Str("doc", string(doc)).Str("holder", string(res.Released.Holder)).Msg("lock released on leave")
	}
	h.Rooms.DropIfEmpty(doc)
	log.Info().Str("module", "app.hub").Str("conn", string(id)).Str("doc", string(doc)).Msg("left room")
	return true
}

// Disconnect fully tears a connection down: surface the reason (when there is
// one the client should see), leave the room, cancel outstanding work, unbind.
func (h *Hub) Disconnect(id core.ConnID, reason string) {
	if reason != "" {
		if sess, ok := h.Registry.Session(id); ok {
			doc, _ := h.Registry.DocOf(id)
			if frame, err := core.Encode(core.TypeForceDisconnect, doc, core.DisconnectPayload{Reason: reason}); err == nil {
				_ = sess.Signal().TrySend(frame)
			}
		}
	}
	h.Leave(id)
	h.Registry.Cancel(id)
	h.Registry.Unbind(id)
}

// AcquireLock arbitrates edit rights. The room broadcasts a grant to every
// member (the requester included) so all clients render the same owner; a
// denial goes back to the caller only.
func (h *Hub) AcquireLock(id core.ConnID, doc domain.DocumentID) (core.LockResult, error) {
	room, user, err := h.memberRoom(id, doc)
	if err != nil {
		return core.LockResult{}, err
	}
	res, pub := room.AcquireLock(user, h.clock(), h.Opts.LockExpiry)
	h.applyBackpressure(room, pub)
	if res.Granted {
		log.Info().Str("module", "app.hub").Str("doc", string(doc)).Str("holder", string(user.ID)).Msg("lock acquired")
	}
	return res, nil
}

// ReleaseLock is holder-only; a stale release reports false and changes
// nothing.
func (h *Hub) ReleaseLock(id core.ConnID, doc domain.DocumentID) (bool, error) {
	room, user, err := h.memberRoom(id, doc)
	if err != nil {
		return false, err
	}
	_, ok, pub := room.ReleaseLock(user.ID)
	h.applyBackpressure(room, pub)
	return ok, nil
}

// Chat assigns the next room sequence number and fans the message out
// at-most-once. Senders get their own message back; that is how they learn
// the sequence number.
func (h *Hub) Chat(id core.ConnID, doc domain.DocumentID, text string) (domain.ChatMessage, error) {
	if err := domain.ValidateChatText(text); err != nil {
		return domain.ChatMessage{}, err
	}
	room, user, err := h.memberRoom(id, doc)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	msg, pub := room.AppendMessage(user, text, h.clock())
	h.applyBackpressure(room, pub)
	return msg, nil
}

func (h *Hub) StartTyping(id core.ConnID, doc domain.DocumentID) error {
	room, user, err := h.memberRoom(id, doc)
	if err != nil {
		return err
	}
	h.applyBackpressure(room, room.SetTyping(user.ID, h.clock(), h.Opts.TypingExpiry))
	return nil
}

func (h *Hub) StopTyping(id core.ConnID, doc domain.DocumentID) error {
	room, user, err := h.memberRoom(id, doc)
	if err != nil {
		return err
	}
	h.applyBackpressure(room, room.ClearTyping(user.ID, h.clock()))
	return nil
}

// ExpireStale sweeps every room for typing entries and TTL locks past their
// expiry and lets the rooms announce what changed. Driven by RunSweeper.
func (h *Hub) ExpireStale(now time.Time) {
	for _, info := range h.Rooms.List() {
		room, ok := h.Rooms.Get(info.Doc)
		if !ok {
			continue
		}
		h.applyBackpressure(room, room.ExpireLock(now))
		h.applyBackpressure(room, room.ExpireTyping(now))
	}
}

func (h *Hub) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.ExpireStale(now)
		}
	}
}

// Touch records inbound activity for the idle supervisor.
func (h *Hub) Touch(id core.ConnID) {
	h.Registry.Touch(id, h.clock())
}

func (h *Hub) memberRoom(id core.ConnID, doc domain.DocumentID) (core.RoomService, *domain.User, error) {
	user, ok := h.Registry.User(id)
	if !ok {
		return nil, nil, ErrUnknownConnection
	}
	current, ok := h.Registry.DocOf(id)
	if !ok || current != doc {
		return nil, nil, ErrNotJoined
	}
	room, ok := h.Rooms.Get(doc)
	if !ok {
		return nil, nil, ErrNotJoined
	}
	return room, user, nil
}

// applyBackpressure runs the policy over consumers whose buffers were full
// during a room operation.
func (h *Hub) applyBackpressure(room core.RoomService, pub core.PublishResult) {
	if h.Policy == nil {
		return
	}
	for _, slow := range pub.Dropped {
		switch h.Policy.OnBackpressure(room.Doc(), slow) {
		case KickMember:
			log.Warn().Str("module", "app.hub").Str("conn", string(slow)).Str("doc", string(room.Doc())).Msg("kicking slow consumer")
			h.Disconnect(slow, "")
		case DropFrame, NoAction:
		}
	}
}
