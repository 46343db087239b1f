package core

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/schooltrack/collabhub/internal/domain"
)

// roomImpl is a threadsafe in-memory document room. Its mutex is the single
// linearization point for membership, lock, chat sequence and typing state;
// unrelated rooms never contend. Broadcasts are enqueued while the mutex is
// held, so a member's delivery order matches mutation order. It never closes
// adapter-owned resources.
type roomImpl struct {
	doc        domain.DocumentID
	historyCap int

	mu      sync.RWMutex
	rev     uint64
	members map[ConnID]MemberSession
	joined  map[ConnID]time.Time
	byUser  map[domain.UserID]ConnID
	lock    *domain.Lock
	chatSeq uint64
	history []domain.ChatMessage
	typing  map[domain.UserID]time.Time
}

func NewRoomService(doc domain.DocumentID, historyCap int) RoomService {
	return &roomImpl{
		doc:        doc,
		historyCap: historyCap,
		members:    make(map[ConnID]MemberSession),
		joined:     make(map[ConnID]time.Time),
		byUser:     make(map[domain.UserID]ConnID),
		typing:     make(map[domain.UserID]time.Time),
	}
}

func (r *roomImpl) Doc() domain.DocumentID { return r.doc }

func (r *roomImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

func (r *roomImpl) Rev() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rev
}

func (r *roomImpl) Viewers() []domain.Viewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.viewersLocked()
}

func (r *roomImpl) viewersLocked() []domain.Viewer {
	out := make([]domain.Viewer, 0, len(r.members))
	for id, ms := range r.members {
		u := ms.User()
		out = append(out, domain.Viewer{ID: u.ID, Username: u.Username, JoinedAt: r.joined[id]})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// broadcastLocked encodes one event and enqueues it to every member except
// exclude. Callers hold the mutex; TrySend never blocks, so holding it across
// the enqueue is safe and is what pins delivery order to mutation order.
func (r *roomImpl) broadcastLocked(exclude ConnID, msgType string, payload any, pub *PublishResult) {
	frame, err := Encode(msgType, r.doc, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "core.room").Str("type", msgType).Msg("encode broadcast")
		return
	}
	for id, ms := range r.members {
		if id == exclude {
			continue
		}
		if err := ms.Signal().TrySend(frame); err != nil {
			pub.Dropped = append(pub.Dropped, id)
			continue
		}
		pub.SentTo++
	}
}

// Join adds a member, announces the new presence snapshot, and returns the
// snapshot the joiner needs, all under one critical section. When the same
// user already holds a connection here, the duplicate-join policy decides:
// replace evicts the old connection (returned in Replaced, the caller owes it
// a forced leave), reject returns OK=false. Replacement keeps the user's
// lock: the identity never left the room.
func (r *roomImpl) Join(id ConnID, ms MemberSession, now time.Time, replace bool) (JoinResult, PublishResult) {
	u := ms.User()
	r.mu.Lock()
	defer r.mu.Unlock()

	var pub PublishResult
	var replaced ConnID
	if prev, ok := r.byUser[u.ID]; ok && prev != id {
		if !replace {
			return JoinResult{OK: false, Replaced: prev}, pub
		}
		delete(r.members, prev)
		delete(r.joined, prev)
		replaced = prev
	}
	r.members[id] = ms
	r.joined[id] = now
	r.byUser[u.ID] = id
	r.clearExpiredLockLocked(now, &pub)
	r.rev++

	res := JoinResult{
		OK:       true,
		Replaced: replaced,
		Rev:      r.rev,
		Viewers:  r.viewersLocked(),
		Lock:     copyLock(r.lock),
		History:  append([]domain.ChatMessage(nil), r.history...),
	}
	// The joiner gets the full snapshot via the joined event instead.
	r.broadcastLocked(id, TypePresenceUpdate, PresencePayload{Rev: res.Rev, Viewers: res.Viewers}, &pub)

	log.Debug().Str("module", "core.room").Str("doc", string(r.doc)).Str("conn", string(id)).Str("user", string(u.ID)).Msg("member joined")
	return res, pub
}

// Remove is idempotent; a second call for the same connection is a no-op.
// When the departing connection is the user's current one, the user's lock
// and typing entry go with it, and both changes are announced before the
// presence snapshot.
func (r *roomImpl) Remove(id ConnID, now time.Time) (RemoveResult, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pub PublishResult
	ms, ok := r.members[id]
	if !ok {
		return RemoveResult{}, pub
	}
	u := ms.User()
	delete(r.members, id)
	delete(r.joined, id)

	res := RemoveResult{Removed: true, User: u}
	if r.byUser[u.ID] == id {
		delete(r.byUser, u.ID)
		if r.lock != nil && r.lock.Holder == u.ID {
			res.Released = r.lock
			r.lock = nil
			r.rev++
			r.broadcastLocked("", TypeLockReleased, LockReleasedPayload{Rev: r.rev, Holder: u.ID}, &pub)
		}
		if _, typing := r.typing[u.ID]; typing {
			delete(r.typing, u.ID)
			r.broadcastLocked("", TypeTypingUpdate, TypingPayload{Users: r.typingLocked(now)}, &pub)
		}
	}
	r.rev++
	res.Rev = r.rev
	res.Viewers = r.viewersLocked()
	r.broadcastLocked("", TypePresenceUpdate, PresencePayload{Rev: res.Rev, Viewers: res.Viewers}, &pub)

	log.Debug().Str("module", "core.room").Str("doc", string(r.doc)).Str("conn", string(id)).Str("user", string(u.ID)).Msg("member removed")
	return res, pub
}

// AcquireLock is first-writer-wins under the room's serialization: the loser
// gets the winner's lock back, never a silent failure. Re-acquiring a lock
// you already hold returns it unchanged without re-announcing it. A grant is
// broadcast to the whole room, requester included.
func (r *roomImpl) AcquireLock(user *domain.User, now time.Time, ttl time.Duration) (LockResult, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pub PublishResult
	r.clearExpiredLockLocked(now, &pub)
	if r.lock != nil {
		if r.lock.Holder == user.ID {
			return LockResult{Granted: true, Lock: copyLock(r.lock), Rev: r.rev}, pub
		}
		return LockResult{Granted: false, Lock: copyLock(r.lock), Rev: r.rev}, pub
	}

	l := &domain.Lock{Doc: r.doc, Holder: user.ID, HolderName: user.Username, AcquiredAt: now}
	if ttl > 0 {
		l.ExpiresAt = now.Add(ttl)
	}
	r.lock = l
	r.rev++
	r.broadcastLocked("", TypeLockGranted, LockGrantedPayload{Rev: r.rev, Lock: copyLock(l)}, &pub)
	log.Debug().Str("module", "core.room").Str("doc", string(r.doc)).Str("holder", string(user.ID)).Msg("lock granted")
	return LockResult{Granted: true, Lock: copyLock(l), Rev: r.rev}, pub
}

// ReleaseLock succeeds only for the current holder; a stale release is a
// silent no-op so a lagging client cannot revoke someone else's lock.
func (r *roomImpl) ReleaseLock(user domain.UserID) (*domain.Lock, bool, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pub PublishResult
	if r.lock == nil || r.lock.Holder != user {
		return nil, false, pub
	}
	released := r.lock
	r.lock = nil
	r.rev++
	r.broadcastLocked("", TypeLockReleased, LockReleasedPayload{Rev: r.rev, Holder: released.Holder}, &pub)
	log.Debug().Str("module", "core.room").Str("doc", string(r.doc)).Str("holder", string(user)).Msg("lock released")
	return released, true, pub
}

func (r *roomImpl) CurrentLock(now time.Time) *domain.Lock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lock == nil || r.lock.Expired(now) {
		return nil
	}
	return copyLock(r.lock)
}

// ExpireLock clears a lock whose TTL has passed and announces the release.
// Called from the periodic sweep so members never render a stale holder
// until the next acquire attempt.
func (r *roomImpl) ExpireLock(now time.Time) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pub PublishResult
	r.clearExpiredLockLocked(now, &pub)
	return pub
}

func (r *roomImpl) clearExpiredLockLocked(now time.Time, pub *PublishResult) {
	if r.lock == nil || !r.lock.Expired(now) {
		return
	}
	holder := r.lock.Holder
	r.lock = nil
	r.rev++
	r.broadcastLocked("", TypeLockReleased, LockReleasedPayload{Rev: r.rev, Holder: holder}, pub)
	log.Debug().Str("module", "core.room").Str("doc", string(r.doc)).Str("holder", string(holder)).Msg("lock expired")
}

// AppendMessage assigns the room's next sequence number and fans the message
// out to all members, sender included; that broadcast is how the sender
// learns its sequence number. Sending implies stop-typing, announced in the
// same critical section so it can never be reordered behind a later start.
func (r *roomImpl) AppendMessage(sender *domain.User, text string, now time.Time) (domain.ChatMessage, PublishResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pub PublishResult
	r.chatSeq++
	msg := domain.ChatMessage{
		Doc:        r.doc,
		Seq:        r.chatSeq,
		Sender:     sender.ID,
		SenderName: sender.Username,
		Text:       text,
		SentAt:     now,
	}
	r.history = append(r.history, msg)
	if r.historyCap > 0 && len(r.history) > r.historyCap {
		r.history = append(r.history[:0], r.history[len(r.history)-r.historyCap:]...)
	}
	r.broadcastLocked("", TypeChatMessage, msg, &pub)

	if _, had := r.typing[sender.ID]; had {
		delete(r.typing, sender.ID)
		r.broadcastLocked("", TypeTypingUpdate, TypingPayload{Users: r.typingLocked(now)}, &pub)
	}
	return msg, pub
}

func (r *roomImpl) SetTyping(user domain.UserID, now time.Time, ttl time.Duration) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pub PublishResult
	r.typing[user] = now.Add(ttl)
	r.broadcastLocked("", TypeTypingUpdate, TypingPayload{Users: r.typingLocked(now)}, &pub)
	return pub
}

func (r *roomImpl) ClearTyping(user domain.UserID, now time.Time) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pub PublishResult
	if _, had := r.typing[user]; !had {
		return pub
	}
	delete(r.typing, user)
	r.broadcastLocked("", TypeTypingUpdate, TypingPayload{Users: r.typingLocked(now)}, &pub)
	return pub
}

// ExpireTyping drops stale entries so a client that vanished without a stop
// signal does not leave a permanent indicator. Silent when nothing changed.
func (r *roomImpl) ExpireTyping(now time.Time) PublishResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pub PublishResult
	changed := false
	for u, until := range r.typing {
		if now.After(until) {
			delete(r.typing, u)
			changed = true
		}
	}
	if changed {
		r.broadcastLocked("", TypeTypingUpdate, TypingPayload{Users: r.typingLocked(now)}, &pub)
	}
	return pub
}

func (r *roomImpl) typingLocked(now time.Time) []domain.UserID {
	out := make([]domain.UserID, 0, len(r.typing))
	for u, until := range r.typing {
		if now.After(until) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func copyLock(l *domain.Lock) *domain.Lock {
	if l == nil {
		return nil
	}
	c := *l
	return &c
}
