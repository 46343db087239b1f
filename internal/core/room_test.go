package core

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schooltrack/collabhub/internal/domain"
)

// fakeConn collects frames; failing toggles backpressure.
type fakeConn struct {
	mu      sync.Mutex
	frames  []Frame
	failing bool
}

func (c *fakeConn) TrySend(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failing {
		return errors.New("backpressure")
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *fakeConn) envelopes(t *testing.T) []Envelope {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Envelope, 0, len(c.frames))
	for _, f := range c.frames {
		env, err := DecodeEnvelope(f)
		require.NoError(t, err)
		out = append(out, env)
	}
	return out
}

func (c *fakeConn) lastOfType(t *testing.T, msgType string) (Envelope, bool) {
	t.Helper()
	envs := c.envelopes(t)
	for i := len(envs) - 1; i >= 0; i-- {
		if envs[i].Type == msgType {
			return envs[i], true
		}
	}
	return Envelope{}, false
}

func newMember(id, name string) (MemberSession, *fakeConn) {
	conn := &fakeConn{}
	return NewMemberSession(&domain.User{ID: domain.UserID(id), Username: name}, conn), conn
}

func mustMember(id, name string) MemberSession {
	ms, _ := newMember(id, name)
	return ms
}

func viewerIDs(vs []domain.Viewer) []domain.UserID {
	out := make([]domain.UserID, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.ID)
	}
	return out
}

func typingUsers(t *testing.T, conn *fakeConn) []domain.UserID {
	t.Helper()
	env, ok := conn.lastOfType(t, TypeTypingUpdate)
	require.True(t, ok, "expected a typingUpdate frame")
	var p TypingPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	return p.Users
}

func TestRoom_JoinAndViewers(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()

	alice, _ := newMember("u-alice", "Alice")
	bob, _ := newMember("u-bob", "Bob")

	res, _ := room.Join("c1", alice, now, true)
	require.True(t, res.OK)
	assert.Equal(t, []domain.UserID{"u-alice"}, viewerIDs(res.Viewers))

	res, pub := room.Join("c2", bob, now.Add(time.Second), true)
	require.True(t, res.OK)
	assert.Equal(t, []domain.UserID{"u-alice", "u-bob"}, viewerIDs(res.Viewers))
	assert.Equal(t, 2, room.MemberCount())
	assert.Equal(t, 1, pub.SentTo, "presence goes to the existing member, not the joiner")

	rm, _ := room.Remove("c1", now)
	require.True(t, rm.Removed)
	assert.Equal(t, []domain.UserID{"u-bob"}, viewerIDs(rm.Viewers))
	assert.Greater(t, rm.Rev, res.Rev)

	// Remove is idempotent.
	rm, _ = room.Remove("c1", now)
	assert.False(t, rm.Removed)
}

func TestRoom_DuplicateJoin(t *testing.T) {
	now := time.Now()

	t.Run("replace evicts old connection", func(t *testing.T) {
		room := NewRoomService("doc-1", 10)
		alice1, _ := newMember("u-alice", "Alice")
		alice2, _ := newMember("u-alice", "Alice")

		res, _ := room.Join("c1", alice1, now, true)
		require.True(t, res.OK)
		res, _ = room.Join("c2", alice2, now.Add(time.Second), true)
		require.True(t, res.OK)
		assert.Equal(t, ConnID("c1"), res.Replaced)
		assert.Equal(t, 1, room.MemberCount())
		assert.Equal(t, []domain.UserID{"u-alice"}, viewerIDs(res.Viewers))
	})

	t.Run("reject keeps old connection", func(t *testing.T) {
		room := NewRoomService("doc-1", 10)
		alice1, _ := newMember("u-alice", "Alice")
		alice2, _ := newMember("u-alice", "Alice")

		res, _ := room.Join("c1", alice1, now, false)
		require.True(t, res.OK)
		res, _ = room.Join("c2", alice2, now, false)
		assert.False(t, res.OK)
		assert.Equal(t, 1, room.MemberCount())
	})
}

func TestRoom_ReplaceKeepsLock(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice1, _ := newMember("u-alice", "Alice")
	alice2, _ := newMember("u-alice", "Alice")

	room.Join("c1", alice1, now, true)
	lr, _ := room.AcquireLock(alice1.User(), now, 0)
	require.True(t, lr.Granted)

	// The identity never left the room, so the lock survives replacement.
	res, _ := room.Join("c2", alice2, now, true)
	require.True(t, res.OK)
	require.NotNil(t, res.Lock)
	assert.Equal(t, domain.UserID("u-alice"), res.Lock.Holder)

	// Cleanup of the superseded connection must not release it either.
	rm, _ := room.Remove("c1", now)
	assert.False(t, rm.Removed)
	assert.NotNil(t, room.CurrentLock(now))
}

func TestRoom_LockLifecycle(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, _ := newMember("u-alice", "Alice")
	bob, bobConn := newMember("u-bob", "Bob")
	room.Join("c1", alice, now, true)
	room.Join("c2", bob, now, true)

	res, _ := room.AcquireLock(alice.User(), now, 0)
	require.True(t, res.Granted)
	assert.Equal(t, domain.UserID("u-alice"), res.Lock.Holder)

	// Every member sees the grant.
	env, ok := bobConn.lastOfType(t, TypeLockGranted)
	require.True(t, ok)
	var granted LockGrantedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &granted))
	assert.Equal(t, domain.UserID("u-alice"), granted.Lock.Holder)

	// Loser gets the winner's identity, never a silent failure.
	denied, _ := room.AcquireLock(bob.User(), now, 0)
	assert.False(t, denied.Granted)
	assert.Equal(t, domain.UserID("u-alice"), denied.Lock.Holder)
	assert.Equal(t, "Alice", denied.Lock.HolderName)

	// Re-acquire by the holder is idempotent.
	again, _ := room.AcquireLock(alice.User(), now, 0)
	assert.True(t, again.Granted)
	assert.Equal(t, res.Lock.AcquiredAt, again.Lock.AcquiredAt)

	// Stale release by a non-holder is a no-op.
	_, ok2, _ := room.ReleaseLock("u-bob")
	assert.False(t, ok2)
	assert.NotNil(t, room.CurrentLock(now))

	released, ok2, _ := room.ReleaseLock("u-alice")
	require.True(t, ok2)
	assert.Equal(t, domain.UserID("u-alice"), released.Holder)
	assert.Nil(t, room.CurrentLock(now))

	lr, _ := room.AcquireLock(bob.User(), now, 0)
	assert.True(t, lr.Granted)
}

func TestRoom_LockExpiry(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, aliceConn := newMember("u-alice", "Alice")
	bob, _ := newMember("u-bob", "Bob")
	room.Join("c1", alice, now, true)
	room.Join("c2", bob, now, true)

	res, _ := room.AcquireLock(alice.User(), now, time.Minute)
	require.True(t, res.Granted)
	assert.Equal(t, now.Add(time.Minute), res.Lock.ExpiresAt)

	// Still live just before expiry.
	denied, _ := room.AcquireLock(bob.User(), now.Add(59*time.Second), time.Minute)
	assert.False(t, denied.Granted)

	// Expired lock is treated as free at the next arbitration point, and the
	// release is announced so members stop rendering the stale holder.
	later := now.Add(2 * time.Minute)
	assert.Nil(t, room.CurrentLock(later))
	granted, _ := room.AcquireLock(bob.User(), later, time.Minute)
	require.True(t, granted.Granted)
	assert.Equal(t, domain.UserID("u-bob"), granted.Lock.Holder)

	var sawRelease bool
	for _, env := range aliceConn.envelopes(t) {
		if env.Type != TypeLockReleased {
			continue
		}
		var p LockReleasedPayload
		require.NoError(t, json.Unmarshal(env.Payload, &p))
		assert.Equal(t, domain.UserID("u-alice"), p.Holder)
		sawRelease = true
	}
	assert.True(t, sawRelease, "expiry must announce the release")
}

func TestRoom_ExpireLockAnnouncesRelease(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, _ := newMember("u-alice", "Alice")
	bob, bobConn := newMember("u-bob", "Bob")
	room.Join("c1", alice, now, true)
	room.Join("c2", bob, now, true)

	lr, _ := room.AcquireLock(alice.User(), now, time.Minute)
	require.True(t, lr.Granted)

	// Nothing to announce while the TTL is live.
	pub := room.ExpireLock(now.Add(30 * time.Second))
	assert.Zero(t, pub.SentTo)

	// The sweep observes the expiry without any acquire attempt.
	pub = room.ExpireLock(now.Add(2 * time.Minute))
	assert.Equal(t, 2, pub.SentTo)
	env, ok := bobConn.lastOfType(t, TypeLockReleased)
	require.True(t, ok)
	var p LockReleasedPayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, domain.UserID("u-alice"), p.Holder)
	assert.Nil(t, room.CurrentLock(now.Add(2*time.Minute)))
}

func TestRoom_RemoveReleasesLock(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, _ := newMember("u-alice", "Alice")
	bob, bobConn := newMember("u-bob", "Bob")
	room.Join("c1", alice, now, true)
	room.Join("c2", bob, now, true)
	lr, _ := room.AcquireLock(alice.User(), now, 0)
	require.True(t, lr.Granted)

	rm, _ := room.Remove("c1", now)
	require.True(t, rm.Removed)
	require.NotNil(t, rm.Released)
	assert.Equal(t, domain.UserID("u-alice"), rm.Released.Holder)
	assert.Nil(t, room.CurrentLock(now))

	_, ok := bobConn.lastOfType(t, TypeLockReleased)
	assert.True(t, ok, "remaining members must learn the lock is free")
}

func TestRoom_ChatSeqStrictlyIncreasing(t *testing.T) {
	room := NewRoomService("doc-1", 0)
	now := time.Now()
	alice, _ := newMember("u-alice", "Alice")
	room.Join("c1", alice, now, true)

	const workers = 8
	const perWorker = 25
	seqs := make(chan uint64, workers*perWorker)

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				msg, _ := room.AppendMessage(alice.User(), "hi", now)
				seqs <- msg.Seq
			}
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool)
	for s := range seqs {
		assert.False(t, seen[s], "duplicate seq %d", s)
		seen[s] = true
	}
	require.Len(t, seen, workers*perWorker)
	for i := uint64(1); i <= workers*perWorker; i++ {
		assert.True(t, seen[i], "gap at seq %d", i)
	}
}

// A member's delivery order must match the order the mutations were applied:
// frames are enqueued under the same mutex that assigned the sequence number.
func TestRoom_MembersObserveMutationOrder(t *testing.T) {
	room := NewRoomService("doc-1", 0)
	now := time.Now()
	observer, obsConn := newMember("u-obs", "Observer")
	room.Join("c0", observer, now, true)

	const senders = 8
	const perSender = 40
	members := make([]MemberSession, senders)
	for i := range senders {
		members[i] = mustMember(fmt.Sprintf("u%d", i+1), "Sender")
		room.Join(ConnID(fmt.Sprintf("c%d", i+1)), members[i], now, true)
	}

	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func(ms MemberSession) {
			defer wg.Done()
			for range perSender {
				room.AppendMessage(ms.User(), "hi", now)
			}
		}(members[i])
	}
	wg.Wait()

	var last uint64
	var count int
	for _, env := range obsConn.envelopes(t) {
		if env.Type != TypeChatMessage {
			continue
		}
		var msg domain.ChatMessage
		require.NoError(t, json.Unmarshal(env.Payload, &msg))
		require.Greater(t, msg.Seq, last, "observed seq %d after seq %d", msg.Seq, last)
		last = msg.Seq
		count++
	}
	assert.Equal(t, senders*perSender, count)
}

func TestRoom_HistoryRing(t *testing.T) {
	room := NewRoomService("doc-1", 3)
	now := time.Now()
	alice, _ := newMember("u-alice", "Alice")
	room.Join("c1", alice, now, true)

	for _, text := range []string{"one", "two", "three", "four", "five"} {
		room.AppendMessage(alice.User(), text, now)
	}

	res, _ := room.Join("c2", mustMember("u-bob", "Bob"), now, true)
	require.Len(t, res.History, 3)
	assert.Equal(t, "three", res.History[0].Text)
	assert.Equal(t, "five", res.History[2].Text)
	assert.Equal(t, uint64(5), res.History[2].Seq)
}

func TestRoom_Typing(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, aliceConn := newMember("u-alice", "Alice")
	room.Join("c1", alice, now, true)

	room.SetTyping("u-alice", now, 4*time.Second)
	assert.Equal(t, []domain.UserID{"u-alice"}, typingUsers(t, aliceConn))

	// Not expired yet: nothing is announced.
	before := aliceConn.count()
	pub := room.ExpireTyping(now.Add(2 * time.Second))
	assert.Zero(t, pub.SentTo)
	assert.Equal(t, before, aliceConn.count())

	// A client that vanished without typingStop clears automatically.
	room.ExpireTyping(now.Add(5 * time.Second))
	assert.Empty(t, typingUsers(t, aliceConn))

	room.SetTyping("u-alice", now, 4*time.Second)
	room.ClearTyping("u-alice", now)
	assert.Empty(t, typingUsers(t, aliceConn))

	// Clearing an absent entry announces nothing.
	before = aliceConn.count()
	pub = room.ClearTyping("u-alice", now)
	assert.Zero(t, pub.SentTo)
	assert.Equal(t, before, aliceConn.count())
}

// The typing snapshot must be filtered against the caller's clock, not the
// wall clock, or a diverging test/injected clock produces a wrong list.
func TestRoom_RemoveFiltersTypingWithGivenClock(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	base := time.Now().Add(time.Hour)
	alice, _ := newMember("u-alice", "Alice")
	bob, bobConn := newMember("u-bob", "Bob")
	room.Join("c1", alice, base, true)
	room.Join("c2", bob, base, true)

	room.SetTyping("u-alice", base, 4*time.Second)
	room.SetTyping("u-bob", base, 4*time.Second)

	// At base+10s both entries are expired by the given clock, even though
	// the wall clock has not reached base yet.
	rm, _ := room.Remove("c1", base.Add(10*time.Second))
	require.True(t, rm.Removed)
	assert.Empty(t, typingUsers(t, bobConn))
}

func TestRoom_BroadcastReportsSlowConsumers(t *testing.T) {
	room := NewRoomService("doc-1", 10)
	now := time.Now()
	alice, aliceConn := newMember("u-alice", "Alice")
	bob, bobConn := newMember("u-bob", "Bob")
	room.Join("c1", alice, now, true)

	// The joiner is excluded from its own presence broadcast.
	_, pub := room.Join("c2", bob, now, true)
	assert.Equal(t, 1, pub.SentTo)
	assert.Empty(t, pub.Dropped)

	bobConn.failing = true
	sent := aliceConn.count()
	_, pub = room.AppendMessage(alice.User(), "x", now)
	assert.Equal(t, 1, pub.SentTo)
	assert.Equal(t, []ConnID{"c2"}, pub.Dropped)
	assert.Equal(t, sent+1, aliceConn.count())
}

// TestRoom_LockInvariant hammers one document with randomized concurrent
// acquire/release and checks the invariant directly: at no instant does more
// than one user believe it holds the lock.
func TestRoom_LockInvariant(t *testing.T) {
	room := NewRoomService("doc-1", 0)
	now := time.Now()

	const users = 6
	sessions := make([]MemberSession, users)
	for i := range users {
		sessions[i] = mustMember(string(rune('a'+i)), "User")
		room.Join(ConnID(string(rune('A'+i))), sessions[i], now, true)
	}

	var holders atomic.Int32
	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(me MemberSession) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(i + 1)))
			holding := false
			for range 500 {
				if !holding {
					res, _ := room.AcquireLock(me.User(), time.Now(), 0)
					if res.Granted {
						holding = true
						if n := holders.Add(1); n != 1 {
							t.Errorf("lock invariant violated: %d holders", n)
						}
					}
				} else if rng.Intn(3) == 0 {
					holders.Add(-1)
					_, ok, _ := room.ReleaseLock(me.User().ID)
					if !ok {
						t.Error("holder release reported stale")
					}
					holding = false
				}
			}
			if holding {
				holders.Add(-1)
				room.ReleaseLock(me.User().ID)
			}
		}(sessions[i])
	}
	wg.Wait()
	assert.Equal(t, int32(0), holders.Load())
}
