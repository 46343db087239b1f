package core

import (
	"sync"
	"time"

	"github.com/schooltrack/collabhub/internal/domain"
)

type roomManagerImpl struct {
	historyCap int

	mu    sync.RWMutex
	rooms map[domain.DocumentID]RoomService
}

func NewRoomManager(historyCap int) RoomManager {
	return &roomManagerImpl{
		historyCap: historyCap,
		rooms:      make(map[domain.DocumentID]RoomService),
	}
}

func (f *roomManagerImpl) GetOrCreate(doc domain.DocumentID) RoomService {
	f.mu.RLock()
	room, ok := f.rooms[doc]
	f.mu.RUnlock()
	if ok {
		return room
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if room, ok = f.rooms[doc]; ok {
		return room
	}
	room = NewRoomService(doc, f.historyCap)
	f.rooms[doc] = room
	return room
}

func (f *roomManagerImpl) Get(doc domain.DocumentID) (RoomService, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	room, ok := f.rooms[doc]
	return room, ok
}

func (f *roomManagerImpl) List() []RoomInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]RoomInfo, 0, len(f.rooms))
	for doc, r := range f.rooms {
		out = append(out, RoomInfo{
			Doc:         doc,
			ViewerCount: r.MemberCount(),
			Locked:      r.CurrentLock(time.Now()) != nil,
		})
	}
	return out
}

// DropIfEmpty removes the room once its last member left. The empty check and
// the delete run under the manager lock, but a concurrent GetOrCreate that
// already returned this room may still add a member; the hub tolerates that
// by re-creating the room on the next join.
func (f *roomManagerImpl) DropIfEmpty(doc domain.DocumentID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[doc]
	if !ok || room.MemberCount() > 0 {
		return false
	}
	delete(f.rooms, doc)
	return true
}
