// Copyright 2024-2026 Aiku AI

package bridge

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// roomLocks serializes work per Matrix room. Events for different rooms run in
// parallel; a transition or relay for one room never races another on the
// same room.
type roomLocks struct {
	mu    sync.Mutex
	locks map[id.RoomID]*sync.Mutex
}

func newRoomLocks() *roomLocks {
	return &roomLocks{locks: make(map[id.RoomID]*sync.Mutex)}
}

// Lock acquires the mutex for roomID and returns the unlock func. Locks are
// kept for the life of the process; the room set is small and bounded by the
// rooms the bridge manages.
func (r *roomLocks) Lock(roomID id.RoomID) func() {
	r.mu.Lock()
	lock, ok := r.locks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[roomID] = lock
	}
	r.mu.Unlock()
	lock.Lock()
	return lock.Unlock
}
