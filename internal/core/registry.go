package core

import (
	"sort"
	"sync"

	"github.com/samber/lo"
)

// Registry maps room names to the handles currently joined to them.
// A handle is in at most one room. Writes come from the hub loop only;
// room workers read member snapshots concurrently.
type Registry struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	roomOf map[*Client]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		roomOf: make(map[*Client]string),
	}
}

// Join registers c under room. If c was in another room it is removed from it
// first and that room's name is returned as previous. added is false when c was
// already in room, which makes repeated joins a no-op.
func (r *Registry) Join(c *Client, room string) (previous string, added bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.roomOf[c]; ok {
		if current == room {
			return "", false
		}
		r.removeLocked(c, current)
		previous = current
	}

	rm, ok := r.rooms[room]
	if !ok {
		rm = NewRoom(room)
		r.rooms[room] = rm
	}
	rm.AddClient(c)
	r.roomOf[c] = room
	return previous, true
}

// Leave removes c from whatever room it occupies. ok is false if c was not joined.
func (r *Registry) Leave(c *Client) (room string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok = r.roomOf[c]
	if !ok {
		return "", false
	}
	r.removeLocked(c, room)
	return room, true
}

func (r *Registry) removeLocked(c *Client, room string) {
	delete(r.roomOf, c)
	rm, ok := r.rooms[room]
	if !ok {
		return
	}
	rm.RemoveClient(c)
	if rm.Empty() {
		delete(r.rooms, room)
	}
}

// MembersOf returns a snapshot of the handles joined to room.
func (r *Registry) MembersOf(room string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rm, ok := r.rooms[room]
	if !ok {
		return nil
	}
	return rm.Members()
}

// RoomOf reports the room c is joined to.
func (r *Registry) RoomOf(c *Client) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.roomOf[c]
	return room, ok
}

// Occupancy returns the number of handles joined to room.
func (r *Registry) Occupancy(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if rm, ok := r.rooms[room]; ok {
		return rm.Len()
	}
	return 0
}

// Rooms lists rooms that currently have members, sorted by name.
func (r *Registry) Rooms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := lo.Keys(r.rooms)
	sort.Strings(names)
	return names
}
