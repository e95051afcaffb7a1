package realtime

import (
	"sync"

	"github.com/google/uuid"

	"papyris/cmd/internal/fanout"
)

// Registry is the per-process index of live connections by user and by room.
//
// Concurrency guarantees:
// - All methods are safe for concurrent use.
// - Iteration works on a snapshot, so callbacks may call back into the
//   Registry and never run under its lock.
// - Delivery never blocks: a full or closing client is skipped.
//
// Room membership here is advisory; authorization is re-checked by the
// session on every mutating event.
type Registry struct {
	mu     sync.RWMutex
	byUser map[uuid.UUID]map[*Client]struct{}
	byRoom map[string]map[*Client]struct{}
	rooms  map[*Client]map[string]struct{}
}

var _ fanout.Deliverer = (*Registry)(nil)

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[uuid.UUID]map[*Client]struct{}),
		byRoom: make(map[string]map[*Client]struct{}),
		rooms:  make(map[*Client]map[string]struct{}),
	}
}

// Register adds c and reports whether it is the user's first connection in
// this process.
func (r *Registry) Register(c *Client) (first bool) {
	if r == nil || c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[c]; ok {
		return false
	}
	set := r.byUser[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byUser[c.UserID] = set
	}
	set[c] = struct{}{}
	r.rooms[c] = make(map[string]struct{})
	return len(set) == 1
}

// Deregister removes c from every room and from its user, and reports whether
// it was the user's last connection in this process. Repeated calls return
// false.
func (r *Registry) Deregister(c *Client) (last bool) {
	if r == nil || c == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.rooms[c]
	if !ok {
		return false
	}
	for room := range rooms {
		r.removeFromRoomLocked(room, c)
	}
	delete(r.rooms, c)

	set := r.byUser[c.UserID]
	delete(set, c)
	if len(set) == 0 {
		delete(r.byUser, c.UserID)
		return true
	}
	return false
}

// JoinRoom subscribes c to room. It reports false for an unregistered client.
func (r *Registry) JoinRoom(room string, c *Client) bool {
	if r == nil || c == nil || room == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms, ok := r.rooms[c]
	if !ok {
		return false
	}
	rooms[room] = struct{}{}
	set := r.byRoom[room]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byRoom[room] = set
	}
	set[c] = struct{}{}
	return true
}

// LeaveRoom unsubscribes c from room. Leaving a room twice is a no-op.
func (r *Registry) LeaveRoom(room string, c *Client) {
	if r == nil || c == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rooms, ok := r.rooms[c]; ok {
		delete(rooms, room)
	}
	r.removeFromRoomLocked(room, c)
}

func (r *Registry) removeFromRoomLocked(room string, c *Client) {
	set := r.byRoom[room]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.byRoom, room)
	}
}

// InRoom reports whether c is subscribed to room.
func (r *Registry) InRoom(room string, c *Client) bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byRoom[room][c]
	return ok
}

// ForEachInRoom calls fn for every client subscribed to room.
func (r *Registry) ForEachInRoom(room string, fn func(*Client)) {
	for _, c := range r.snapshot(func() map[*Client]struct{} { return r.byRoom[room] }) {
		fn(c)
	}
}

// ForEachOfUser calls fn for every connection of userID.
func (r *Registry) ForEachOfUser(userID uuid.UUID, fn func(*Client)) {
	for _, c := range r.snapshot(func() map[*Client]struct{} { return r.byUser[userID] }) {
		fn(c)
	}
}

// ForEachConn calls fn for every registered connection.
func (r *Registry) ForEachConn(fn func(*Client)) {
	if r == nil {
		return
	}
	r.mu.RLock()
	all := make([]*Client, 0, len(r.rooms))
	for c := range r.rooms {
		all = append(all, c)
	}
	r.mu.RUnlock()

	for _, c := range all {
		fn(c)
	}
}

func (r *Registry) snapshot(pick func() map[*Client]struct{}) []*Client {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := pick()
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// DeliverRoom implements fanout.Deliverer.
func (r *Registry) DeliverRoom(room string, payload []byte) (delivered, dropped int) {
	r.ForEachInRoom(room, func(c *Client) {
		if c.Enqueue(payload) {
			delivered++
		} else {
			dropped++
		}
	})
	return delivered, dropped
}

// DeliverAll implements fanout.Deliverer.
func (r *Registry) DeliverAll(payload []byte) (delivered, dropped int) {
	r.ForEachConn(func(c *Client) {
		if c.Enqueue(payload) {
			delivered++
		} else {
			dropped++
		}
	})
	return delivered, dropped
}

// Connections returns the number of registered connections.
func (r *Registry) Connections() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Users returns the number of users with at least one connection.
func (r *Registry) Users() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
