package chat

import (
	"encoding/json"
	"sync"
	"time"
)

// Registry maps room ids to live member sets and per-room sequence counters.
//
// Lock order is registry.mu -> room.mu -> Connection.mu, always. Membership
// mutation (join/leave/GC) holds the registry write lock so a room can never
// be garbage-collected out from under a join. The broadcast hot path only
// takes the registry read lock to find the room, then works inside that
// room's own critical section, so rooms broadcast in parallel.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room
}

type room struct {
	id      string
	mu      sync.Mutex
	members map[string]*Connection // connection id -> connection
	seq     uint64
}

// nextSeq increments and returns the room's counter. Callers hold r.mu.
func (r *room) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]*room)}
}

// Join adds the connection to the room, creating the room with sequence 0 on
// first join. The room member set and the connection's joined set move
// together inside the critical section, and only an Active connection gets
// in: a connection the close path has already torn down would otherwise be
// re-added after its LeaveAll and linger in the member set forever.
func (reg *Registry) Join(roomID string, c *Connection) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		r = &room{id: roomID, members: make(map[string]*Connection)}
	}

	r.mu.Lock()
	err := c.addRoomIfActive(roomID)
	if err == nil {
		r.members[c.id] = c
		if !ok {
			reg.rooms[roomID] = r
		}
	}
	r.mu.Unlock()
	return err
}

// Leave removes the connection from the room and deletes the room once its
// last member is gone. Leaving a room one is not in is a no-op.
func (reg *Registry) Leave(roomID string, c *Connection) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	r, ok := reg.rooms[roomID]
	if !ok {
		c.removeRoom(roomID)
		return
	}

	r.mu.Lock()
	delete(r.members, c.id)
	c.removeRoom(roomID)
	empty := len(r.members) == 0
	r.mu.Unlock()

	if empty {
		delete(reg.rooms, roomID)
	}
}

// LeaveAll removes the connection from every room it joined and returns the
// affected room ids.
func (reg *Registry) LeaveAll(c *Connection) []string {
	ids := c.joinedRooms()
	for _, id := range ids {
		reg.Leave(id, c)
	}
	return ids
}

// Snapshot returns an immutable copy of the room's current member set. A
// missing room reads as empty.
func (reg *Registry) Snapshot(roomID string) []*Connection {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	members := make([]*Connection, 0, len(r.members))
	for _, c := range r.members {
		members = append(members, c)
	}
	return members
}

// NextSeq atomically increments and returns the room's sequence counter.
// Returns 0 for a room that does not exist.
func (reg *Registry) NextSeq(roomID string) uint64 {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nextSeq()
}

// MemberCount reports the current size of the room's member set.
func (reg *Registry) MemberCount(roomID string) int {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Stats reports room and member totals for the health endpoint.
func (reg *Registry) Stats() (rooms, members int) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	rooms = len(reg.rooms)
	for _, r := range reg.rooms {
		r.mu.Lock()
		members += len(r.members)
		r.mu.Unlock()
	}
	return rooms, members
}

// dispatch assigns the next sequence number, stamps the message and enqueues
// it to every current member inside the room critical section. Holding the
// room lock across the enqueues is what makes every member observe strictly
// increasing sequence numbers; the enqueue itself never blocks, so no I/O
// happens under the lock. Members whose queue rejected the frame come back
// in overflowed, delivery to everyone else is unaffected.
func (reg *Registry) dispatch(roomID string, sender *Connection, payload json.RawMessage) (*Message, []*Connection, error) {
	reg.mu.RLock()
	r, ok := reg.rooms[roomID]
	reg.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotAMember
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, member := r.members[sender.id]; !member {
		return nil, nil, ErrNotAMember
	}

	msg := &Message{
		RoomID:  roomID,
		Sender:  sender.identity,
		Seq:     r.nextSeq(),
		Payload: payload,
		At:      time.Now().UTC(),
	}
	frame := Frame{Event: EventMessage, Body: msg}

	var overflowed []*Connection
	for _, m := range r.members {
		if err := m.Send(frame); err != nil {
			overflowed = append(overflowed, m)
		}
	}
	return msg, overflowed, nil
}
