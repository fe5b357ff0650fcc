// Package room implements the in-memory connection/room registry.
//
// The Registry is the only shared mutable state in the relay. It owns two
// maps that must stay consistent under concurrent mutation: the per-room
// member map (roomID -> userID -> Member) and the reverse membership index
// (Conn -> Membership). Every membership mutation, whether triggered by an
// explicit leave, an abnormal disconnect or the liveness reaper, goes
// through Remove so the two maps can never disagree.
package room

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateUser is returned by Join when the userId is already taken
	// inside the target room. The join must not mutate any state.
	ErrDuplicateUser = errors.New("user id already present in room")

	// ErrAlreadyJoined is returned by Join when the connection is already a
	// member of some room. A connection holds at most one membership.
	ErrAlreadyJoined = errors.New("connection already joined a room")
)

// Conn is the transport handle stored per member. Implementations must be
// comparable (typically a pointer type) because the registry keys the
// membership index by Conn.
type Conn interface {
	// Open reports whether the underlying channel can still deliver messages.
	Open() bool
}

// User is a room-scoped identity. The userId is unique within its room only,
// never globally.
type User struct {
	ID       string
	Nick     string
	Avatar   string
	JoinedAt time.Time
}

// Member pairs a user identity with the connection that owns it.
type Member struct {
	User User
	Conn Conn
}

// Membership locates a connection inside the registry: which room it is in
// and under which user identity.
type Membership struct {
	RoomID string
	UserID string
	Nick   string
}

// Registry is the concurrent room/membership store. The zero value is not
// usable; construct with NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
	index map[Conn]Membership
}

func NewRegistry() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Member),
		index: make(map[Conn]Membership),
	}
}

// Join adds conn to roomID under userID, creating the room if it does not
// exist yet. On success it returns the members that were already present,
// for the caller to relay to the newcomer. The member entry and the index
// entry are inserted in the same critical section, so either both exist or
// neither does.
//
// notify, when non-nil, runs inside that same critical section with the
// pre-join snapshot: fan-out enqueued there is ordered before any Broadcast
// that observes the new member. Like Broadcast's deliver, it must not block.
func (r *Registry) Join(roomID, userID, nick, avatar string, conn Conn, notify func(existing []Member)) ([]Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, joined := r.index[conn]; joined {
		return nil, ErrAlreadyJoined
	}

	members := r.rooms[roomID]
	if _, taken := members[userID]; taken {
		return nil, ErrDuplicateUser
	}
	if members == nil {
		members = make(map[string]Member)
		r.rooms[roomID] = members
	}

	existing := make([]Member, 0, len(members))
	for _, m := range members {
		existing = append(existing, m)
	}
	sortMembers(existing)

	members[userID] = Member{
		User: User{ID: userID, Nick: nick, Avatar: avatar, JoinedAt: time.Now()},
		Conn: conn,
	}
	r.index[conn] = Membership{RoomID: roomID, UserID: userID, Nick: nick}

	if notify != nil {
		notify(existing)
	}
	return existing, nil
}

// Resolve maps a connection to its current membership in O(1).
func (r *Registry) Resolve(conn Conn) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ms, ok := r.index[conn]
	return ms, ok
}

// LookupMember returns the connection serving userID inside roomID.
func (r *Registry) LookupMember(roomID, userID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.rooms[roomID][userID]
	if !ok {
		return nil, false
	}
	return m.Conn, true
}

// Members returns a point-in-time copy of the room's member list, ordered by
// join time. The copy is safe to iterate while other goroutines mutate the
// room.
func (r *Registry) Members(roomID string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[roomID]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	sortMembers(out)
	return out
}

// Remove deletes the connection's membership and its room entry together and
// drops the room once its last member is gone. Removing a connection that is
// not a member is a no-op; the second call of a disconnect/reap race simply
// reports false.
//
// notify, when non-nil, runs inside the critical section with the remaining
// members, so the leave notification is ordered against concurrent
// Broadcasts. It must not block.
func (r *Registry) Remove(conn Conn, notify func(ms Membership, remaining []Member)) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ms, ok := r.index[conn]
	if !ok {
		return Membership{}, false
	}
	delete(r.index, conn)

	members := r.rooms[ms.RoomID]
	if members != nil {
		delete(members, ms.UserID)
		if len(members) == 0 {
			delete(r.rooms, ms.RoomID)
		}
	}

	if notify != nil {
		remaining := make([]Member, 0, len(members))
		for _, m := range members {
			remaining = append(remaining, m)
		}
		sortMembers(remaining)
		notify(ms, remaining)
	}
	return ms, true
}

// Broadcast invokes deliver for every current member of the room inside the
// registry's critical section, so every member observes room events (chat,
// join/leave notifications) in one total order. deliver must not block; the
// signaling layer satisfies this with non-blocking per-connection queues.
func (r *Registry) Broadcast(roomID string, deliver func(Member)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.rooms[roomID] {
		deliver(m)
	}
}

// RoomCount returns the number of live rooms. Used by the health probe.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Conns returns a snapshot of every registered connection, for the liveness
// monitor's registry sweep.
func (r *Registry) Conns() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Conn, 0, len(r.index))
	for c := range r.index {
		out = append(out, c)
	}
	return out
}

func sortMembers(members []Member) {
	sort.Slice(members, func(i, j int) bool {
		a, b := members[i].User, members[j].User
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
}
