package engine

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps connections to their paired partner. Both directions are
// derived from a single shared Room entity indexed by room ID, so the two
// sides of a pair cannot drift out of sync.
//
// Storage uses sync.Map so that lookups and removals never contend with
// the matchmaking critical section; Registry methods may be called while
// the queue lock is held without taking a second lock.
type Registry struct {
	rooms  sync.Map // roomID → *Room
	member sync.Map // connID → roomID
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Bind commits a matched pair to room storage.
//
// Precondition: a and b must be distinct open connections, neither already roomed.
// Postcondition: PartnerOf resolves symmetrically for both members.
func (r *Registry) Bind(a, b Conn) *Room {
	room := &Room{id: uuid.NewString(), a: a, b: b}
	r.rooms.Store(room.id, room)
	r.member.Store(a.ID(), room.id)
	r.member.Store(b.ID(), room.id)
	return room
}

// Contains reports whether the connection is currently a room member.
func (r *Registry) Contains(connID string) bool {
	_, ok := r.member.Load(connID)
	return ok
}

// PartnerOf returns the partner of the given connection, if it is paired.
func (r *Registry) PartnerOf(connID string) (Conn, bool) {
	roomID, ok := r.member.Load(connID)
	if !ok {
		return nil, false
	}
	v, ok := r.rooms.Load(roomID)
	if !ok {
		return nil, false
	}
	return v.(*Room).Other(connID)
}

// Remove deletes the connection's room entirely and returns the other
// member so the caller can notify it. Rooms are strictly pairwise, so
// losing one member dissolves the room.
//
// Postcondition: Neither member resolves via PartnerOf afterwards. Safe to
// call for connections that were never paired; returns (nil, false) then
// and on repeated calls.
func (r *Registry) Remove(connID string) (Conn, bool) {
	roomID, ok := r.member.LoadAndDelete(connID)
	if !ok {
		return nil, false
	}
	v, ok := r.rooms.LoadAndDelete(roomID)
	if !ok {
		return nil, false
	}
	partner, ok := v.(*Room).Other(connID)
	if !ok {
		return nil, false
	}
	r.member.Delete(partner.ID())
	return partner, true
}
