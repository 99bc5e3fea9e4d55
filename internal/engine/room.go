package engine

// Room is an immutable pairing of exactly two connections. It is created
// at match time and destroyed as a whole when either member leaves; a
// room never survives with a single member.
type Room struct {
	id string
	a  Conn
	b  Conn
}

// ID returns the room's unique identifier.
func (r *Room) ID() string {
	return r.id
}

// Members returns both member connections in match order: the earlier
// waiter first, the joiner that completed the match second.
func (r *Room) Members() (Conn, Conn) {
	return r.a, r.b
}

// Other returns the member that is not the given connection.
//
// Postcondition: Returns (partner, true) if connID is a member, or (nil, false) otherwise.
func (r *Room) Other(connID string) (Conn, bool) {
	switch connID {
	case r.a.ID():
		return r.b, true
	case r.b.ID():
		return r.a, true
	}
	return nil, false
}
