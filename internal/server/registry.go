// Package server tracks room membership and declared identities for live
// connections through the Registry type.
package server

// Peer is a live connection as seen by the registry and the broadcast path.
type Peer interface {
	ID() string
	// Deliver queues payload for the peer without blocking and reports
	// whether it was accepted.
	Deliver(payload []byte) bool
}

type member struct {
	peer   Peer
	userID string
}

// Registry maps each live connection in the room to its declared identity.
// It is owned by the hub loop and is not safe for concurrent use.
type Registry struct {
	roomID  string
	members map[string]*member
	order   []string
}

// NewRegistry creates an empty registry for the room roomID.
func NewRegistry(roomID string) *Registry {
	return &Registry{
		roomID:  roomID,
		members: make(map[string]*member),
	}
}

// RoomID returns the id of the room the registry tracks.
func (r *Registry) RoomID() string {
	return r.roomID
}

// Join adds p to the room with no identity. Joining an existing member is a
// no-op and returns false.
func (r *Registry) Join(p Peer) bool {
	if p == nil {
		return false
	}
	if _, ok := r.members[p.ID()]; ok {
		return false
	}
	r.members[p.ID()] = &member{peer: p}
	r.order = append(r.order, p.ID())
	return true
}

// Declare associates userID with the connection, replacing any earlier
// association. It returns false when id is not a room member.
func (r *Registry) Declare(id, userID string) bool {
	m, ok := r.members[id]
	if !ok {
		return false
	}
	m.userID = userID
	return true
}

// Leave removes the connection and its identity, returning the removed peer.
// Anonymous connections and unknown ids are both handled.
func (r *Registry) Leave(id string) (Peer, bool) {
	m, ok := r.members[id]
	if !ok {
		return nil, false
	}
	delete(r.members, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return m.peer, true
}

// IsMember reports whether id is currently in the room.
func (r *Registry) IsMember(id string) bool {
	_, ok := r.members[id]
	return ok
}

// Identity returns the user id declared for the connection, or "".
func (r *Registry) Identity(id string) string {
	if m, ok := r.members[id]; ok {
		return m.userID
	}
	return ""
}

// Members returns the room members in join order.
func (r *Registry) Members() []Peer {
	peers := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		peers = append(peers, r.members[id].peer)
	}
	return peers
}

// Size returns the number of live, registered connections.
func (r *Registry) Size() int {
	return len(r.members)
}
