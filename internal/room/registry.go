package room

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Registry maps room ids to live rooms. It is a plain service object so the
// connection layer can own one instance and tests can use a fresh registry
// each.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry() *Registry {
	return &Registry{rooms: map[string]*Room{}}
}

// newRoomID returns a short room identifier: the first 8 hex characters of a
// random uuid, negligible collision probability at expected room counts.
func newRoomID() string {
	return uuid.NewString()[:8]
}

// Create allocates a fresh room with an empty initialized document. It does
// not join the caller.
func (g *Registry) Create() *Room {
	g.mu.Lock()
	defer g.mu.Unlock()
	for {
		id := newRoomID()
		if _, taken := g.rooms[id]; taken {
			continue
		}
		r := newRoom(id)
		g.rooms[id] = r
		slog.Info("created room", "room", id)
		return r
	}
}

// Get looks up a live room.
func (g *Registry) Get(id string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	return r, ok
}

// Join adds the peer to the room and returns the snapshot it must apply
// before anything else. ok is false when the room does not exist: joins
// never auto-create.
func (g *Registry) Join(id string, p Peer) (snapshot []byte, room *Room, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, found := g.rooms[id]
	if !found {
		return nil, nil, false
	}
	// Still under the registry lock so a concurrent Leave cannot reap the
	// room between lookup and join.
	return r.join(p), r, true
}

// Leave removes the session from the room. The room and its document are
// destroyed when the last session leaves.
func (g *Registry) Leave(id, sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[id]
	if !ok {
		return
	}
	if r.leave(sessionID) {
		delete(g.rooms, id)
		slog.Info("deleted empty room", "room", id)
	}
}

// Len reports the number of live rooms.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.rooms)
}

// Range calls fn for each live room until it returns false.
func (g *Registry) Range(fn func(r *Room) bool) {
	g.mu.Lock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, r := range g.rooms {
		rooms = append(rooms, r)
	}
	g.mu.Unlock()
	for _, r := range rooms {
		if !fn(r) {
			return
		}
	}
}
