// Package room owns the server's in-memory room map: one authoritative
// replicated document plus the set of connected sessions per room. Rooms are
// created on demand and destroyed as soon as the last session leaves; there
// is no persistence of idle rooms.
package room

import (
	"fmt"
	"sync"

	"github.com/xnscdev/techboard/internal/board"
)

// Peer is one connected session from the room's point of view. Deliver
// queues a broadcast delta and must not block: the relay layer backs it with
// a bounded queue and disconnects sessions that cannot drain.
type Peer interface {
	SessionID() string
	Deliver(update []byte)
}

// Room is the unit of shared state: the authoritative document and its
// current sessions. All access is serialized by the room mutex, the Go
// rendition of the source's single-threaded event loop turn.
type Room struct {
	ID string

	mu    sync.Mutex
	doc   *board.Document
	peers map[string]Peer
}

func newRoom(id string) *Room {
	return &Room{
		ID:    id,
		doc:   board.NewInitialized(),
		peers: map[string]Peer{},
	}
}

// Snapshot returns the full current state, sent to joining sessions.
func (r *Room) Snapshot() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.EncodeStateAsUpdate()
}

// Peers reports the number of connected sessions.
func (r *Room) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// HandleUpdate applies a delta from a session to the authoritative document
// and rebroadcasts it verbatim to every other session. A malformed delta is
// an error: the caller logs and drops it, and nothing is broadcast, so one
// client's corruption never propagates to its peers.
func (r *Room) HandleUpdate(fromSession string, update []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.ApplyUpdate(update, board.OriginRemote); err != nil {
		return fmt.Errorf("room %s: %w", r.ID, err)
	}
	for id, p := range r.peers {
		if id != fromSession {
			p.Deliver(update)
		}
	}
	return nil
}

// join adds the peer and returns the snapshot it must bootstrap from. Both
// happen under the room lock so the snapshot plus subsequent broadcasts form
// a gapless (at-least-once) history for the joiner.
func (r *Room) join(p Peer) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.SessionID()] = p
	return r.doc.EncodeStateAsUpdate()
}

// leave removes the session and reports whether the room is now empty.
func (r *Room) leave(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, sessionID)
	return len(r.peers) == 0
}
