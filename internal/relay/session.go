package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/xnscdev/techboard/internal/room"
)

const (
	writeWait     = 10 * time.Second
	sendQueueSize = 256
)

// Handler upgrades connections and runs one session per connection.
type Handler struct {
	registry *room.Registry
	upgrader websocket.Upgrader
}

func NewHandler(registry *room.Registry) *Handler {
	return &Handler{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade", "err", err)
		return
	}
	s := &session{
		id:       uuid.NewString(),
		conn:     conn,
		registry: h.registry,
		out:      make(chan []byte, sendQueueSize),
	}
	slog.Info("session connected", "session", s.id, "remote", conn.RemoteAddr())
	go s.writeLoop()
	s.readLoop()
}

// session is the per-connection state machine: Unjoined until a successful
// joinRoom, Joined(room) afterwards, torn down on disconnect. Joins are
// one-shot for the connection's lifetime.
type session struct {
	id       string
	conn     *websocket.Conn
	registry *room.Registry
	out      chan []byte
	joined   *room.Room
}

func (s *session) SessionID() string { return s.id }

// Deliver queues a broadcast frame without blocking. A session whose queue
// stays full is cut off; it goes through the normal disconnect path and can
// rejoin for a fresh snapshot.
func (s *session) Deliver(update []byte) {
	select {
	case s.out <- encodeFrame(opUpdateDoc, update):
	default:
		slog.Warn("dropping slow session", "session", s.id)
		_ = s.conn.Close()
	}
}

func (s *session) send(op byte, payload []byte) {
	select {
	case s.out <- encodeFrame(op, payload):
	default:
		_ = s.conn.Close()
	}
}

func (s *session) writeLoop() {
	for buf := range s.out {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
			slog.Info("write failed, closing session", "session", s.id, "err", err)
			_ = s.conn.Close()
			// Keep draining so the reader can close the channel.
			for range s.out {
			}
			return
		}
	}
	_ = s.conn.Close()
}

func (s *session) readLoop() {
	defer s.teardown()
	for {
		mt, raw, err := s.conn.ReadMessage()
		if err != nil {
			slog.Info("session disconnected", "session", s.id, "err", err)
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		f, err := decodeFrame(raw)
		if err != nil {
			slog.Warn("dropping malformed frame", "session", s.id, "err", err)
			continue
		}
		s.handle(f)
	}
}

func (s *session) handle(f frame) {
	switch f.op {
	case opCreateRoom:
		// Creates but does not join: the caller joins explicitly.
		r := s.registry.Create()
		s.send(opRoomCreated, []byte(r.ID))
	case opJoinRoom:
		roomID := string(f.payload)
		if s.joined != nil {
			slog.Warn("rejecting second join", "session", s.id, "room", roomID)
			s.send(opJoinAck, encodeBool(false))
			return
		}
		snapshot, r, ok := s.registry.Join(roomID, s)
		if !ok {
			slog.Info("join failed, no such room", "session", s.id, "room", roomID)
			s.send(opJoinAck, encodeBool(false))
			return
		}
		s.joined = r
		s.send(opJoinAck, encodeBool(true))
		s.send(opInitDoc, snapshot)
		slog.Info("session joined room", "session", s.id, "room", roomID)
	case opUpdateDoc:
		if s.joined == nil {
			return
		}
		if err := s.joined.HandleUpdate(s.id, f.payload); err != nil {
			// Dropped, not propagated: one bad delta must not take the
			// room down for everyone else.
			slog.Warn("dropping malformed update", "session", s.id, "room", s.joined.ID, "err", err)
		}
	default:
		slog.Warn("dropping unknown opcode", "session", s.id, "op", f.op)
	}
}

// teardown runs when the reader exits for any reason. Disconnection is a
// normal terminal transition: leave the room (which may destroy it) and stop
// the writer.
func (s *session) teardown() {
	if s.joined != nil {
		s.registry.Leave(s.joined.ID, s.id)
		s.joined = nil
	}
	close(s.out)
}
