// Package client is the local replica controller: it owns one document
// replica per open room, forwards locally-originated deltas to the relay,
// applies remote deltas, and scopes undo/redo to the session's own edits.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xnscdev/techboard/internal/board"
)

const (
	opCreateRoom  byte = 0x01
	opRoomCreated byte = 0x02
	opJoinRoom    byte = 0x03
	opJoinAck     byte = 0x04
	opInitDoc     byte = 0x05
	opUpdateDoc   byte = 0x06
)

// Controller connects one client session to a relay server. Lifecycle:
// Dial, then CreateRoom and/or JoinRoom, then mutate Doc(); Close on leaving
// the room view. A Controller is single-room for its lifetime: switching
// rooms means a fresh Dial, so no state leaks across navigations.
type Controller struct {
	conn *websocket.Conn
	doc  *board.Document
	undo *board.UndoManager

	writeMu sync.Mutex

	replies chan reply
	done    chan struct{}

	closeOnce   sync.Once
	joinedOnce  sync.Once
	unsubscribe func()
}

type reply struct {
	op      byte
	payload []byte
}

// Dial opens the transport connection and starts the read loop. The local
// replica starts empty; it is bootstrapped by JoinRoom.
func Dial(ctx context.Context, url string) (*Controller, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	c := &Controller{
		conn:    conn,
		doc:     board.New(),
		replies: make(chan reply, 4),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Doc is this session's private replica.
func (c *Controller) Doc() *board.Document { return c.doc }

// Undo returns the session-scoped history. Nil until JoinRoom succeeds.
func (c *Controller) Undo() *board.UndoManager { return c.undo }

// Done is closed when the connection is gone.
func (c *Controller) Done() <-chan struct{} { return c.done }

// CreateRoom asks the server to allocate a room. It does not join it.
func (c *Controller) CreateRoom(ctx context.Context) (string, error) {
	if err := c.send(opCreateRoom, nil); err != nil {
		return "", err
	}
	r, err := c.awaitReply(ctx, opRoomCreated)
	if err != nil {
		return "", err
	}
	return string(r.payload), nil
}

// JoinRoom requests membership in roomID and blocks until the server
// acknowledges. On success the received snapshot has been applied as a
// remote-tagged update before JoinRoom returns, so the replica equals the
// server's state at join time; from then on local edits are forwarded and
// remote ones merged. ok=false means no such room and the caller should
// route away from the room view.
func (c *Controller) JoinRoom(ctx context.Context, roomID string) (bool, error) {
	if err := c.send(opJoinRoom, []byte(roomID)); err != nil {
		return false, err
	}
	ack, err := c.awaitReply(ctx, opJoinAck)
	if err != nil {
		return false, err
	}
	if len(ack.payload) != 1 || ack.payload[0] != 0x01 {
		return false, nil
	}
	init, err := c.awaitReply(ctx, opInitDoc)
	if err != nil {
		return false, err
	}
	if err := c.doc.ApplyUpdate(init.payload, board.OriginRemote); err != nil {
		return false, fmt.Errorf("failed to bootstrap replica: %w", err)
	}
	c.joinedOnce.Do(func() {
		// Loop prevention: only changes NOT tagged remote go back out.
		c.unsubscribe = c.doc.Subscribe(func(update []byte, origin board.Origin) {
			if origin == board.OriginRemote {
				return
			}
			if err := c.send(opUpdateDoc, update); err != nil {
				slog.Error("failed to send update", "err", err)
			}
		})
		c.undo = board.NewUndoManager(c.doc, board.UndoOptions{
			TrackedOrigins: []board.Origin{board.OriginLocal},
		})
	})
	return true, nil
}

func (c *Controller) send(op byte, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = op
	copy(buf[1:], payload)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

func (c *Controller) awaitReply(ctx context.Context, op byte) (reply, error) {
	for {
		select {
		case r := <-c.replies:
			if r.op != op {
				// Stale handshake leftovers are dropped.
				continue
			}
			return r, nil
		case <-c.done:
			return reply{}, fmt.Errorf("connection closed")
		case <-ctx.Done():
			return reply{}, ctx.Err()
		}
	}
}

func (c *Controller) readLoop() {
	defer close(c.done)
	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage || len(raw) < 1 {
			continue
		}
		op, payload := raw[0], raw[1:]
		switch op {
		case opUpdateDoc:
			// A peer's delta: merge for rendering, never re-send.
			if err := c.doc.ApplyUpdate(payload, board.OriginRemote); err != nil {
				slog.Warn("dropping malformed remote update", "err", err)
			}
		case opRoomCreated, opJoinAck, opInitDoc:
			select {
			case c.replies <- reply{op: op, payload: payload}:
			default:
			}
		}
	}
}

// Close releases the replica's subscriptions and the connection.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		if c.undo != nil {
			c.undo.Close()
		}
		_ = c.conn.Close()
	})
}
