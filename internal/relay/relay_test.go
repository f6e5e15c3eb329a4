package relay

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/xnscdev/techboard/internal/board"
	"github.com/xnscdev/techboard/internal/room"
)

func startTestServer(t *testing.T) (*httptest.Server, *room.Registry) {
	t.Helper()
	registry := room.NewRegistry()
	srv := httptest.NewServer(NewHandler(registry))
	t.Cleanup(srv.Close)
	return srv, registry
}

func dialTest(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.Equal(t, err, nil)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeTestFrame(t *testing.T, conn *websocket.Conn, op byte, payload []byte) {
	t.Helper()
	assert.Equal(t, conn.WriteMessage(websocket.BinaryMessage, encodeFrame(op, payload)), nil)
}

func readTestFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, raw, err := conn.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, mt, websocket.BinaryMessage)
	f, err := decodeFrame(raw)
	assert.Equal(t, err, nil)
	return f
}

// createAndJoin runs the handshake and returns the room id plus a replica
// bootstrapped from the received snapshot.
func createAndJoin(t *testing.T, conn *websocket.Conn) (string, *board.Document) {
	t.Helper()
	writeTestFrame(t, conn, opCreateRoom, nil)
	created := readTestFrame(t, conn)
	assert.Equal(t, created.op, opRoomCreated)
	roomID := string(created.payload)
	return roomID, join(t, conn, roomID)
}

func join(t *testing.T, conn *websocket.Conn, roomID string) *board.Document {
	t.Helper()
	writeTestFrame(t, conn, opJoinRoom, []byte(roomID))
	ack := readTestFrame(t, conn)
	assert.Equal(t, ack.op, opJoinAck)
	assert.Equal(t, ack.payload, []byte{0x01})
	init := readTestFrame(t, conn)
	assert.Equal(t, init.op, opInitDoc)
	replica := board.New()
	assert.Equal(t, replica.ApplyUpdate(init.payload, board.OriginRemote), nil)
	return replica
}

func TestCreateRoomAllocatesShortID(t *testing.T) {
	srv, registry := startTestServer(t)
	conn := dialTest(t, srv)

	writeTestFrame(t, conn, opCreateRoom, nil)
	created := readTestFrame(t, conn)
	assert.Equal(t, created.op, opRoomCreated)
	assert.Equal(t, len(created.payload), 8)

	// Created but not joined: the room exists with no sessions.
	rm, ok := registry.Get(string(created.payload))
	assert.Equal(t, ok, true)
	assert.Equal(t, rm.Peers(), 0)
}

func TestJoinUnknownRoomFails(t *testing.T) {
	srv, _ := startTestServer(t)
	conn := dialTest(t, srv)

	writeTestFrame(t, conn, opJoinRoom, []byte("deadbeef"))
	ack := readTestFrame(t, conn)
	assert.Equal(t, ack.op, opJoinAck)
	assert.Equal(t, ack.payload, []byte{0x00})
}

func TestUpdateRelayExcludesSender(t *testing.T) {
	srv, _ := startTestServer(t)
	c1 := dialTest(t, srv)
	c2 := dialTest(t, srv)

	roomID, r1 := createAndJoin(t, c1)
	r2 := join(t, c2, roomID)

	var delta []byte
	var mu sync.Mutex
	r1.Subscribe(func(update []byte, origin board.Origin) {
		if origin != board.OriginRemote {
			mu.Lock()
			delta = append([]byte(nil), update...)
			mu.Unlock()
		}
	})
	err := r1.Transact(board.OriginLocal, func(tx *board.Txn) error {
		return tx.PutObject(board.ImageObject{
			ObjectBase: board.ObjectBase{ID: "img_1", X: 120, Y: 120, Width: 300},
			Src:        "data:,x",
			Height:     200,
		})
	})
	assert.Equal(t, err, nil)
	mu.Lock()
	update := delta
	mu.Unlock()
	writeTestFrame(t, c1, opUpdateDoc, update)

	// The other session receives the verbatim delta.
	relayed := readTestFrame(t, c2)
	assert.Equal(t, relayed.op, opUpdateDoc)
	assert.Equal(t, relayed.payload, update)
	assert.Equal(t, r2.ApplyUpdate(relayed.payload, board.OriginRemote), nil)
	assert.Equal(t, r2.Snapshot(), r1.Snapshot())

	// The sender gets nothing back.
	_ = c1.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = c1.ReadMessage()
	assert.NotEqual(t, err, nil)
}

func TestLateJoinerGetsFullState(t *testing.T) {
	srv, registry := startTestServer(t)
	c1 := dialTest(t, srv)
	roomID, r1 := createAndJoin(t, c1)

	done := make(chan []byte, 8)
	r1.Subscribe(func(update []byte, origin board.Origin) {
		if origin != board.OriginRemote {
			done <- append([]byte(nil), update...)
		}
	})
	for _, id := range []string{"o1", "o2", "o3"} {
		err := r1.Transact(board.OriginLocal, func(tx *board.Txn) error {
			return tx.PutObject(board.ImageObject{ObjectBase: board.ObjectBase{ID: id, Width: 10}, Src: "s", Height: 5})
		})
		assert.Equal(t, err, nil)
		writeTestFrame(t, c1, opUpdateDoc, <-done)
	}

	// Wait for the authoritative doc to hold all three edits.
	rm, ok := registry.Get(roomID)
	assert.Equal(t, ok, true)
	deadline := time.Now().Add(5 * time.Second)
	for {
		sv, err := board.Load(rm.Snapshot())
		assert.Equal(t, err, nil)
		if len(sv.Snapshot().Objects) == 3 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	c2 := dialTest(t, srv)
	r2 := join(t, c2, roomID)
	assert.Equal(t, r2.Snapshot(), r1.Snapshot())
	assert.Equal(t, len(r2.Snapshot().Objects), 3)
}

func TestRoomDestroyedAfterLastLeave(t *testing.T) {
	srv, registry := startTestServer(t)
	c1 := dialTest(t, srv)
	roomID, _ := createAndJoin(t, c1)
	assert.Equal(t, registry.Len(), 1)

	_ = c1.Close()

	deadline := time.Now().Add(5 * time.Second)
	for registry.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, registry.Len(), 0)

	// A rejoin attempt on the dead id must fail.
	c2 := dialTest(t, srv)
	writeTestFrame(t, c2, opJoinRoom, []byte(roomID))
	ack := readTestFrame(t, c2)
	assert.Equal(t, ack.payload, []byte{0x00})
}

func TestMalformedDeltaDoesNotPropagate(t *testing.T) {
	srv, _ := startTestServer(t)
	c1 := dialTest(t, srv)
	c2 := dialTest(t, srv)
	roomID, _ := createAndJoin(t, c1)
	_ = join(t, c2, roomID)

	writeTestFrame(t, c1, opUpdateDoc, []byte{0xba, 0xad})

	_ = c2.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := c2.ReadMessage()
	assert.NotEqual(t, err, nil)

	// The room is still healthy for both sessions afterwards.
	c3 := dialTest(t, srv)
	r3 := join(t, c3, roomID)
	assert.Equal(t, len(r3.Snapshot().Objects), 0)
}

func TestUpdateBeforeJoinIsIgnored(t *testing.T) {
	srv, registry := startTestServer(t)
	conn := dialTest(t, srv)

	writeTestFrame(t, conn, opUpdateDoc, []byte{0x01, 0x02})
	writeTestFrame(t, conn, opCreateRoom, nil)
	created := readTestFrame(t, conn)
	assert.Equal(t, created.op, opRoomCreated)
	assert.Equal(t, registry.Len(), 1)
}

func TestSecondJoinRejected(t *testing.T) {
	srv, _ := startTestServer(t)
	c1 := dialTest(t, srv)
	roomID, _ := createAndJoin(t, c1)

	writeTestFrame(t, c1, opJoinRoom, []byte(roomID))
	ack := readTestFrame(t, c1)
	assert.Equal(t, ack.op, opJoinAck)
	assert.Equal(t, ack.payload, []byte{0x00})
}
