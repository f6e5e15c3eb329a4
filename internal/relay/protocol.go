// Package relay is the websocket sync endpoint: it speaks a small binary
// protocol of named events and relays document deltas between the sessions
// of a room.
package relay

import "fmt"

// Wire format: every websocket binary frame is a 1-byte opcode followed by
// the payload. Deltas and snapshots stay opaque binary end to end; nothing
// is re-encoded as text on the wire.
const (
	opCreateRoom  byte = 0x01 // c->s, empty payload
	opRoomCreated byte = 0x02 // s->c, payload = room id
	opJoinRoom    byte = 0x03 // c->s, payload = room id
	opJoinAck     byte = 0x04 // s->c, payload = 1 byte, 0x01 on success
	opInitDoc     byte = 0x05 // s->c, payload = full snapshot
	opUpdateDoc   byte = 0x06 // both directions, payload = delta
)

type frame struct {
	op      byte
	payload []byte
}

func encodeFrame(op byte, payload []byte) []byte {
	buf := make([]byte, 1+len(payload))
	buf[0] = op
	copy(buf[1:], payload)
	return buf
}

func decodeFrame(raw []byte) (frame, error) {
	if len(raw) < 1 {
		return frame{}, fmt.Errorf("empty frame")
	}
	return frame{op: raw[0], payload: raw[1:]}, nil
}

func encodeBool(ok bool) []byte {
	if ok {
		return []byte{0x01}
	}
	return []byte{0x00}
}
