package board

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func newTrackedReplica(t *testing.T) (*Document, *UndoManager, *updateLog) {
	t.Helper()
	server := NewInitialized()
	d := replicaOf(t, server)
	um := NewUndoManager(d, UndoOptions{TrackedOrigins: []Origin{OriginLocal}})
	t.Cleanup(um.Close)
	return d, um, observed(d)
}

func TestUndoRedoObjectInsert(t *testing.T) {
	d, um, log := newTrackedReplica(t)
	peer := replicaOf(t, d)

	putImage(t, d, "o1", 10)
	assert.Equal(t, um.CanUndo(), true)
	assert.Equal(t, um.CanRedo(), false)

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(d.Snapshot().Objects), 0)
	assert.Equal(t, um.CanRedo(), true)

	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, len(d.Snapshot().Objects), 1)

	// Undo and redo are ordinary local transactions: replaying every local
	// delta brings a peer to the same state.
	for _, u := range log.localUpdates() {
		assert.Equal(t, peer.ApplyUpdate(u, OriginRemote), nil)
	}
	assert.Equal(t, peer.Snapshot(), d.Snapshot())
}

func TestUndoEmitsLocalOriginDeltas(t *testing.T) {
	d, um, log := newTrackedReplica(t)
	putImage(t, d, "o1", 10)
	before := len(log.localUpdates())
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(log.localUpdates()), before+1)
}

func TestRemoteEditsAreNeverUndoable(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	other := replicaOf(t, d)
	otherLog := observed(other)

	putImage(t, other, "theirs", 5)
	for _, u := range otherLog.localUpdates() {
		assert.Equal(t, d.ApplyUpdate(u, OriginRemote), nil)
	}

	assert.Equal(t, len(d.Snapshot().Objects), 1)
	assert.Equal(t, um.CanUndo(), false)
	assert.Equal(t, um.Undo(), false)
}

func TestUndoRestoresPatchedFields(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	putImage(t, d, "o1", 10)
	um.StopCapturing()

	err := d.Transact(OriginLocal, func(tx *Txn) error {
		return tx.UpdateObject("o1", map[string]any{"x": 99.0})
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, d.Snapshot().Objects[0].(ImageObject).X, 99.0)

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, d.Snapshot().Objects[0].(ImageObject).X, 10.0)
	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, d.Snapshot().Objects[0].(ImageObject).X, 99.0)
}

func TestUndoDeleteRestoresOrderPosition(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	for i, id := range []string{"o1", "o2", "o3"} {
		putImage(t, d, id, float64(i))
		um.StopCapturing()
	}

	err := d.Transact(OriginLocal, func(tx *Txn) error { return tx.DeleteObject("o2") })
	assert.Equal(t, err, nil)
	assert.Equal(t, objectIDs(d.Snapshot()), []string{"o1", "o3"})

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, objectIDs(d.Snapshot()), []string{"o1", "o2", "o3"})
	checkOrderInvariant(t, d)
}

func TestUndoDeleteAll(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	for i, id := range []string{"o1", "o2", "o3"} {
		putImage(t, d, id, float64(i))
		um.StopCapturing()
	}
	assert.Equal(t, d.Transact(OriginLocal, func(tx *Txn) error { return tx.DeleteAllObjects() }), nil)
	assert.Equal(t, len(d.Snapshot().Objects), 0)

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, objectIDs(d.Snapshot()), []string{"o1", "o2", "o3"})
	checkOrderInvariant(t, d)
}

func TestUndoStrokes(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	stroke := StrokeEvent{
		Segments:  []Segment{{From: Point{X: 0, Y: 0}, To: Point{X: 4, Y: 4}}},
		Tool:      ToolPen,
		LineWidth: 2,
		Color:     "#fa5252",
	}
	assert.Equal(t, d.Transact(OriginLocal, func(tx *Txn) error { return tx.AppendStroke(stroke) }), nil)
	um.StopCapturing()
	assert.Equal(t, d.Transact(OriginLocal, func(tx *Txn) error { return tx.ClearStrokes() }), nil)
	assert.Equal(t, len(d.Snapshot().Strokes), 0)

	// Undo the clear, then the stroke itself.
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(d.Snapshot().Strokes), 1)
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(d.Snapshot().Strokes), 0)
	assert.Equal(t, um.Redo(), true)
	assert.Equal(t, len(d.Snapshot().Strokes), 1)
}

func TestCaptureGrouping(t *testing.T) {
	d, um, _ := newTrackedReplica(t)

	// Two transactions inside one capture window fold into one undo item.
	putImage(t, d, "o1", 1)
	putImage(t, d, "o2", 2)
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(d.Snapshot().Objects), 0)

	// StopCapturing forces a boundary.
	putImage(t, d, "o3", 3)
	um.StopCapturing()
	putImage(t, d, "o4", 4)
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, objectIDs(d.Snapshot()), []string{"o3"})
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, len(d.Snapshot().Objects), 0)
}

func TestCaptureTimeoutExpires(t *testing.T) {
	server := NewInitialized()
	d := replicaOf(t, server)
	um := NewUndoManager(d, UndoOptions{CaptureTimeout: 10 * time.Millisecond})
	defer um.Close()

	putImage(t, d, "o1", 1)
	time.Sleep(30 * time.Millisecond)
	putImage(t, d, "o2", 2)

	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, objectIDs(d.Snapshot()), []string{"o1"})
}

func TestFailedTransactIsNotUndoable(t *testing.T) {
	d, um, _ := newTrackedReplica(t)

	err := d.Transact(OriginLocal, func(tx *Txn) error {
		if err := tx.PutObject(ImageObject{ObjectBase: ObjectBase{ID: "o1", Width: 5}, Src: "s", Height: 5}); err != nil {
			return err
		}
		return tx.UpdateObject("missing", map[string]any{"x": 1.0})
	})
	assert.NotEqual(t, err, nil)
	assert.Equal(t, len(d.Snapshot().Objects), 0)
	assert.Equal(t, um.CanUndo(), false)
}

func TestNewEditClearsRedo(t *testing.T) {
	d, um, _ := newTrackedReplica(t)
	putImage(t, d, "o1", 1)
	assert.Equal(t, um.Undo(), true)
	assert.Equal(t, um.CanRedo(), true)

	putImage(t, d, "o2", 2)
	assert.Equal(t, um.CanRedo(), false)
}
