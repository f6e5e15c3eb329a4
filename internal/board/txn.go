package board

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// Step is one recorded inverse action. Executing a transaction's steps in
// reverse order inside a new transaction undoes it.
type Step func(tx *Txn) error

// Txn is the mutation surface handed to Transact callbacks. Every op
// validates its preconditions before touching the document and records an
// inverse step for the undo history.
type Txn struct {
	doc     *automerge.Doc
	inverse []Step
}

// NewObjectID allocates an id for a new canvas object.
func NewObjectID(t ObjectType) string {
	prefix := "obj"
	switch t {
	case ObjectImage:
		prefix = "img"
	case ObjectLatex:
		prefix = "ltx"
	case ObjectText:
		prefix = "txt"
	}
	return fmt.Sprintf("%s_%s", prefix, strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

func (tx *Txn) objectFields(id string) (map[string]any, bool) {
	v, err := tx.doc.Path(keyObjects, id).Get()
	if err != nil {
		return nil, false
	}
	m, ok := goValue(v).(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	return m, true
}

func (tx *Txn) orderIDs() []string {
	v, err := tx.doc.Path(keyOrder).Get()
	if err != nil {
		return nil
	}
	return toStringSlice(goValue(v))
}

func (tx *Txn) rawStrokes() []any {
	v, err := tx.doc.Path(keyStrokes).Get()
	if err != nil {
		return nil
	}
	s, _ := goValue(v).([]any)
	return s
}

// listAt resolves a root list container to its live object. Path handles
// are lazy and only resolve on writes, so deletes must go through the value
// returned by Get.
func (tx *Txn) listAt(key string) (*automerge.List, error) {
	v, err := tx.doc.Path(key).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	l, ok := v.Interface().(*automerge.List)
	if !ok {
		return nil, fmt.Errorf("%s is not a list", key)
	}
	return l, nil
}

// compactOrder removes duplicate order entries, keeping the first. A move is
// delete+reinsert, so two replicas concurrently moving the same id merge
// into a sequence holding it twice; order-touching ops repair that before
// doing their own work.
func (tx *Txn) compactOrder() error {
	seen := map[string]bool{}
	var dups []int
	for i, id := range tx.orderIDs() {
		if seen[id] {
			dups = append(dups, i)
		}
		seen[id] = true
	}
	if len(dups) == 0 {
		return nil
	}
	order, err := tx.listAt(keyOrder)
	if err != nil {
		return err
	}
	for i := len(dups) - 1; i >= 0; i-- {
		if err := order.Delete(dups[i]); err != nil {
			return fmt.Errorf("failed to compact order: %w", err)
		}
	}
	return nil
}

// rollback executes the recorded inverses so a failed batch commits as a
// state no-op. Inverses recorded while rolling back are discarded.
func (tx *Txn) rollback() {
	steps := tx.inverse
	tx.inverse = nil
	for i := len(steps) - 1; i >= 0; i-- {
		_ = steps[i](tx)
	}
	tx.inverse = nil
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}

// PutObject inserts a new object at the top of the z-order.
func (tx *Txn) PutObject(obj Object) error {
	id := obj.ObjectID()
	if id == "" {
		return fmt.Errorf("object has no id")
	}
	if _, exists := tx.objectFields(id); exists {
		return fmt.Errorf("object %q already exists", id)
	}
	if err := tx.doc.Path(keyObjects, id).Set(obj.fields()); err != nil {
		return fmt.Errorf("failed to set object %q: %w", id, err)
	}
	if err := tx.doc.Path(keyOrder).List().Append(id); err != nil {
		return fmt.Errorf("failed to append %q to order: %w", id, err)
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		return tx.DeleteObject(id)
	})
	return nil
}

// UpdateObject patches fields of an existing object (move/resize/rotate or
// content edits). Unknown object ids are an error.
func (tx *Txn) UpdateObject(id string, patch map[string]any) error {
	return tx.patchObject(id, patch, nil)
}

func (tx *Txn) patchObject(id string, set map[string]any, unset []string) error {
	old, ok := tx.objectFields(id)
	if !ok {
		return fmt.Errorf("no such object %q", id)
	}
	prevSet := map[string]any{}
	var prevUnset []string
	for k := range set {
		if v, ok := old[k]; ok {
			prevSet[k] = v
		} else {
			prevUnset = append(prevUnset, k)
		}
	}
	for _, k := range unset {
		if v, ok := old[k]; ok {
			prevSet[k] = v
		}
	}
	for k, v := range set {
		if err := tx.doc.Path(keyObjects, id, k).Set(v); err != nil {
			return fmt.Errorf("failed to set %q.%s: %w", id, k, err)
		}
	}
	for _, k := range unset {
		if err := tx.doc.Path(keyObjects, id).Map().Delete(k); err != nil {
			return fmt.Errorf("failed to unset %q.%s: %w", id, k, err)
		}
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		if _, ok := tx.objectFields(id); !ok {
			// Deleted since, likely by a peer. Nothing to restore.
			return nil
		}
		return tx.patchObject(id, prevSet, prevUnset)
	})
	return nil
}

// DeleteObject removes an object and its order entry.
func (tx *Txn) DeleteObject(id string) error {
	if err := tx.compactOrder(); err != nil {
		return err
	}
	fields, ok := tx.objectFields(id)
	if !ok {
		return fmt.Errorf("no such object %q", id)
	}
	idx := indexOf(tx.orderIDs(), id)
	if err := tx.doc.Path(keyObjects).Map().Delete(id); err != nil {
		return fmt.Errorf("failed to delete object %q: %w", id, err)
	}
	if idx >= 0 {
		order, err := tx.listAt(keyOrder)
		if err != nil {
			return err
		}
		if err := order.Delete(idx); err != nil {
			return fmt.Errorf("failed to delete %q from order: %w", id, err)
		}
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		return tx.restoreObject(id, fields, idx)
	})
	return nil
}

func (tx *Txn) restoreObject(id string, fields map[string]any, idx int) error {
	if _, exists := tx.objectFields(id); exists {
		return nil
	}
	if err := tx.doc.Path(keyObjects, id).Set(fields); err != nil {
		return fmt.Errorf("failed to restore object %q: %w", id, err)
	}
	ids := tx.orderIDs()
	if err := tx.insertOrder(id, idx, len(ids)); err != nil {
		return err
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		return tx.DeleteObject(id)
	})
	return nil
}

func (tx *Txn) insertOrder(id string, at, length int) error {
	if at < 0 || at >= length {
		if err := tx.doc.Path(keyOrder).List().Append(id); err != nil {
			return fmt.Errorf("failed to append %q to order: %w", id, err)
		}
		return nil
	}
	if err := tx.doc.Path(keyOrder).List().Insert(at, id); err != nil {
		return fmt.Errorf("failed to insert %q into order: %w", id, err)
	}
	return nil
}

// DeleteAllObjects clears the object map and order sequence. The stroke
// history is an independent layer and is untouched.
func (tx *Txn) DeleteAllObjects() error {
	v, err := tx.doc.Path(keyObjects).Get()
	if err != nil {
		return fmt.Errorf("failed to read objects: %w", err)
	}
	objects := toObjectMap(goValue(v))
	ids := tx.orderIDs()
	for id := range objects {
		if err := tx.doc.Path(keyObjects).Map().Delete(id); err != nil {
			return fmt.Errorf("failed to delete object %q: %w", id, err)
		}
	}
	order, err := tx.listAt(keyOrder)
	if err != nil {
		return err
	}
	for order.Len() > 0 {
		if err := order.Delete(order.Len() - 1); err != nil {
			return fmt.Errorf("failed to clear order: %w", err)
		}
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		for _, id := range ids {
			fields, ok := objects[id].(map[string]any)
			if !ok {
				continue
			}
			if err := tx.restoreObject(id, fields, -1); err != nil {
				return err
			}
		}
		return nil
	})
	return nil
}

// MoveObject moves an object to position `to` in the z-order.
func (tx *Txn) MoveObject(id string, to int) error {
	if err := tx.compactOrder(); err != nil {
		return err
	}
	ids := tx.orderIDs()
	idx := indexOf(ids, id)
	if idx < 0 {
		return fmt.Errorf("object %q not in order", id)
	}
	if to < 0 {
		to = 0
	}
	if to > len(ids)-1 {
		to = len(ids) - 1
	}
	if to == idx {
		return nil
	}
	order, err := tx.listAt(keyOrder)
	if err != nil {
		return err
	}
	if err := order.Delete(idx); err != nil {
		return fmt.Errorf("failed to move %q: %w", id, err)
	}
	if err := tx.insertOrder(id, to, len(ids)-1); err != nil {
		return err
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		return tx.MoveObject(id, idx)
	})
	return nil
}

func (tx *Txn) BringForward(id string) error {
	idx := indexOf(tx.orderIDs(), id)
	if idx < 0 {
		return fmt.Errorf("object %q not in order", id)
	}
	return tx.MoveObject(id, idx+1)
}

func (tx *Txn) SendBackward(id string) error {
	idx := indexOf(tx.orderIDs(), id)
	if idx < 0 {
		return fmt.Errorf("object %q not in order", id)
	}
	return tx.MoveObject(id, idx-1)
}

func (tx *Txn) BringToFront(id string) error {
	return tx.MoveObject(id, len(tx.orderIDs())-1)
}

func (tx *Txn) SendToBack(id string) error {
	return tx.MoveObject(id, 0)
}

// AppendStroke appends one drawing event to the stroke history.
func (tx *Txn) AppendStroke(s StrokeEvent) error {
	if err := tx.doc.Path(keyStrokes).List().Append(s.fields()); err != nil {
		return fmt.Errorf("failed to append stroke: %w", err)
	}
	want, _ := decodeStroke(s.fields())
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		return tx.removeStroke(want)
	})
	return nil
}

// removeStroke deletes the newest stroke equal to want. Strokes carry no
// ids, so undo locates them by value from the tail of the history.
func (tx *Txn) removeStroke(want StrokeEvent) error {
	raws := tx.rawStrokes()
	for i := len(raws) - 1; i >= 0; i-- {
		got, ok := decodeStroke(raws[i])
		if !ok || !reflect.DeepEqual(got, want) {
			continue
		}
		strokes, err := tx.listAt(keyStrokes)
		if err != nil {
			return err
		}
		if err := strokes.Delete(i); err != nil {
			return fmt.Errorf("failed to delete stroke: %w", err)
		}
		tx.inverse = append(tx.inverse, func(tx *Txn) error {
			return tx.AppendStroke(want)
		})
		return nil
	}
	// Cleared since, likely by a peer.
	return nil
}

// ClearStrokes bulk-deletes the drawing history ("clear drawings"). Object
// records are untouched.
func (tx *Txn) ClearStrokes() error {
	raws := tx.rawStrokes()
	strokes, err := tx.listAt(keyStrokes)
	if err != nil {
		return err
	}
	for strokes.Len() > 0 {
		if err := strokes.Delete(strokes.Len() - 1); err != nil {
			return fmt.Errorf("failed to clear strokes: %w", err)
		}
	}
	tx.inverse = append(tx.inverse, func(tx *Txn) error {
		for _, raw := range raws {
			if err := tx.doc.Path(keyStrokes).List().Append(raw); err != nil {
				return fmt.Errorf("failed to restore stroke: %w", err)
			}
		}
		tx.inverse = append(tx.inverse, func(tx *Txn) error {
			return tx.ClearStrokes()
		})
		return nil
	})
	return nil
}
