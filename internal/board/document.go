// Package board implements the replicated whiteboard document: a shared
// objects map, a z-order sequence and an append-only stroke history layered
// on an automerge document. Deltas are automerge incremental-save chunks and
// full snapshots are regular saves, so merging is commutative, associative
// and idempotent by construction.
package board

import (
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

const (
	keyObjects = "objects"
	keyOrder   = "order"
	keyStrokes = "strokes"
)

// Origin tags a change with where it came from. Observers use it to tell
// self-originated changes from merged remote ones without echoing the latter
// back to the network.
type Origin string

const (
	OriginNone   Origin = ""
	OriginLocal  Origin = "local"
	OriginRemote Origin = "remote"
)

// Subscriber receives the binary delta and origin of every mutation applied
// to the document, local or merged-remote.
type Subscriber func(update []byte, origin Origin)

type txnObserver func(origin Origin, inverse []Step)

// Document is one replica of a room's shared state.
type Document struct {
	mu  sync.Mutex
	doc *automerge.Doc

	// notifyMu serializes subscriber callbacks so deltas are observed in
	// the order they were captured.
	notifyMu sync.Mutex

	subMu      sync.Mutex
	subs       map[int]Subscriber
	txnObs     map[int]txnObserver
	nextHandle int
}

// New returns an empty replica. Replicas never create the shared root
// containers themselves; they inherit them from the first snapshot applied,
// so that every peer's edits target the same container objects.
func New() *Document {
	return &Document{
		doc:    automerge.New(),
		subs:   map[int]Subscriber{},
		txnObs: map[int]txnObserver{},
	}
}

// NewInitialized returns a document with the objects/order/strokes roots
// created by a single actor. This is the authoritative server-side form: all
// replicas bootstrap from its snapshot.
func NewInitialized() *Document {
	d := New()
	if err := d.doc.Path(keyObjects).Set(map[string]any{}); err != nil {
		panic(fmt.Errorf("failed to create objects root: %w", err))
	}
	if err := d.doc.Path(keyOrder).Set([]any{}); err != nil {
		panic(fmt.Errorf("failed to create order root: %w", err))
	}
	if err := d.doc.Path(keyStrokes).Set([]any{}); err != nil {
		panic(fmt.Errorf("failed to create strokes root: %w", err))
	}
	_, _ = d.doc.Commit("init")
	_ = d.doc.SaveIncremental()
	return d
}

// Load rebuilds a document from a full snapshot, as produced by
// EncodeStateAsUpdate.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	_ = doc.SaveIncremental()
	return &Document{
		doc:    doc,
		subs:   map[int]Subscriber{},
		txnObs: map[int]txnObserver{},
	}, nil
}

// Subscribe registers fn for change notifications and returns a cancel
// function. Callbacks run sequentially; they may read the document but must
// not mutate it.
func (d *Document) Subscribe(fn Subscriber) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.subs[h] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.subs, h)
	}
}

func (d *Document) observeTxns(fn txnObserver) func() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.txnObs[h] = fn
	return func() {
		d.subMu.Lock()
		defer d.subMu.Unlock()
		delete(d.txnObs, h)
	}
}

// Transact runs fn as one atomic mutation batch tagged with origin and emits
// a single binary delta covering exactly the batch. On error the ops that
// already ran are rolled back before the commit, so a failed batch leaves
// the state untouched; the resulting no-op change still replicates so that
// later deltas never depend on a change peers have not seen.
func (d *Document) Transact(origin Origin, fn func(tx *Txn) error) error {
	tx := &Txn{}
	update, ferr := d.runTxn(tx, origin, fn)
	if len(update) > 0 {
		d.notify(update, origin, tx.inverse)
	}
	return ferr
}

func (d *Document) runTxn(tx *Txn, origin Origin, fn func(tx *Txn) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_ = d.doc.SaveIncremental()
	tx.doc = d.doc
	err := fn(tx)
	if err != nil {
		tx.rollback()
	}
	_, _ = d.doc.Commit(string(origin))
	return d.doc.SaveIncremental(), err
}

// ApplyUpdate merges a binary delta (or a full snapshot) into the document.
// Malformed bytes leave the state untouched and return an error; callers log
// and drop, they never crash the session.
func (d *Document) ApplyUpdate(update []byte, origin Origin) error {
	d.mu.Lock()
	if err := d.doc.LoadIncremental(update); err != nil {
		d.mu.Unlock()
		return fmt.Errorf("failed to apply update: %w", err)
	}
	// Drain the incremental cursor so merged remote changes never ride
	// along with the next locally captured delta.
	_ = d.doc.SaveIncremental()
	d.mu.Unlock()

	d.notify(update, origin, nil)
	return nil
}

// EncodeStateAsUpdate returns a full-state snapshot, applied by joiners via
// ApplyUpdate.
func (d *Document) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Document) notify(update []byte, origin Origin, inverse []Step) {
	d.subMu.Lock()
	subs := make([]Subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	obs := make([]txnObserver, 0, len(d.txnObs))
	for _, o := range d.txnObs {
		obs = append(obs, o)
	}
	d.subMu.Unlock()

	d.notifyMu.Lock()
	defer d.notifyMu.Unlock()
	for _, s := range subs {
		s(update, origin)
	}
	if len(inverse) > 0 {
		for _, o := range obs {
			o(origin, inverse)
		}
	}
}

// Snapshot is the flattened view renderers draw from: objects in painter's
// order plus the replayable stroke history.
type Snapshot struct {
	Objects []Object
	Strokes []StrokeEvent
}

// Snapshot flattens the current state. Order entries without a map entry
// (transient merge states) are skipped; undecodable records are dropped.
func (d *Document) Snapshot() Snapshot {
	d.mu.Lock()
	objects := toObjectMap(d.pathValue(keyObjects))
	order := toStringSlice(d.pathValue(keyOrder))
	rawStrokes, _ := d.pathValue(keyStrokes).([]any)
	d.mu.Unlock()

	var snap Snapshot
	seen := map[string]bool{}
	for _, id := range order {
		// Concurrent moves of one id can leave a duplicate order entry
		// until the next order op compacts it; renderers see it once.
		if seen[id] {
			continue
		}
		seen[id] = true
		raw, ok := objects[id]
		if !ok {
			continue
		}
		obj, err := decodeObject(id, raw)
		if err != nil {
			continue
		}
		snap.Objects = append(snap.Objects, obj)
	}
	for _, raw := range rawStrokes {
		if s, ok := decodeStroke(raw); ok {
			snap.Strokes = append(snap.Strokes, s)
		}
	}
	return snap
}

// pathValue reads a root container as plain Go values. Callers hold d.mu.
func (d *Document) pathValue(key string) any {
	v, err := d.doc.Path(key).Get()
	if err != nil {
		return nil
	}
	return goValue(v)
}

// goValue normalizes an automerge value into plain Go maps, slices and
// scalars.
func goValue(v *automerge.Value) any {
	if v == nil {
		return nil
	}
	switch raw := v.Interface().(type) {
	case *automerge.Map:
		out := map[string]any{}
		keys, err := raw.Keys()
		if err != nil {
			return out
		}
		for _, k := range keys {
			kv, err := raw.Get(k)
			if err != nil {
				continue
			}
			out[k] = goValue(kv)
		}
		return out
	case *automerge.List:
		out := make([]any, 0, raw.Len())
		for i := 0; i < raw.Len(); i++ {
			iv, err := raw.Get(i)
			if err != nil {
				continue
			}
			out = append(out, goValue(iv))
		}
		return out
	default:
		return raw
	}
}

func toObjectMap(raw any) map[string]any {
	m, _ := raw.(map[string]any)
	return m
}

func toStringSlice(raw any) []string {
	vs, _ := raw.([]any)
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
