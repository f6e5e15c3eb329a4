package board

import (
	"log/slog"
	"sync"
	"time"
)

const defaultCaptureTimeout = 500 * time.Millisecond

// UndoOptions configures an UndoManager. TrackedOrigins defaults to
// {OriginLocal}: only self-originated transactions become undoable.
type UndoOptions struct {
	TrackedOrigins []Origin
	CaptureTimeout time.Duration
}

type historyItem struct {
	steps    []Step
	captured time.Time
}

// UndoManager keeps an undo/redo history of locally-originated transactions.
// Undo and redo are themselves new local transactions, so they replicate to
// peers like any other edit; remote transactions are never tracked.
//
// An UndoManager is driven by a single goroutine at a time, the same way the
// document it watches is mutated by one UI loop.
type UndoManager struct {
	doc       *Document
	unobserve func()

	mu             sync.Mutex
	tracked        map[Origin]bool
	captureTimeout time.Duration
	undo           []*historyItem
	redo           []*historyItem
	capturing      bool
	replaying      int // 0 idle, 1 undoing, 2 redoing
}

func NewUndoManager(doc *Document, opts UndoOptions) *UndoManager {
	origins := opts.TrackedOrigins
	if len(origins) == 0 {
		origins = []Origin{OriginLocal}
	}
	timeout := opts.CaptureTimeout
	if timeout == 0 {
		timeout = defaultCaptureTimeout
	}
	um := &UndoManager{
		doc:            doc,
		tracked:        map[Origin]bool{},
		captureTimeout: timeout,
	}
	for _, o := range origins {
		um.tracked[o] = true
	}
	um.unobserve = doc.observeTxns(um.onTransaction)
	return um
}

func (um *UndoManager) onTransaction(origin Origin, inverse []Step) {
	um.mu.Lock()
	defer um.mu.Unlock()
	switch um.replaying {
	case 1:
		um.redo = append(um.redo, &historyItem{steps: inverse})
		return
	case 2:
		um.undo = append(um.undo, &historyItem{steps: inverse, captured: time.Now()})
		return
	}
	if !um.tracked[origin] {
		return
	}
	um.redo = nil
	now := time.Now()
	if um.capturing && len(um.undo) > 0 {
		last := um.undo[len(um.undo)-1]
		if now.Sub(last.captured) < um.captureTimeout {
			last.steps = append(last.steps, inverse...)
			last.captured = now
			return
		}
	}
	um.undo = append(um.undo, &historyItem{steps: inverse, captured: now})
	um.capturing = true
}

// StopCapturing ends the current capture group: the next tracked transaction
// starts a fresh undo item regardless of the capture timeout.
func (um *UndoManager) StopCapturing() {
	um.mu.Lock()
	defer um.mu.Unlock()
	um.capturing = false
}

func (um *UndoManager) CanUndo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.undo) > 0
}

func (um *UndoManager) CanRedo() bool {
	um.mu.Lock()
	defer um.mu.Unlock()
	return len(um.redo) > 0
}

// Undo rolls back the newest tracked transaction group. Returns false when
// the history is empty.
func (um *UndoManager) Undo() bool {
	um.mu.Lock()
	if len(um.undo) == 0 {
		um.mu.Unlock()
		return false
	}
	item := um.undo[len(um.undo)-1]
	um.undo = um.undo[:len(um.undo)-1]
	um.replaying = 1
	um.mu.Unlock()
	um.replay(item)
	um.mu.Lock()
	um.replaying = 0
	um.capturing = false
	um.mu.Unlock()
	return true
}

// Redo re-applies the most recently undone group.
func (um *UndoManager) Redo() bool {
	um.mu.Lock()
	if len(um.redo) == 0 {
		um.mu.Unlock()
		return false
	}
	item := um.redo[len(um.redo)-1]
	um.redo = um.redo[:len(um.redo)-1]
	um.replaying = 2
	um.mu.Unlock()
	um.replay(item)
	um.mu.Lock()
	um.replaying = 0
	um.capturing = false
	um.mu.Unlock()
	return true
}

func (um *UndoManager) replay(item *historyItem) {
	err := um.doc.Transact(OriginLocal, func(tx *Txn) error {
		for i := len(item.steps) - 1; i >= 0; i-- {
			if err := item.steps[i](tx); err != nil {
				// Best effort: the target may have been changed or
				// removed by a peer since the step was recorded.
				slog.Debug("skipping stale history step", "err", err)
			}
		}
		return nil
	})
	if err != nil {
		slog.Error("failed to replay history item", "err", err)
	}
}

// Clear drops both stacks without touching the document.
func (um *UndoManager) Clear() {
	um.mu.Lock()
	defer um.mu.Unlock()
	um.undo = nil
	um.redo = nil
	um.capturing = false
}

// Close detaches the manager from its document.
func (um *UndoManager) Close() {
	if um.unobserve != nil {
		um.unobserve()
		um.unobserve = nil
	}
	um.Clear()
}
