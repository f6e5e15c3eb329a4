package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/xnscdev/techboard/internal/board"
)

const defaultFlushDelay = 20 * time.Millisecond

// StrokeBatcher accumulates freehand segments and commits them as one stroke
// event after a short debounce window, trading a little latency for far
// fewer messages during pointer moves. Callers must Flush on pointer
// release so a trailing partial stroke is never lost.
type StrokeBatcher struct {
	doc   *board.Document
	delay time.Duration

	mu      sync.Mutex
	pending []board.Segment
	tool    board.Tool
	width   float64
	color   string
	timer   *time.Timer
	closed  bool
}

func NewStrokeBatcher(doc *board.Document, delay time.Duration) *StrokeBatcher {
	if delay <= 0 {
		delay = defaultFlushDelay
	}
	return &StrokeBatcher{doc: doc, delay: delay}
}

// SetStyle fixes the tool attributes for subsequent segments. A style change
// with segments pending commits them first; the buffer is drained under the
// same lock hold that swaps the style, so one stroke never mixes styles.
func (b *StrokeBatcher) SetStyle(tool board.Tool, lineWidth float64, color string) {
	b.mu.Lock()
	var stroke board.StrokeEvent
	changed := tool != b.tool || lineWidth != b.width || color != b.color
	if changed && len(b.pending) > 0 {
		if b.timer != nil {
			b.timer.Stop()
		}
		stroke = b.take()
	}
	b.tool, b.width, b.color = tool, lineWidth, color
	b.mu.Unlock()
	b.commit(stroke)
}

// Add buffers one pointer-move segment and (re)arms the debounce timer.
func (b *StrokeBatcher) Add(seg board.Segment) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.pending = append(b.pending, seg)
	if b.timer == nil {
		b.timer = time.AfterFunc(b.delay, b.Flush)
	} else {
		b.timer.Reset(b.delay)
	}
}

// Flush commits the buffered segments as one local stroke transaction.
func (b *StrokeBatcher) Flush() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
	}
	stroke := b.take()
	b.mu.Unlock()
	b.commit(stroke)
}

// take drains the buffer into one stroke event. Callers hold b.mu.
func (b *StrokeBatcher) take() board.StrokeEvent {
	segs := b.pending
	b.pending = nil
	return board.StrokeEvent{
		Segments:  segs,
		Tool:      b.tool,
		LineWidth: b.width,
		Color:     b.color,
	}
}

func (b *StrokeBatcher) commit(stroke board.StrokeEvent) {
	if len(stroke.Segments) == 0 {
		return
	}
	err := b.doc.Transact(board.OriginLocal, func(tx *board.Txn) error {
		return tx.AppendStroke(stroke)
	})
	if err != nil {
		slog.Error("failed to commit stroke", "err", err)
	}
}

// Close flushes any trailing segments and stops the timer.
func (b *StrokeBatcher) Close() {
	b.Flush()
	b.mu.Lock()
	b.closed = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.mu.Unlock()
}
