// ABOUTME: Segmented work queues used by the garbage collector during marking
// ABOUTME: Provides amortized lock-free push/pop through per-consumer local segments

// Package worklist implements segmented producer/consumer work queues.
//
// A Worklist holds items in fixed-capacity segments. Each producer or
// consumer works through a Local view that owns one segment at a time and
// only touches the shared worklist when a segment fills up or runs dry, so
// the lock is taken once per segment rather than once per item. Items are
// consumed exactly once: segments move between a local view and the shared
// list, they are never copied.
//
// A Local is not safe for use by more than one goroutine. The Worklist
// itself is safe for any number of Locals on different goroutines. An item
// sitting in another goroutine's local segment is invisible to Pop until
// that goroutine calls FlushToGlobal; callers coordinate flushes at
// safepoints.
package worklist

import "sync"

// Worklist is a segmented work queue of items of type T.
type Worklist[T any] struct {
	segmentCapacity int

	mu   sync.Mutex
	full []*segment[T] // published segments with pending work
	free []*segment[T] // empty segments cached for reuse
}

// segment is a fixed-capacity chunk of work items.
type segment[T any] struct {
	items []T
}

// New creates a worklist whose segments hold up to segmentCapacity items.
// Hot worklists use large segments to amortize synchronization; sparse ones
// use small segments to bound wasted capacity.
func New[T any](segmentCapacity int) *Worklist[T] {
	if segmentCapacity <= 0 {
		panic("worklist: segment capacity must be positive")
	}
	return &Worklist[T]{segmentCapacity: segmentCapacity}
}

// SegmentCapacity returns the per-segment item capacity.
func (w *Worklist[T]) SegmentCapacity() int {
	return w.segmentCapacity
}

// IsGlobalEmpty reports whether the shared portion of the worklist holds no
// items. Items held in local segments are not counted.
func (w *Worklist[T]) IsGlobalEmpty() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.full) == 0
}

// GlobalCount returns the number of items currently published to the shared
// portion of the worklist.
func (w *Worklist[T]) GlobalCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, s := range w.full {
		n += len(s.items)
	}
	return n
}

// Clear discards all published items. Local segments are unaffected; Clear
// is meant for worklist teardown after all Locals are done.
func (w *Worklist[T]) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.full = nil
	w.free = nil
}

// publish moves a non-empty segment onto the shared list.
func (w *Worklist[T]) publish(s *segment[T]) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.full = append(w.full, s)
}

// take removes one published segment, or returns nil if none remain.
func (w *Worklist[T]) take() *segment[T] {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.full) == 0 {
		return nil
	}
	s := w.full[len(w.full)-1]
	w.full = w.full[:len(w.full)-1]
	return s
}

// newSegment returns an empty segment, reusing a cached one when possible.
func (w *Worklist[T]) newSegment() *segment[T] {
	w.mu.Lock()
	if n := len(w.free); n > 0 {
		s := w.free[n-1]
		w.free = w.free[:n-1]
		w.mu.Unlock()
		return s
	}
	w.mu.Unlock()
	return &segment[T]{items: make([]T, 0, w.segmentCapacity)}
}

// recycle returns an emptied segment to the shared cache.
func (w *Worklist[T]) recycle(s *segment[T]) {
	s.items = s.items[:0]
	w.mu.Lock()
	defer w.mu.Unlock()
	w.free = append(w.free, s)
}

// Local is a single-goroutine view onto a Worklist. Push and Pop operate on
// a private segment and fall back to the shared list only on segment
// boundaries.
type Local[T any] struct {
	w   *Worklist[T]
	seg *segment[T]
}

// NewLocal creates a local view onto the worklist.
func (w *Worklist[T]) NewLocal() *Local[T] {
	return &Local[T]{w: w}
}

// Push adds an item. If the local segment is full it is published to the
// shared list and a fresh segment is started.
func (l *Local[T]) Push(item T) {
	if l.seg == nil {
		l.seg = l.w.newSegment()
	} else if len(l.seg.items) == l.w.segmentCapacity {
		l.w.publish(l.seg)
		l.seg = l.w.newSegment()
	}
	l.seg.items = append(l.seg.items, item)
}

// Pop removes an item in LIFO order. When the local segment is exhausted a
// published segment is taken from the shared list. Pop reports false when no
// work is visible to this view, even if other views hold unflushed items.
func (l *Local[T]) Pop() (T, bool) {
	var zero T
	if l.seg == nil || len(l.seg.items) == 0 {
		if l.seg != nil {
			l.w.recycle(l.seg)
			l.seg = nil
		}
		s := l.w.take()
		if s == nil {
			return zero, false
		}
		l.seg = s
	}
	n := len(l.seg.items)
	item := l.seg.items[n-1]
	l.seg.items[n-1] = zero
	l.seg.items = l.seg.items[:n-1]
	return item, true
}

// IsLocalEmpty reports whether this view holds no items of its own.
func (l *Local[T]) IsLocalEmpty() bool {
	return l.seg == nil || len(l.seg.items) == 0
}

// IsLocalAndGlobalEmpty reports whether neither this view nor the shared
// list holds items.
func (l *Local[T]) IsLocalAndGlobalEmpty() bool {
	return l.IsLocalEmpty() && l.w.IsGlobalEmpty()
}

// FlushToGlobal publishes the local segment so other views can observe its
// items. Called at safepoints and before a view's goroutine exits.
func (l *Local[T]) FlushToGlobal() {
	if l.seg == nil {
		return
	}
	if len(l.seg.items) == 0 {
		l.w.recycle(l.seg)
	} else {
		l.w.publish(l.seg)
	}
	l.seg = nil
}
