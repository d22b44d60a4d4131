// ABOUTME: Marking orchestration: worklist setup, incremental and concurrent draining
// ABOUTME: Also ephemeron fixed-point iteration, weak processing, and mark verification

package heap

import (
	"fmt"
	"time"

	"github.com/prateek/oilpan/worklist"
)

// The deadline is consulted once per small batch of items, so a marking
// step can overshoot it by at most a batch of trace callbacks.
const markingDeadlineCheckInterval = 8

// SetupWorklists creates the marking worklists for a new GC cycle.
func (h *ThreadHeap) SetupWorklists() {
	h.markingWorklist = worklist.New[MarkingItem](markingLocalSegmentSize)
	h.notFullyConstructedWorklist = worklist.New[*HeapObjectHeader](notFullyConstructedLocalSegmentSize)
	h.previouslyNotFullyConstructedWorklist = worklist.New[*HeapObjectHeader](notFullyConstructedLocalSegmentSize)
	h.weakCallbackWorklist = worklist.New[WeakCallbackItem](weakCallbackLocalSegmentSize)
	h.weakTableWorklist = worklist.New[WeakTableItem](weakTableLocalSegmentSize)
	h.movableReferenceWorklist = worklist.New[*Address](movableReferenceLocalSegmentSize)
	h.backingStoreCallbackWorklist = worklist.New[BackingStoreCallbackItem](backingStoreLocalSegmentSize)
	h.ephemeronCallbacks = make(map[*HeapObjectHeader]EphemeronCallback)
}

// DestroyMarkingWorklists tears down the cycle's marking worklists. With
// StackStateNoHeapPointers every in-construction object must have been
// flushed and processed; leftovers mean the safepoint protocol was
// violated.
func (h *ThreadHeap) DestroyMarkingWorklists(stackState StackState) {
	if stackState == StackStateNoHeapPointers && !h.notFullyConstructedWorklist.IsGlobalEmpty() {
		panic("heap: not-fully-constructed objects survived the atomic pause")
	}
	h.markingWorklist = nil
	h.notFullyConstructedWorklist = nil
	h.previouslyNotFullyConstructedWorklist = nil
	h.weakCallbackWorklist = nil
	h.weakTableWorklist = nil
	h.ephemeronCallbacks = nil
}

// DestroyCompactionWorklists tears down the compaction worklists once the
// compaction phase is over.
func (h *ThreadHeap) DestroyCompactionWorklists() {
	h.movableReferenceWorklist = nil
	h.backingStoreCallbackWorklist = nil
}

// FlushNotFullyConstructedObjects moves objects observed in construction
// onto the previously-not-fully-constructed worklist. Only at a safepoint
// are such objects guaranteed complete, which is why tracing them is gated
// on this flush.
func (h *ThreadHeap) FlushNotFullyConstructedObjects() {
	v := h.state.marker
	if v == nil {
		return
	}
	for {
		header, ok := v.notFullyConstructed.Pop()
		if !ok {
			break
		}
		v.previouslyNotFullyConstructed.Push(header)
	}
}

// MarkNotFullyConstructedObjects marks objects that were in construction
// at the last safepoint. They are assumed alive; objects whose constructor
// has since finished are queued for regular tracing.
func (h *ThreadHeap) MarkNotFullyConstructedObjects(v *MarkingVisitor) {
	for {
		header, ok := v.notFullyConstructed.Pop()
		if !ok {
			return
		}
		v.MarkHeaderNoTracing(header)
		if header.IsFullyConstructed(v.accessMode) {
			v.marking.Push(MarkingItem{
				Object:   header,
				Callback: gcInfoFromIndex(header.gcInfoIndex).TraceFn,
			})
		}
	}
}

// AdvanceMarking drains the marking worklist, invoking trace callbacks and
// resolving ephemerons, until the worklist is exhausted or the deadline
// passes. It reports whether marking is complete from this visitor's view;
// worklist state persists across calls, so an interrupted step resumes
// where it stopped.
func (h *ThreadHeap) AdvanceMarking(v *MarkingVisitor, deadline time.Time) bool {
	processed := 0
	for {
		if header, ok := v.previouslyNotFullyConstructed.Pop(); ok {
			// Fully specified now; trace through the regular callback.
			v.MarkHeaderNoTracing(header)
			v.marking.Push(MarkingItem{
				Object:   header,
				Callback: gcInfoFromIndex(header.gcInfoIndex).TraceFn,
			})
			processed++
		} else if item, ok := v.marking.Pop(); ok {
			item.Callback(v, item.Object.Payload())
			processed++
		} else if h.invokeEphemeronCallbacks(v) {
			// A fixed-point round can revive arbitrary amounts of marking
			// work, so the deadline applies between rounds too.
			if time.Now().After(deadline) {
				v.drainMarkedBytes()
				return false
			}
			continue
		} else {
			v.drainMarkedBytes()
			return true
		}
		if processed%markingDeadlineCheckInterval == 0 && time.Now().After(deadline) {
			v.drainMarkedBytes()
			return false
		}
	}
}

// AdvanceConcurrentMarking drains the shared marking worklist from a
// background goroutine, reporting true when this thread's contribution is
// exhausted. Ephemeron and construction handling stay on the mutator.
func (h *ThreadHeap) AdvanceConcurrentMarking(v *ConcurrentMarkingVisitor, deadline time.Time) bool {
	processed := 0
	for {
		item, ok := v.marking.Pop()
		if !ok {
			v.drainMarkedBytes()
			return true
		}
		item.Callback(&v.MarkingVisitor, item.Object.Payload())
		processed++
		if processed%markingDeadlineCheckInterval == 0 && time.Now().After(deadline) {
			v.drainMarkedBytes()
			return false
		}
	}
}

// invokeEphemeronCallbacks runs all registered ephemeron callbacks once,
// reporting whether they produced new marking work. AdvanceMarking loops
// until this reaches a fixed point.
func (h *ThreadHeap) invokeEphemeronCallbacks(v *MarkingVisitor) bool {
	// Adopt newly registered tables first. The map deduplicates tables
	// that were traced more than once.
	for {
		item, ok := v.weakTables.Pop()
		if !ok {
			break
		}
		h.ephemeronCallbacks[item.Table] = item.Callback
	}
	if len(h.ephemeronCallbacks) == 0 {
		return false
	}
	before := v.markedBytes
	for table, callback := range h.ephemeronCallbacks {
		callback(v, table.Payload())
	}
	return v.markedBytes != before || !v.marking.IsLocalAndGlobalEmpty()
}

// WeakProcessing invokes the weak callbacks accumulated during marking.
// It must run strictly after the strong transitive closure is complete;
// clearing weak references depends on final liveness.
func (h *ThreadHeap) WeakProcessing(v *MarkingVisitor) {
	if !v.marking.IsLocalAndGlobalEmpty() {
		panic("heap: weak processing started before marking completed")
	}
	for {
		item, ok := v.weakCallbacks.Pop()
		if !ok {
			return
		}
		item.Callback(v, item.Object.Payload())
	}
}

// CheckAndMarkPointer conservatively treats addr as a potential heap
// pointer: if it falls inside a live object, that object is marked. Used
// for stack-provided addresses during the atomic pause.
func (h *ThreadHeap) CheckAndMarkPointer(v *MarkingVisitor, addr Address) bool {
	if addr == NilAddress {
		return false
	}
	if h.addressCache.lookup(addr) {
		return false
	}
	page := h.regions.lookup(addr)
	if page == nil {
		h.addressCache.addMiss(addr)
		return false
	}
	header := page.FindHeader(addr)
	if header == nil {
		return false
	}
	if !header.IsFullyConstructed(v.accessMode) {
		if header.TryMark(v.accessMode) {
			v.notFullyConstructed.Push(header)
		}
		return true
	}
	v.markAndPush(header)
	return true
}

// markVerifier checks that every reference reachable from a marked object
// leads to a marked object. Registration methods are inert; verification
// never mutates the heap.
type markVerifier struct {
	heap *ThreadHeap
	err  error
}

func (v *markVerifier) Heap() *ThreadHeap { return v.heap }

func (v *markVerifier) Trace(obj Traceable) {
	if v.err != nil || isNilTraceable(obj) {
		return
	}
	header := obj.heapObjectHeader()
	if header == nil || header.IsFree() {
		return
	}
	if !header.IsMarked(AccessModeNonAtomic) {
		v.err = fmt.Errorf("heap: reachable object %s at %#x is unmarked",
			header.TypeName(), header.Address())
	}
}

func (v *markVerifier) MarkHeaderNoTracing(*HeapObjectHeader)                 {}
func (v *markVerifier) RegisterWeakCallback(*HeapObjectHeader, WeakCallback)  {}
func (v *markVerifier) RegisterWeakTable(Traceable, EphemeronCallback)        {}
func (v *markVerifier) RegisterMovableSlot(*Address)                          {}
func (v *markVerifier) RegisterBackingStoreCallback(Address, MovingObjectCallback) {
}

// VerifyMarking checks the post-marking invariant that no object is
// reachable-but-unmarked, starting from the persistent roots and every
// marked object. Intended for tests and debug configurations.
func (h *ThreadHeap) VerifyMarking() error {
	v := &markVerifier{heap: h}
	h.state.persistents.traceAll(v)
	if v.err != nil {
		return v.err
	}
	h.ForEachObject(func(header *HeapObjectHeader) bool {
		if header.IsMarked(AccessModeNonAtomic) && header.IsFullyConstructed(AccessModeNonAtomic) {
			gcInfoFromIndex(header.gcInfoIndex).TraceFn(v, header.Payload())
		}
		return v.err == nil
	})
	return v.err
}
