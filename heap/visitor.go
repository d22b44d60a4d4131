// ABOUTME: Marking visitors that drive trace callbacks and feed the worklists
// ABOUTME: Defines the Visitor interface and the worklist item types

package heap

import (
	"reflect"

	"github.com/prateek/oilpan/worklist"
)

// MarkingItem pairs a discovered object with its trace callback.
type MarkingItem struct {
	Object   *HeapObjectHeader
	Callback TraceCallback
}

// WeakCallback clears or revalidates a weak reference once liveness is
// final. It runs strictly after marking completes.
type WeakCallback func(v Visitor, obj any)

// WeakCallbackItem pairs an object with a registered weak callback.
type WeakCallbackItem struct {
	Object   *HeapObjectHeader
	Callback WeakCallback
}

// EphemeronCallback marks the values of an ephemeron table whose keys are
// live. It is invoked repeatedly until a fixed point is reached.
type EphemeronCallback func(v Visitor, table any)

// WeakTableItem pairs an ephemeron table with its callback.
type WeakTableItem struct {
	Table    *HeapObjectHeader
	Callback EphemeronCallback
}

// MovingObjectCallback is invoked when compaction relocates a backing
// store.
type MovingObjectCallback func(from, to Address, payload any)

// BackingStoreCallbackItem pairs a movable backing store with its moving
// callback.
type BackingStoreCallbackItem struct {
	Backing  Address
	Callback MovingObjectCallback
}

// Visitor traverses the object graph during marking. Trace methods of
// garbage-collected types call back into the visitor for every reference
// field.
type Visitor interface {
	// Heap returns the heap being traced.
	Heap() *ThreadHeap

	// Trace visits a strong reference.
	Trace(obj Traceable)

	// MarkHeaderNoTracing marks an object without scheduling its fields,
	// used for conservatively found pointers to in-construction objects.
	MarkHeaderNoTracing(header *HeapObjectHeader)

	// RegisterWeakCallback defers a callback until liveness is final.
	RegisterWeakCallback(header *HeapObjectHeader, callback WeakCallback)

	// RegisterWeakTable registers an ephemeron table for fixed-point
	// iteration.
	RegisterWeakTable(table Traceable, callback EphemeronCallback)

	// RegisterMovableSlot records a slot holding the address of a movable
	// backing store so compaction can rewrite it.
	RegisterMovableSlot(slot *Address)

	// RegisterBackingStoreCallback records a callback to run when the
	// backing store at the given address moves.
	RegisterBackingStoreCallback(backing Address, callback MovingObjectCallback)
}

// MarkingVisitor drains and feeds the marking worklists on the mutator
// thread. Its access mode is atomic whenever concurrent markers share the
// cycle.
type MarkingVisitor struct {
	heap       *ThreadHeap
	accessMode AccessMode

	marking                       *worklist.Local[MarkingItem]
	notFullyConstructed           *worklist.Local[*HeapObjectHeader]
	previouslyNotFullyConstructed *worklist.Local[*HeapObjectHeader]
	weakCallbacks                 *worklist.Local[WeakCallbackItem]
	movableReferences             *worklist.Local[*Address]
	weakTables                    *worklist.Local[WeakTableItem]
	backingStoreCallbacks         *worklist.Local[BackingStoreCallbackItem]

	markedBytes uint64
}

func newMarkingVisitor(h *ThreadHeap, mode AccessMode) *MarkingVisitor {
	return &MarkingVisitor{
		heap:                          h,
		accessMode:                    mode,
		marking:                       h.markingWorklist.NewLocal(),
		notFullyConstructed:           h.notFullyConstructedWorklist.NewLocal(),
		previouslyNotFullyConstructed: h.previouslyNotFullyConstructedWorklist.NewLocal(),
		weakCallbacks:                 h.weakCallbackWorklist.NewLocal(),
		movableReferences:             h.movableReferenceWorklist.NewLocal(),
		weakTables:                    h.weakTableWorklist.NewLocal(),
		backingStoreCallbacks:         h.backingStoreCallbackWorklist.NewLocal(),
	}
}

// Heap returns the heap being traced.
func (v *MarkingVisitor) Heap() *ThreadHeap { return v.heap }

// AccessMode returns the header access mode this visitor marks with.
func (v *MarkingVisitor) AccessMode() AccessMode { return v.accessMode }

// isNilTraceable reports whether obj is nil or a typed nil pointer wrapped
// in the interface.
func isNilTraceable(obj Traceable) bool {
	if obj == nil {
		return true
	}
	rv := reflect.ValueOf(obj)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// Trace visits a strong reference: the object is marked and its trace
// callback queued. References to objects still under construction are
// deferred to the not-fully-constructed worklist instead of being traced.
func (v *MarkingVisitor) Trace(obj Traceable) {
	if isNilTraceable(obj) {
		return
	}
	header := obj.heapObjectHeader()
	if header == nil {
		panic("heap: traced object was not allocated with MakeGarbageCollected")
	}
	if !header.IsFullyConstructed(v.accessMode) {
		if header.TryMark(v.accessMode) {
			v.notFullyConstructed.Push(header)
		}
		return
	}
	v.markAndPush(header)
}

// markAndPush sets the mark bit and, for the winning marker, queues the
// object's trace callback.
func (v *MarkingVisitor) markAndPush(header *HeapObjectHeader) {
	if header.IsFree() {
		return
	}
	if header.TryMark(v.accessMode) {
		v.markedBytes += header.AllocationSize()
		v.marking.Push(MarkingItem{
			Object:   header,
			Callback: gcInfoFromIndex(header.gcInfoIndex).TraceFn,
		})
	}
}

// MarkHeaderNoTracing marks an object without queueing its fields.
func (v *MarkingVisitor) MarkHeaderNoTracing(header *HeapObjectHeader) {
	if header.TryMark(v.accessMode) {
		v.markedBytes += header.AllocationSize()
	}
}

// RegisterWeakCallback defers callback until after marking completes.
func (v *MarkingVisitor) RegisterWeakCallback(header *HeapObjectHeader, callback WeakCallback) {
	v.weakCallbacks.Push(WeakCallbackItem{Object: header, Callback: callback})
}

// RegisterWeakTable queues an ephemeron table for fixed-point iteration.
func (v *MarkingVisitor) RegisterWeakTable(table Traceable, callback EphemeronCallback) {
	header := table.heapObjectHeader()
	if header == nil {
		panic("heap: weak table is not heap allocated")
	}
	v.weakTables.Push(WeakTableItem{Table: header, Callback: callback})
}

// RegisterMovableSlot records a compaction fixup slot. Slots pointing
// outside the compactable arenas are ignored.
func (v *MarkingVisitor) RegisterMovableSlot(slot *Address) {
	if slot == nil || *slot == NilAddress {
		return
	}
	if !v.heap.ShouldRegisterMovingAddress(*slot) {
		return
	}
	v.movableReferences.Push(slot)
}

// RegisterBackingStoreCallback records a moving callback for a backing
// store.
func (v *MarkingVisitor) RegisterBackingStoreCallback(backing Address, callback MovingObjectCallback) {
	if !v.heap.ShouldRegisterMovingAddress(backing) {
		return
	}
	v.backingStoreCallbacks.Push(BackingStoreCallbackItem{Backing: backing, Callback: callback})
}

// flushToGlobal publishes all local segments so other visitors can observe
// the work. Called at safepoints and before a marker goroutine exits.
func (v *MarkingVisitor) flushToGlobal() {
	v.marking.FlushToGlobal()
	v.notFullyConstructed.FlushToGlobal()
	v.previouslyNotFullyConstructed.FlushToGlobal()
	v.weakCallbacks.FlushToGlobal()
	v.movableReferences.FlushToGlobal()
	v.weakTables.FlushToGlobal()
	v.backingStoreCallbacks.FlushToGlobal()
}

// drainMarkedBytes transfers the visitor's byte count into the heap stats.
func (v *MarkingVisitor) drainMarkedBytes() {
	if v.markedBytes > 0 {
		v.heap.stats.IncreaseMarkedBytes(v.markedBytes)
		v.markedBytes = 0
	}
}

// ConcurrentMarkingVisitor drains the shared marking worklist on a
// background goroutine. It always marks atomically.
type ConcurrentMarkingVisitor struct {
	MarkingVisitor
}

func newConcurrentMarkingVisitor(h *ThreadHeap) *ConcurrentMarkingVisitor {
	v := &ConcurrentMarkingVisitor{}
	v.MarkingVisitor = *newMarkingVisitor(h, AccessModeAtomic)
	return v
}
