// ABOUTME: Point-in-time object graph captured from a heap
// ABOUTME: Defines Object, ObjectID, Roots, and the in-memory snapshot store

// Package snapshot captures the heap's object graph at a point in time and
// analyzes it: paths from an object back to the roots, dominator trees,
// and retained sizes. Snapshots are plain data, detached from the heap
// they came from, and can be serialized to JSON.
package snapshot

import (
	"reflect"
	"sync"

	"github.com/prateek/oilpan/heap"
)

// ObjectID identifies an object within a snapshot. It is the object's
// header address at capture time; 0 is reserved for the synthetic
// super-root used by dominator analysis.
type ObjectID uint64

// Object is one heap object's record in a snapshot.
type Object struct {
	ID   ObjectID
	Type string
	Size uint64
	Refs []ObjectID // strong references held by this object
}

// Roots is the set of objects directly reachable from persistent handles.
type Roots struct {
	IDs []ObjectID
}

// Snapshot is an immutable-after-capture object graph. Methods are safe
// for concurrent readers.
type Snapshot struct {
	mu      sync.RWMutex
	objects map[ObjectID]*Object
	roots   Roots
}

// New returns an empty snapshot.
func New() *Snapshot {
	return &Snapshot{objects: make(map[ObjectID]*Object)}
}

// Add records an object. A second Add with the same ID replaces the first.
func (s *Snapshot) Add(obj *Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[obj.ID] = obj
}

// Object returns the record for id, or nil.
func (s *Snapshot) Object(id ObjectID) *Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[id]
}

// NumObjects returns the number of captured objects.
func (s *Snapshot) NumObjects() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// ForEachObject visits every captured object.
func (s *Snapshot) ForEachObject(fn func(*Object)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, obj := range s.objects {
		fn(obj)
	}
}

// SetRoots records the root set.
func (s *Snapshot) SetRoots(roots Roots) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roots = roots
}

// Roots returns the captured root set.
func (s *Snapshot) Roots() Roots {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roots
}

// recorder is a heap visitor that records references instead of marking.
type recorder struct {
	h    *heap.ThreadHeap
	refs []ObjectID
}

func (r *recorder) Heap() *heap.ThreadHeap { return r.h }

func (r *recorder) Trace(obj heap.Traceable) {
	if obj == nil {
		return
	}
	if rv := reflect.ValueOf(obj); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return
	}
	header := heap.HeaderFromPayload(obj)
	r.refs = append(r.refs, ObjectID(header.Address()))
}

func (r *recorder) MarkHeaderNoTracing(*heap.HeapObjectHeader)                      {}
func (r *recorder) RegisterWeakCallback(*heap.HeapObjectHeader, heap.WeakCallback)  {}
func (r *recorder) RegisterWeakTable(heap.Traceable, heap.EphemeronCallback)        {}
func (r *recorder) RegisterMovableSlot(*heap.Address)                               {}
func (r *recorder) RegisterBackingStoreCallback(heap.Address, heap.MovingObjectCallback) {
}

// Capture walks the live heap and records every object, its strong
// references, and the persistent roots. Outstanding sweeping is finished
// first so the walk only sees survivors; the caller must not allocate
// concurrently.
func Capture(state *heap.ThreadState) *Snapshot {
	state.CompleteSweep()

	s := New()
	h := state.Heap()
	h.ForEachObject(func(header *heap.HeapObjectHeader) bool {
		r := &recorder{h: h}
		if obj, ok := header.Payload().(heap.Traceable); ok && header.IsFullyConstructed(heap.AccessModeAtomic) {
			obj.Trace(r)
		}
		s.Add(&Object{
			ID:   ObjectID(header.Address()),
			Type: header.TypeName(),
			Size: header.AllocationSize(),
			Refs: r.refs,
		})
		return true
	})

	r := &recorder{h: h}
	state.VisitRoots(r)
	s.SetRoots(Roots{IDs: r.refs})
	return s
}
