// ABOUTME: Reference wrappers (Member, WeakMember, UntracedMember, Persistent) and allocation API
// ABOUTME: MakeGarbageCollected constructs objects and manages the fully-constructed window

package heap

import "reflect"

// GarbageCollected must be embedded by value in every heap-allocated type.
// It carries the back-pointer from a payload to its header, which is how
// HeaderFromPayload walks from an object to its metadata.
type GarbageCollected struct {
	header *HeapObjectHeader
}

func (g *GarbageCollected) heapObjectHeader() *HeapObjectHeader     { return g.header }
func (g *GarbageCollected) setHeapObjectHeader(h *HeapObjectHeader) { g.header = h }

// HeaderFromPayload returns the header of a heap-allocated object. It
// panics for objects that were not allocated with MakeGarbageCollected.
func HeaderFromPayload(obj Traceable) *HeapObjectHeader {
	header := obj.heapObjectHeader()
	if header == nil {
		panic("heap: object was not allocated with MakeGarbageCollected")
	}
	return header
}

// gcPointer constrains PT to be a pointer to a garbage-collected T.
type gcPointer[T any] interface {
	*T
	Traceable
}

// MakeGarbageCollected allocates a T on the heap and runs construct on the
// zeroed object before it becomes traceable. The returned pointer must be
// stored only in collector-visible wrappers (Member, WeakMember, a
// Persistent root, or a traced collection); keeping it solely in an
// untracked Go pointer is a use-after-free once the collector reclaims the
// object.
func MakeGarbageCollected[T any, PT gcPointer[T]](state *ThreadState, construct func(PT)) PT {
	return makeGarbageCollected[T, PT](state, 0, construct)
}

// MakeGarbageCollectedWithExtraBytes is MakeGarbageCollected for objects
// carrying an inline trailing payload of extraBytes.
func MakeGarbageCollectedWithExtraBytes[T any, PT gcPointer[T]](state *ThreadState, extraBytes uint64, construct func(PT)) PT {
	return makeGarbageCollected[T, PT](state, extraBytes, construct)
}

func makeGarbageCollected[T any, PT gcPointer[T]](state *ThreadState, extraBytes uint64, construct func(PT)) PT {
	size := uint64(reflect.TypeOf((*T)(nil)).Elem().Size()) + extraBytes
	gcInfoIndex := gcInfoIndexForType(reflect.TypeOf((*PT)(nil)).Elem())
	typeName := TypeNameFromGCInfoIndex(gcInfoIndex)

	header := state.Heap().allocate(state, size, gcInfoIndex, typeName)
	obj := PT(new(T))
	obj.setHeapObjectHeader(header)
	header.payload = obj
	if construct != nil {
		construct(obj)
	}
	header.MarkFullyConstructed(AccessModeAtomic)
	return obj
}

// IsHeapObjectAlive reports whether an object survived the current marking
// cycle. The nil pointer is always alive: collections rely on never having
// to remove a strongified null entry, and a mark bit cannot be set on it.
// Objects still under construction are likewise always alive.
func IsHeapObjectAlive[T any, PT gcPointer[T]](p PT) bool {
	if p == nil {
		return true
	}
	header := p.heapObjectHeader()
	if header == nil {
		return true
	}
	if !header.IsFullyConstructed(AccessModeAtomic) {
		return true
	}
	return header.IsMarked(AccessModeAtomic)
}

// Member is a strong, traced reference to a garbage-collected object. A
// Member field participates in liveness through its owner's Trace method.
type Member[T any] struct {
	ptr *T
}

// Get returns the referenced object.
func (m *Member[T]) Get() *T { return m.ptr }

// Set points the member at p.
func (m *Member[T]) Set(p *T) { m.ptr = p }

// Clear resets the member to nil.
func (m *Member[T]) Clear() { m.ptr = nil }

// TraceMember visits a strong member field. Called from Trace methods.
func TraceMember[T any, PT gcPointer[T]](v Visitor, m Member[T]) {
	if m.ptr == nil {
		return
	}
	v.Trace(PT(m.ptr))
}

// WeakMember is a traced reference that does not keep its target alive.
// After each GC cycle's weak processing, dead targets read as nil.
type WeakMember[T any] struct {
	ptr *T
}

// Get returns the referenced object, or nil once the target has died.
func (m *WeakMember[T]) Get() *T { return m.ptr }

// Set points the weak member at p.
func (m *WeakMember[T]) Set(p *T) { m.ptr = p }

// Clear resets the weak member to nil.
func (m *WeakMember[T]) Clear() { m.ptr = nil }

// TraceWeakMember registers a weak field for clearing after marking. The
// target is not marked through this reference.
func TraceWeakMember[T any, PT gcPointer[T]](v Visitor, m *WeakMember[T]) {
	if m.ptr == nil {
		return
	}
	header := HeaderFromPayload(PT(m.ptr))
	v.RegisterWeakCallback(header, func(Visitor, any) {
		if m.ptr != nil && !IsHeapObjectAlive[T, PT](PT(m.ptr)) {
			m.ptr = nil
		}
	})
}

// UntracedMember is a reference the collector ignores entirely. The caller
// is responsible for ensuring the target is kept alive through some traced
// path.
type UntracedMember[T any] struct {
	ptr *T
}

// Get returns the referenced object.
func (m *UntracedMember[T]) Get() *T { return m.ptr }

// Set points the untraced member at p.
func (m *UntracedMember[T]) Set(p *T) { m.ptr = p }

// persistentNode is one registered root in a PersistentRegion.
type persistentNode struct {
	trace func(Visitor)
}

// PersistentRegion is the set of explicit roots for one thread state.
type PersistentRegion struct {
	roots map[*persistentNode]struct{}
}

func newPersistentRegion() *PersistentRegion {
	return &PersistentRegion{roots: make(map[*persistentNode]struct{})}
}

func (r *PersistentRegion) register(n *persistentNode) {
	r.roots[n] = struct{}{}
}

func (r *PersistentRegion) unregister(n *persistentNode) {
	delete(r.roots, n)
}

// traceAll visits every registered root.
func (r *PersistentRegion) traceAll(v Visitor) {
	for n := range r.roots {
		n.trace(v)
	}
}

// NumRoots returns the number of registered persistent handles.
func (r *PersistentRegion) NumRoots() int { return len(r.roots) }

// Persistent is a root handle keeping an object reachable independent of
// the heap object graph. Release must be called when the handle is no
// longer needed; a leaked Persistent pins its target forever.
type Persistent[T Traceable] struct {
	region *PersistentRegion
	node   *persistentNode
	obj    Traceable
}

// NewPersistent registers obj as a GC root and returns the handle.
func NewPersistent[T Traceable](state *ThreadState, obj T) *Persistent[T] {
	p := &Persistent[T]{region: state.persistents}
	p.node = &persistentNode{trace: func(v Visitor) {
		if p.obj != nil {
			v.Trace(p.obj)
		}
	}}
	p.obj = obj
	p.region.register(p.node)
	return p
}

// Get returns the rooted object.
func (p *Persistent[T]) Get() T {
	obj, _ := p.obj.(T)
	return obj
}

// Set redirects the handle at another object.
func (p *Persistent[T]) Set(obj T) { p.obj = obj }

// Clear drops the reference while keeping the handle registered.
func (p *Persistent[T]) Clear() { p.obj = nil }

// Release unregisters the root. The handle must not be used afterwards.
func (p *Persistent[T]) Release() {
	if p.region != nil {
		p.region.unregister(p.node)
		p.region = nil
		p.obj = nil
	}
}
