// ABOUTME: Heap-managed vector with an out-of-line backing store in the vector arenas
// ABOUTME: Also the ephemeron WeakMap; both drive the rotation and compaction machinery

package heap

import "reflect"

// vectorBacking is the out-of-line slot array of a HeapVector. It lives
// in the vector arenas, so it is subject to the rotation heuristic,
// prompt freeing, in-place expansion, and compaction.
type vectorBacking struct {
	GarbageCollected
	slots []Traceable
}

func (b *vectorBacking) Trace(v Visitor) {
	for _, s := range b.slots {
		if s != nil {
			v.Trace(s)
		}
	}
}

func vectorBackingGCInfoIndex() uint32 {
	return gcInfoIndexForType(reflect.TypeOf((**vectorBacking)(nil)).Elem())
}

// newVectorBacking allocates a backing with room for at least capacity
// slots. Alignment may grant more; the slot slice reflects what was
// actually reserved.
func newVectorBacking(state *ThreadState, capacity int) *vectorBacking {
	h := state.Heap()
	gcInfoIndex := vectorBackingGCInfoIndex()
	typeName := TypeNameFromGCInfoIndex(gcInfoIndex)
	size := uint64(capacity) * AllocationGranularity
	header := h.allocateVectorBacking(state, size, gcInfoIndex, typeName)

	b := &vectorBacking{}
	b.setHeapObjectHeader(header)
	header.payload = b
	b.slots = make([]Traceable, header.PayloadSize()/AllocationGranularity)
	header.MarkFullyConstructed(AccessModeAtomic)
	return b
}

// HeapVector is a growable sequence of references to garbage-collected
// objects. The element storage is a separate heap object in the vector
// arenas; growing reallocates or expands that backing store and promptly
// frees the old one, which is what feeds the arena rotation heuristic.
type HeapVector[T Traceable] struct {
	GarbageCollected

	backing *vectorBacking
	// backingAddr mirrors the backing's payload address. Compaction
	// rewrites it through the movable slot registered during tracing.
	backingAddr  Address
	size         int
	moveCallback MovingObjectCallback
}

// NewHeapVector allocates an empty vector.
func NewHeapVector[T Traceable](state *ThreadState) *HeapVector[T] {
	return MakeGarbageCollected[HeapVector[T]](state, nil)
}

// Trace marks the backing store and its live slots, and registers the
// backing for relocation when a compacting cycle is running.
func (v *HeapVector[T]) Trace(visitor Visitor) {
	if v.backing == nil {
		return
	}
	visitor.Trace(v.backing)
	if visitor.Heap().ShouldRegisterMovingAddress(v.backingAddr) {
		visitor.RegisterMovableSlot(&v.backingAddr)
		if v.moveCallback != nil {
			visitor.RegisterBackingStoreCallback(v.backingAddr, v.moveCallback)
		}
	}
}

// SetMoveCallback installs a callback invoked when compaction relocates
// the vector's backing store.
func (v *HeapVector[T]) SetMoveCallback(callback MovingObjectCallback) {
	v.moveCallback = callback
}

// Len returns the number of elements.
func (v *HeapVector[T]) Len() int { return v.size }

// Capacity returns the number of slots the backing store holds.
func (v *HeapVector[T]) Capacity() int {
	if v.backing == nil {
		return 0
	}
	return len(v.backing.slots)
}

// BackingAddress returns the payload address of the backing store, or
// NilAddress for an empty vector. Stable across GC except compaction.
func (v *HeapVector[T]) BackingAddress() Address { return v.backingAddr }

// At returns the element at index i.
func (v *HeapVector[T]) At(i int) T {
	if i < 0 || i >= v.size {
		panic("heap: vector index out of range")
	}
	return v.backing.slots[i].(T)
}

// SetAt replaces the element at index i.
func (v *HeapVector[T]) SetAt(i int, value T) {
	if i < 0 || i >= v.size {
		panic("heap: vector index out of range")
	}
	v.backing.slots[i] = value
}

// Append adds value at the end, growing the backing store if needed.
func (v *HeapVector[T]) Append(state *ThreadState, value T) {
	if v.backing == nil || v.size == len(v.backing.slots) {
		v.grow(state, v.size+1)
	}
	v.backing.slots[v.size] = value
	v.size++
}

// RemoveLast drops the final element.
func (v *HeapVector[T]) RemoveLast() {
	if v.size == 0 {
		panic("heap: RemoveLast on empty vector")
	}
	v.size--
	v.backing.slots[v.size] = nil
}

// Clear drops all elements and promptly frees the backing store when the
// collector allows it.
func (v *HeapVector[T]) Clear(state *ThreadState) {
	if v.backing == nil {
		return
	}
	old := v.backing
	v.backing = nil
	v.backingAddr = NilAddress
	v.size = 0
	promptlyFreeBacking(state, old)
}

// ShrinkToFit releases unused backing slots back to the arena.
func (v *HeapVector[T]) ShrinkToFit(state *ThreadState) {
	if v.backing == nil || state.IsMarking() || state.IsSweepingInProgress() {
		return
	}
	header := v.backing.heapObjectHeader()
	page := state.Heap().LookupPageForAddress(header.Address())
	if page == nil || page.IsLargeObjectPage() {
		return
	}
	newAlloc := AllocationSizeFromSize(uint64(v.size) * AllocationGranularity)
	if newAlloc >= header.AllocationSize() {
		return
	}
	arena := state.Heap().Arena(page.ArenaIndex()).(*NormalPageArena)
	arena.shrinkObject(header, newAlloc)
	v.backing.slots = v.backing.slots[:header.PayloadSize()/AllocationGranularity]
}

// grow makes room for at least minCapacity slots: first by expanding the
// backing in place off the current bump pointer, otherwise by allocating
// a fresh backing and promptly freeing the old one.
func (v *HeapVector[T]) grow(state *ThreadState, minCapacity int) {
	newCapacity := max(4, 2*v.Capacity(), minCapacity)
	if v.backing != nil && v.tryExpand(state, newCapacity) {
		return
	}

	newBacking := newVectorBacking(state, newCapacity)
	old := v.backing
	if old != nil {
		copy(newBacking.slots, old.slots[:v.size])
	}
	v.backing = newBacking
	v.backingAddr = newBacking.heapObjectHeader().PayloadAddress()
	if old != nil {
		promptlyFreeBacking(state, old)
	}
}

// tryExpand grows the backing in place. Only the most recent bump
// allocation of the expansion arena can expand, so this mostly helps the
// append-heavy vector that is actively being built.
func (v *HeapVector[T]) tryExpand(state *ThreadState, newCapacity int) bool {
	if state.IsSweepingInProgress() {
		return false
	}
	header := v.backing.heapObjectHeader()
	page := state.Heap().LookupPageForAddress(header.Address())
	if page == nil || page.IsLargeObjectPage() {
		return false
	}
	newAlloc := AllocationSizeFromSize(uint64(newCapacity) * AllocationGranularity)
	// Expansion goes through the arena that owns the backing's page; the
	// rotation target may have moved on since the backing was allocated.
	arena := state.Heap().Arena(page.ArenaIndex()).(*NormalPageArena)
	if !arena.expandObject(header, newAlloc) {
		return false
	}
	state.Heap().ExpandedVectorBackingArena(vectorBackingGCInfoIndex())
	for uint64(len(v.backing.slots)) < header.PayloadSize()/AllocationGranularity {
		v.backing.slots = append(v.backing.slots, nil)
	}
	return true
}

// promptlyFreeBacking returns a dead backing store to its arena without
// waiting for the next GC. During marking or sweeping the backing is left
// for the collector instead: freeing a possibly-marked object mid-cycle
// would break mark accounting, and arenas are not coherent mid-sweep.
func promptlyFreeBacking(state *ThreadState, b *vectorBacking) {
	if state.IsMarking() || state.IsSweepingInProgress() {
		return
	}
	header := b.heapObjectHeader()
	h := state.Heap()
	page := h.LookupPageForAddress(header.Address())
	if page == nil || page.IsLargeObjectPage() {
		return
	}
	arena := h.Arena(page.ArenaIndex()).(*NormalPageArena)
	arena.promptlyFreeObject(header)
	h.PromptlyFreed(vectorBackingGCInfoIndex())
}

// isTraceableAlive is IsHeapObjectAlive for values already held as the
// Traceable interface, such as weak map keys.
func isTraceableAlive(obj Traceable) bool {
	if isNilTraceable(obj) {
		return true
	}
	header := obj.heapObjectHeader()
	if header == nil {
		return true
	}
	if !header.IsFullyConstructed(AccessModeAtomic) {
		return true
	}
	return header.IsMarked(AccessModeAtomic)
}

// WeakMap is an ephemeron table: an entry's value is kept alive only
// while its key is alive through some other path. Entries whose keys die
// are removed during weak processing.
type WeakMap[K interface {
	Traceable
	comparable
}, V Traceable] struct {
	GarbageCollected
	entries map[K]V
}

// NewWeakMap allocates an empty ephemeron table.
func NewWeakMap[K interface {
	Traceable
	comparable
}, V Traceable](state *ThreadState) *WeakMap[K, V] {
	return MakeGarbageCollected[WeakMap[K, V]](state, func(m *WeakMap[K, V]) {
		m.entries = make(map[K]V)
	})
}

// Trace registers the ephemeron iteration and the post-marking cleanup.
// Keys are deliberately not traced: holding a key in the map alone must
// not keep it alive.
func (m *WeakMap[K, V]) Trace(v Visitor) {
	v.RegisterWeakTable(m, func(vis Visitor, _ any) {
		for key, value := range m.entries {
			if isTraceableAlive(key) {
				vis.Trace(value)
			}
		}
	})
	v.RegisterWeakCallback(HeaderFromPayload(m), func(Visitor, any) {
		for key := range m.entries {
			if !isTraceableAlive(key) {
				delete(m.entries, key)
			}
		}
	})
}

// Set adds or replaces the entry for key.
func (m *WeakMap[K, V]) Set(key K, value V) { m.entries[key] = value }

// Get returns the value for key and whether the entry exists.
func (m *WeakMap[K, V]) Get(key K) (V, bool) {
	value, ok := m.entries[key]
	return value, ok
}

// Delete removes the entry for key.
func (m *WeakMap[K, V]) Delete(key K) { delete(m.entries, key) }

// Len returns the number of entries.
func (m *WeakMap[K, V]) Len() int { return len(m.entries) }
