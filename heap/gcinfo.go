// ABOUTME: Registry of per-type trace and finalize callbacks indexed by small integers
// ABOUTME: Replaces vtable dispatch with an explicit table shared across all heaps

package heap

import (
	"reflect"
	"sync"
)

// Traceable is implemented by every garbage-collected type. A type becomes
// Traceable by embedding GarbageCollected and defining Trace, which must
// visit every Member, WeakMember, and collection-of-members field; a field
// omitted from Trace is a silent correctness bug.
type Traceable interface {
	Trace(Visitor)
	heapObjectHeader() *HeapObjectHeader
	setHeapObjectHeader(*HeapObjectHeader)
}

// Finalizable is optionally implemented by garbage-collected types that
// need cleanup when sweeping reclaims them. Finalize runs on the mutator
// thread and must not allocate on the heap.
type Finalizable interface {
	Finalize()
}

// TraceCallback iterates the references held by one object.
type TraceCallback func(Visitor, any)

// FinalizeCallback runs an object's finalizer.
type FinalizeCallback func(any)

// GCInfo describes how the collector handles one Go type.
type GCInfo struct {
	TraceFn      TraceCallback
	FinalizeFn   FinalizeCallback
	TypeName     string
	HasFinalizer bool
}

// gcInfoTable assigns each garbage-collected type a small index on first
// allocation. Index 0 is reserved as invalid. The table is process-wide and
// append-only; the hot path carries only the integer index.
var gcInfoTable = struct {
	mu      sync.RWMutex
	infos   []GCInfo
	indices map[reflect.Type]uint32
}{
	infos:   make([]GCInfo, 1),
	indices: make(map[reflect.Type]uint32),
}

// gcInfoIndexForType returns the GC-info index for a pointer type whose
// pointee is garbage collected, registering it on first use.
func gcInfoIndexForType(t reflect.Type) uint32 {
	gcInfoTable.mu.RLock()
	index, ok := gcInfoTable.indices[t]
	gcInfoTable.mu.RUnlock()
	if ok {
		return index
	}

	gcInfoTable.mu.Lock()
	defer gcInfoTable.mu.Unlock()
	if index, ok := gcInfoTable.indices[t]; ok {
		return index
	}

	info := GCInfo{
		TraceFn: func(v Visitor, obj any) {
			obj.(Traceable).Trace(v)
		},
		TypeName: t.String(),
	}
	if t.Implements(reflect.TypeOf((*Finalizable)(nil)).Elem()) {
		info.HasFinalizer = true
		info.FinalizeFn = func(obj any) {
			obj.(Finalizable).Finalize()
		}
	}

	index = uint32(len(gcInfoTable.infos))
	gcInfoTable.infos = append(gcInfoTable.infos, info)
	gcInfoTable.indices[t] = index
	return index
}

// gcInfoFromIndex returns the registered descriptor for index.
func gcInfoFromIndex(index uint32) *GCInfo {
	gcInfoTable.mu.RLock()
	defer gcInfoTable.mu.RUnlock()
	if index == 0 || index >= uint32(len(gcInfoTable.infos)) {
		panic("heap: invalid GC-info index")
	}
	return &gcInfoTable.infos[index]
}

// GCInfoIndexFor returns the GC-info index assigned to *T.
func GCInfoIndexFor[T any, PT interface {
	*T
	Traceable
}]() uint32 {
	return gcInfoIndexForType(reflect.TypeOf((*PT)(nil)).Elem())
}

// TypeNameFromGCInfoIndex returns the type name registered under index.
func TypeNameFromGCInfoIndex(index uint32) string {
	return gcInfoFromIndex(index).TypeName
}
