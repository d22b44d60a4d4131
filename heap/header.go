// ABOUTME: Per-object header carrying size, GC-info index, and mark state
// ABOUTME: Supports plain and atomic access modes for the flag word

package heap

import "sync/atomic"

// AccessMode selects how header flags are read and written. Callers must use
// AccessModeAtomic whenever concurrent marking threads may touch the same
// header; the non-atomic path is valid only while the mutator is the sole
// accessor.
type AccessMode uint8

const (
	// AccessModeNonAtomic uses plain loads and stores.
	AccessModeNonAtomic AccessMode = iota
	// AccessModeAtomic uses atomic loads, stores, and compare-and-swap.
	AccessModeAtomic
)

const (
	headerMarkBit             uint32 = 1 << 0
	headerFullyConstructedBit uint32 = 1 << 1
	headerFreeBit             uint32 = 1 << 2
)

// HeapObjectHeader is the metadata record for one heap allocation. The
// header owns the object's payload and its reservation in the address
// space. It is written before the object's constructor runs and survives
// until sweeping reclaims the slot.
type HeapObjectHeader struct {
	address     Address
	size        uint32 // allocation size including header overhead
	gcInfoIndex uint32
	flags       uint32
	payload     any
}

// Address returns the base of the allocation's address-space reservation.
func (h *HeapObjectHeader) Address() Address {
	return h.address
}

// PayloadAddress returns the address of the payload, immediately past the
// header reservation.
func (h *HeapObjectHeader) PayloadAddress() Address {
	return h.address + headerSize
}

// AllocationSize returns the full reserved size including header overhead.
func (h *HeapObjectHeader) AllocationSize() uint64 {
	return uint64(h.size)
}

// PayloadSize returns the usable payload size.
func (h *HeapObjectHeader) PayloadSize() uint64 {
	return uint64(h.size) - headerSize
}

// GCInfoIndex returns the index of the object's type descriptor in the
// GC-info table.
func (h *HeapObjectHeader) GCInfoIndex() uint32 {
	return h.gcInfoIndex
}

// TypeName returns the registered type name for the object.
func (h *HeapObjectHeader) TypeName() string {
	return gcInfoFromIndex(h.gcInfoIndex).TypeName
}

// Payload returns the Go value stored in this allocation. It is nil for
// free slots.
func (h *HeapObjectHeader) Payload() any {
	return h.payload
}

func (h *HeapObjectHeader) loadFlags(mode AccessMode) uint32 {
	if mode == AccessModeAtomic {
		return atomic.LoadUint32(&h.flags)
	}
	return h.flags
}

func (h *HeapObjectHeader) setFlag(bit uint32, mode AccessMode) {
	if mode == AccessModeAtomic {
		for {
			old := atomic.LoadUint32(&h.flags)
			if atomic.CompareAndSwapUint32(&h.flags, old, old|bit) {
				return
			}
		}
	}
	h.flags |= bit
}

func (h *HeapObjectHeader) clearFlag(bit uint32, mode AccessMode) {
	if mode == AccessModeAtomic {
		for {
			old := atomic.LoadUint32(&h.flags)
			if atomic.CompareAndSwapUint32(&h.flags, old, old&^bit) {
				return
			}
		}
	}
	h.flags &^= bit
}

// IsMarked reports whether the object has been marked in the current cycle.
func (h *HeapObjectHeader) IsMarked(mode AccessMode) bool {
	return h.loadFlags(mode)&headerMarkBit != 0
}

// TryMark sets the mark bit and reports whether this call set it. With
// AccessModeAtomic, exactly one of several racing callers wins.
func (h *HeapObjectHeader) TryMark(mode AccessMode) bool {
	if mode == AccessModeAtomic {
		for {
			old := atomic.LoadUint32(&h.flags)
			if old&headerMarkBit != 0 {
				return false
			}
			if atomic.CompareAndSwapUint32(&h.flags, old, old|headerMarkBit) {
				return true
			}
		}
	}
	if h.flags&headerMarkBit != 0 {
		return false
	}
	h.flags |= headerMarkBit
	return true
}

// Unmark clears the mark bit. Only MakeConsistentForGC and
// MakeConsistentForMutator reset marks; sweeping never does.
func (h *HeapObjectHeader) Unmark(mode AccessMode) {
	h.clearFlag(headerMarkBit, mode)
}

// MarkFullyConstructed records that the object's constructor has finished
// and its fields may be traced.
func (h *HeapObjectHeader) MarkFullyConstructed(mode AccessMode) {
	h.setFlag(headerFullyConstructedBit, mode)
}

// IsFullyConstructed reports whether the object may be traced.
func (h *HeapObjectHeader) IsFullyConstructed(mode AccessMode) bool {
	return h.loadFlags(mode)&headerFullyConstructedBit != 0
}

// IsFree reports whether the slot has been reclaimed.
func (h *HeapObjectHeader) IsFree() bool {
	return h.flags&headerFreeBit != 0
}

// markFree reclaims the slot: the payload is dropped so the Go runtime can
// release the object once no mutator reference remains.
func (h *HeapObjectHeader) markFree() {
	h.flags |= headerFreeBit
	h.payload = nil
}
