// ABOUTME: Simulated heap address space and the region table mapping addresses to pages
// ABOUTME: Defines Address, allocation granularity constants, and page size limits

// Package heap implements a tracing garbage collector: size-class arenas
// with bump and free-list allocation, incremental and concurrent marking
// over segmented worklists, lazy sweeping, weak reference and ephemeron
// processing, and optional compaction of vector backing stores.
//
// The heap manages a simulated address space. Every page reserves a
// contiguous Address range; allocation carves ranges out of pages and
// records a HeapObjectHeader per object. Object payloads are ordinary Go
// values owned by their header, so the collector decides lifetime while Go
// provides the storage.
package heap

import (
	"sort"
	"sync"
)

// Address identifies a location in the collector's address space.
// The zero Address is the nil address and never belongs to any page.
type Address uint64

// NilAddress is the null heap address. It is considered always alive.
const NilAddress Address = 0

const (
	// AllocationGranularity is the alignment of every allocation.
	AllocationGranularity = 8
	allocationMask        = AllocationGranularity - 1

	// headerSize is the per-object overhead reserved in the address space
	// in front of each payload.
	headerSize = 8

	// PageSize is the address-range size of a normal page.
	PageSize = 1 << 17

	// LargeObjectSizeThreshold is the payload size at which allocations
	// leave the normal arenas for the large object arena.
	LargeObjectSizeThreshold = PageSize / 2

	// firstRegionBase keeps the address space away from NilAddress.
	firstRegionBase = Address(PageSize)
)

// region is one page's reservation in the address space.
type region struct {
	base Address
	size uint64
	page BasePage
}

// regionTable maps addresses to the pages containing them. Readers may run
// concurrently with other readers; mutation happens on the mutator thread
// when pages are added or released.
type regionTable struct {
	mu      sync.RWMutex
	regions []region // sorted by base
}

func (t *regionTable) add(p BasePage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := region{base: p.Base(), size: p.Size(), page: p}
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].base > r.base
	})
	t.regions = append(t.regions, region{})
	copy(t.regions[i+1:], t.regions[i:])
	t.regions[i] = r
}

func (t *regionTable) remove(p BasePage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	base := p.Base()
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].base >= base
	})
	if i < len(t.regions) && t.regions[i].page == p {
		t.regions = append(t.regions[:i], t.regions[i+1:]...)
	}
}

// lookup returns the page whose reservation contains addr, or nil.
func (t *regionTable) lookup(addr Address) BasePage {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := sort.Search(len(t.regions), func(i int) bool {
		return t.regions[i].base > addr
	})
	if i == 0 {
		return nil
	}
	r := t.regions[i-1]
	if uint64(addr-r.base) < r.size {
		return r.page
	}
	return nil
}

// forEachPage visits every registered page until fn returns false.
func (t *regionTable) forEachPage(fn func(BasePage) bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.regions {
		if !fn(r.page) {
			return
		}
	}
}
