// ABOUTME: Size-class arenas performing bump allocation and free-list reuse over pages
// ABOUTME: Includes lazy sweeping, prompt free, and in-place expand/shrink of backings

package heap

import "sync"

// Arena indices. Normal arenas 1-4 bucket small objects by size; vector
// arenas 1-4 hold vector backing stores and are the compaction targets; the
// large object arena holds one allocation per page.
const (
	NormalPage1ArenaIndex = iota
	NormalPage2ArenaIndex
	NormalPage3ArenaIndex
	NormalPage4ArenaIndex
	Vector1ArenaIndex
	Vector2ArenaIndex
	Vector3ArenaIndex
	Vector4ArenaIndex
	LargeObjectArenaIndex
	NumberOfArenas
)

// IsVectorArenaIndex reports whether index names a vector backing arena.
func IsVectorArenaIndex(index int) bool {
	return index >= Vector1ArenaIndex && index <= Vector4ArenaIndex
}

// IsNormalArenaIndex reports whether index names a sized normal arena.
func IsNormalArenaIndex(index int) bool {
	return index >= NormalPage1ArenaIndex && index <= NormalPage4ArenaIndex
}

// arenaIndexForObjectSize buckets small objects by size so that objects of
// similar sizes, and with luck similar types, share pages.
func arenaIndexForObjectSize(size uint64) int {
	if size < 64 {
		if size < 32 {
			return NormalPage1ArenaIndex
		}
		return NormalPage2ArenaIndex
	}
	if size < 128 {
		return NormalPage3ArenaIndex
	}
	return NormalPage4ArenaIndex
}

// Arena is a size-class-specific allocator owning a set of pages. Each
// arena belongs to exactly one ThreadHeap.
type Arena interface {
	Index() int
	prepareForSweep()
	// sweepOnePage sweeps a single unswept page, reporting whether any
	// unswept pages remain. concurrent selects pending-list accounting for
	// freed ranges so the sweeping thread never touches structures the
	// mutator allocates from.
	sweepOnePage(concurrent bool) bool
	sweepingDone() bool
	makeConsistentForGC()
	makeConsistentForMutator()
	forEachPage(fn func(BasePage) bool) bool
	releaseAllPages()
}

// baseArena carries the page bookkeeping shared by all arena kinds.
// sweepMu guards unsweptPages, sweptPages, and the pending free list
// against the concurrent sweeper.
type baseArena struct {
	heap  *ThreadHeap
	index int

	sweepMu      sync.Mutex
	sweptPages   []BasePage
	unsweptPages []BasePage
}

// Index returns the arena's index within its heap.
func (a *baseArena) Index() int { return a.index }

func (a *baseArena) takeUnsweptPage() BasePage {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	n := len(a.unsweptPages)
	if n == 0 {
		return nil
	}
	p := a.unsweptPages[n-1]
	a.unsweptPages = a.unsweptPages[:n-1]
	return p
}

func (a *baseArena) addSweptPage(p BasePage) {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	a.sweptPages = append(a.sweptPages, p)
}

func (a *baseArena) sweepingDone() bool {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	return len(a.unsweptPages) == 0
}

func (a *baseArena) forEachPage(fn func(BasePage) bool) bool {
	a.sweepMu.Lock()
	pages := make([]BasePage, 0, len(a.sweptPages)+len(a.unsweptPages))
	pages = append(pages, a.sweptPages...)
	pages = append(pages, a.unsweptPages...)
	a.sweepMu.Unlock()
	for _, p := range pages {
		if !fn(p) {
			return false
		}
	}
	return true
}

// NormalPageArena bump-allocates objects of one size class and reuses freed
// ranges through a bucketed free list.
type NormalPageArena struct {
	baseArena

	freeList        freeList
	pendingFreeList freeList // filled by the concurrent sweeper, merged by the mutator

	currentPage             *NormalPage
	allocationPoint         Address
	remainingAllocationSize uint64
	lastBumpAllocation      *HeapObjectHeader
}

func newNormalPageArena(h *ThreadHeap, index int) *NormalPageArena {
	return &NormalPageArena{baseArena: baseArena{heap: h, index: index}}
}

// allocateObject returns a header for allocationSize bytes. The caller
// attaches the payload and marks the header fully constructed once the
// constructor finishes.
func (a *NormalPageArena) allocateObject(allocationSize uint64, gcInfoIndex uint32) *HeapObjectHeader {
	if allocationSize > a.remainingAllocationSize {
		return a.outOfLineAllocate(allocationSize, gcInfoIndex)
	}
	return a.bumpAllocate(allocationSize, gcInfoIndex)
}

func (a *NormalPageArena) bumpAllocate(allocationSize uint64, gcInfoIndex uint32) *HeapObjectHeader {
	h := &HeapObjectHeader{
		address:     a.allocationPoint,
		size:        uint32(allocationSize),
		gcInfoIndex: gcInfoIndex,
	}
	a.allocationPoint += Address(allocationSize)
	a.remainingAllocationSize -= allocationSize
	a.currentPage.addHeader(h)
	a.lastBumpAllocation = h
	return h
}

func (a *NormalPageArena) outOfLineAllocate(allocationSize uint64, gcInfoIndex uint32) *HeapObjectHeader {
	if allocationSize >= LargeObjectSizeThreshold {
		panic("heap: large allocation routed to a normal arena")
	}

	// Freed ranges first, then ranges reclaimed by the concurrent sweeper,
	// then sweep our own pages, and only then grow.
	if a.reuseFreeListEntry(allocationSize) {
		return a.bumpAllocate(allocationSize, gcInfoIndex)
	}
	a.mergePendingFreeList()
	if a.reuseFreeListEntry(allocationSize) {
		return a.bumpAllocate(allocationSize, gcInfoIndex)
	}
	for !a.sweepingDone() {
		a.sweepOnePage(false)
		if a.reuseFreeListEntry(allocationSize) {
			return a.bumpAllocate(allocationSize, gcInfoIndex)
		}
	}

	page := a.heap.acquireNormalPage(a.index)
	a.addSweptPage(page)
	a.setAllocationPoint(page, page.Base(), page.Size())
	return a.bumpAllocate(allocationSize, gcInfoIndex)
}

// reuseFreeListEntry turns a fitting free range into the new allocation
// point.
func (a *NormalPageArena) reuseFreeListEntry(allocationSize uint64) bool {
	address, size, ok := a.freeList.allocate(allocationSize)
	if !ok {
		return false
	}
	page, ok2 := a.heap.regions.lookup(address).(*NormalPage)
	if !ok2 {
		panic("heap: free list entry outside any normal page")
	}
	a.setAllocationPoint(page, address, size)
	return true
}

// setAllocationPoint retargets bump allocation at the given range,
// returning any unused remainder of the previous range to the free list.
func (a *NormalPageArena) setAllocationPoint(page *NormalPage, address Address, size uint64) {
	if a.remainingAllocationSize > 0 {
		a.freeList.add(a.allocationPoint, a.remainingAllocationSize)
	}
	a.currentPage = page
	a.allocationPoint = address
	a.remainingAllocationSize = size
	a.lastBumpAllocation = nil
	a.heap.allocationPointAdjusted(a.index)
}

func (a *NormalPageArena) clearAllocationPoint() {
	a.currentPage = nil
	a.allocationPoint = NilAddress
	a.remainingAllocationSize = 0
	a.lastBumpAllocation = nil
}

func (a *NormalPageArena) mergePendingFreeList() {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	a.freeList.moveFrom(&a.pendingFreeList)
}

// promptlyFreeObject releases an allocation without waiting for a GC
// cycle. The bump pointer is rewound when h was the most recent bump
// allocation; otherwise the range goes to the free list.
func (a *NormalPageArena) promptlyFreeObject(h *HeapObjectHeader) {
	size := h.AllocationSize()
	info := gcInfoFromIndex(h.gcInfoIndex)
	if info.HasFinalizer {
		info.FinalizeFn(h.payload)
	}
	if h == a.lastBumpAllocation && h.address+Address(size) == a.allocationPoint {
		a.allocationPoint = h.address
		a.remainingAllocationSize += size
		a.currentPage.removeHeader(h)
		a.lastBumpAllocation = nil
	} else {
		page, ok := a.heap.regions.lookup(h.address).(*NormalPage)
		if !ok {
			panic("heap: promptly freed object outside any normal page")
		}
		page.removeHeader(h)
		a.freeList.add(h.address, size)
	}
	h.markFree()
	freeHookIfEnabled(h.address)
}

// expandObject grows the most recent bump allocation in place, reporting
// whether the expansion succeeded.
func (a *NormalPageArena) expandObject(h *HeapObjectHeader, newAllocationSize uint64) bool {
	if h != a.lastBumpAllocation || h.address+Address(h.AllocationSize()) != a.allocationPoint {
		return false
	}
	delta := newAllocationSize - h.AllocationSize()
	if delta > a.remainingAllocationSize {
		return false
	}
	a.allocationPoint += Address(delta)
	a.remainingAllocationSize -= delta
	h.size = uint32(newAllocationSize)
	a.heap.allocationPointAdjusted(a.index)
	return true
}

// shrinkObject returns the tail of an allocation, rewinding the bump
// pointer when possible.
func (a *NormalPageArena) shrinkObject(h *HeapObjectHeader, newAllocationSize uint64) {
	delta := h.AllocationSize() - newAllocationSize
	if delta == 0 {
		return
	}
	if h == a.lastBumpAllocation && h.address+Address(h.AllocationSize()) == a.allocationPoint {
		a.allocationPoint -= Address(delta)
		a.remainingAllocationSize += delta
	} else {
		a.freeList.add(h.address+Address(newAllocationSize), delta)
	}
	h.size = uint32(newAllocationSize)
}

func (a *NormalPageArena) prepareForSweep() {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	a.clearAllocationPoint()
	a.freeList.clear()
	a.pendingFreeList.clear()
	a.unsweptPages = append(a.unsweptPages, a.sweptPages...)
	a.sweptPages = a.sweptPages[:0]
}

func (a *NormalPageArena) sweepOnePage(concurrent bool) bool {
	page := a.takeUnsweptPage()
	if page == nil {
		return false
	}
	p := page.(*NormalPage)
	var result sweepResult
	var fl freeList
	empty := p.sweep(&fl, &result)
	if empty {
		a.heap.releaseNormalPage(p)
	} else {
		a.sweepMu.Lock()
		if concurrent {
			a.pendingFreeList.moveFrom(&fl)
		}
		a.sweptPages = append(a.sweptPages, p)
		a.sweepMu.Unlock()
		if !concurrent {
			a.freeList.moveFrom(&fl)
		}
	}
	a.heap.recordSweepResult(&result)
	return !a.sweepingDone()
}

func (a *NormalPageArena) makeConsistentForGC() {
	a.forEachPage(func(p BasePage) bool {
		p.ForEachObject(func(h *HeapObjectHeader) bool {
			h.Unmark(AccessModeNonAtomic)
			return true
		})
		return true
	})
}

// makeConsistentForMutator restores normal allocation semantics after a
// snapshot-style pass: every page becomes swept again and marks are
// dropped without reclaiming anything.
func (a *NormalPageArena) makeConsistentForMutator() {
	a.sweepMu.Lock()
	a.sweptPages = append(a.sweptPages, a.unsweptPages...)
	a.unsweptPages = a.unsweptPages[:0]
	a.sweepMu.Unlock()
	a.makeConsistentForGC()
}

func (a *NormalPageArena) releaseAllPages() {
	a.sweepMu.Lock()
	pages := append(a.sweptPages, a.unsweptPages...)
	a.sweptPages = nil
	a.unsweptPages = nil
	a.sweepMu.Unlock()
	a.clearAllocationPoint()
	a.freeList.clear()
	a.pendingFreeList.clear()
	for _, p := range pages {
		a.heap.releaseNormalPage(p.(*NormalPage))
	}
}

// LargeObjectArena allocates each object on its own exactly-sized page.
type LargeObjectArena struct {
	baseArena
}

func newLargeObjectArena(h *ThreadHeap, index int) *LargeObjectArena {
	return &LargeObjectArena{baseArena: baseArena{heap: h, index: index}}
}

func (a *LargeObjectArena) allocateLargeObject(allocationSize uint64, gcInfoIndex uint32) *HeapObjectHeader {
	base := a.heap.reserveRegion(allocationSize)
	h := &HeapObjectHeader{
		address:     base,
		size:        uint32(allocationSize),
		gcInfoIndex: gcInfoIndex,
	}
	page := newLargeObjectPage(base, allocationSize, h)
	a.heap.registerPage(page)
	a.addSweptPage(page)
	return h
}

func (a *LargeObjectArena) prepareForSweep() {
	a.sweepMu.Lock()
	defer a.sweepMu.Unlock()
	a.unsweptPages = append(a.unsweptPages, a.sweptPages...)
	a.sweptPages = a.sweptPages[:0]
}

func (a *LargeObjectArena) sweepOnePage(concurrent bool) bool {
	page := a.takeUnsweptPage()
	if page == nil {
		return false
	}
	p := page.(*LargeObjectPage)
	var result sweepResult
	if p.header.IsMarked(AccessModeNonAtomic) {
		result.liveBytes = p.header.AllocationSize()
		a.addSweptPage(p)
	} else {
		result.freedBytes = p.header.AllocationSize()
		if gcInfoFromIndex(p.header.gcInfoIndex).HasFinalizer {
			result.finalizable = append(result.finalizable, p.header)
		} else {
			p.header.markFree()
		}
		a.heap.unregisterPage(p)
	}
	a.heap.recordSweepResult(&result)
	return !a.sweepingDone()
}

func (a *LargeObjectArena) makeConsistentForGC() {
	a.forEachPage(func(p BasePage) bool {
		p.ForEachObject(func(h *HeapObjectHeader) bool {
			h.Unmark(AccessModeNonAtomic)
			return true
		})
		return true
	})
}

func (a *LargeObjectArena) makeConsistentForMutator() {
	a.sweepMu.Lock()
	a.sweptPages = append(a.sweptPages, a.unsweptPages...)
	a.unsweptPages = a.unsweptPages[:0]
	a.sweepMu.Unlock()
	a.makeConsistentForGC()
}

func (a *LargeObjectArena) releaseAllPages() {
	a.sweepMu.Lock()
	pages := append(a.sweptPages, a.unsweptPages...)
	a.sweptPages = nil
	a.unsweptPages = nil
	a.sweepMu.Unlock()
	for _, p := range pages {
		lp := p.(*LargeObjectPage)
		lp.header.markFree()
		a.heap.unregisterPage(lp)
	}
}
