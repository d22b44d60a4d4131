// ABOUTME: ThreadHeap orchestrating arenas and worklists for one logical mutator thread
// ABOUTME: Provides allocation entry points and the vector arena rotation heuristic

package heap

import (
	"math"
	"sync"

	"github.com/prateek/oilpan/worklist"
)

// Worklist segment sizes. Marking and movable-reference items are hot and
// get large segments; construction, weak, and ephemeron items are sparse.
const (
	markingLocalSegmentSize             = 512
	notFullyConstructedLocalSegmentSize = 16
	weakCallbackLocalSegmentSize        = 256
	movableReferenceLocalSegmentSize    = 512
	weakTableLocalSegmentSize           = 16
	backingStoreLocalSegmentSize        = 16
)

// The prompt-free table is shared across GC-info indices by masking, so it
// stays small regardless of how many types are registered.
const (
	likelyToBePromptlyFreedArraySize = 1 << 8
	likelyToBePromptlyFreedArrayMask = likelyToBePromptlyFreedArraySize - 1
)

// ThreadHeap owns the arenas, pages, and marking worklists of one logical
// mutator thread. It is created and owned by a ThreadState.
type ThreadHeap struct {
	state *ThreadState
	stats *StatsCollector

	regions      regionTable
	addressCache *addressCache
	freePagePool pagePool
	compaction   *HeapCompact

	nextRegionBase Address

	// Worklists exist only for the duration of a GC cycle, between
	// SetupWorklists and DestroyMarkingWorklists.
	markingWorklist                       *worklist.Worklist[MarkingItem]
	notFullyConstructedWorklist           *worklist.Worklist[*HeapObjectHeader]
	previouslyNotFullyConstructedWorklist *worklist.Worklist[*HeapObjectHeader]
	weakCallbackWorklist                  *worklist.Worklist[WeakCallbackItem]
	movableReferenceWorklist              *worklist.Worklist[*Address]
	weakTableWorklist                     *worklist.Worklist[WeakTableItem]
	backingStoreCallbackWorklist          *worklist.Worklist[BackingStoreCallbackItem]

	// Ephemeron callbacks are deduplicated by their owning table.
	ephemeronCallbacks map[*HeapObjectHeader]EphemeronCallback

	arenas [NumberOfArenas]Arena

	vectorBackingArenaIndex int
	arenaAges               [NumberOfArenas]uint64
	currentArenaAges        uint64
	likelyToBePromptlyFreed [likelyToBePromptlyFreedArraySize]int32

	finalizerMu       sync.Mutex
	pendingFinalizers []*HeapObjectHeader
}

func newThreadHeap(state *ThreadState) *ThreadHeap {
	h := &ThreadHeap{
		state:                   state,
		stats:                   NewStatsCollector(),
		addressCache:            newAddressCache(),
		nextRegionBase:          firstRegionBase,
		vectorBackingArenaIndex: Vector1ArenaIndex,
	}
	for i := 0; i < NumberOfArenas; i++ {
		if i == LargeObjectArenaIndex {
			h.arenas[i] = newLargeObjectArena(h, i)
		} else {
			h.arenas[i] = newNormalPageArena(h, i)
		}
	}
	h.compaction = newHeapCompact(h)
	return h
}

// ThreadState returns the owning thread state.
func (h *ThreadHeap) ThreadState() *ThreadState { return h.state }

// Stats returns the heap's statistics collector.
func (h *ThreadHeap) Stats() *StatsCollector { return h.stats }

// Arena returns one of the heap's arenas by index.
func (h *ThreadHeap) Arena(index int) Arena {
	if index < 0 || index >= NumberOfArenas {
		panic("heap: arena index out of range")
	}
	return h.arenas[index]
}

// Compaction returns the heap's compaction controller.
func (h *ThreadHeap) Compaction() *HeapCompact { return h.compaction }

// AllocationSizeFromSize converts a payload size to a reserved allocation
// size: header overhead added and the sum aligned up. Overflow is fatal;
// silent wrapping would let an undersized allocation corrupt its
// neighbors.
func AllocationSizeFromSize(size uint64) uint64 {
	allocationSize := size + headerSize
	if allocationSize <= size {
		panic("heap: allocation size overflow")
	}
	allocationSize = (allocationSize + allocationMask) &^ uint64(allocationMask)
	if allocationSize > math.MaxUint32 {
		panic("heap: allocation size exceeds encodable maximum")
	}
	return allocationSize
}

// AllocateOnArenaIndex allocates size payload bytes on the arena named by
// arenaIndex. Allocation must be permitted by the owning thread state.
func (h *ThreadHeap) AllocateOnArenaIndex(state *ThreadState, size uint64, arenaIndex int, gcInfoIndex uint32, typeName string) *HeapObjectHeader {
	if !state.IsAllocationAllowed() {
		panic("heap: allocation in a no-allocation scope")
	}
	if arenaIndex == LargeObjectArenaIndex {
		panic("heap: large object allocation must go through allocate")
	}
	arena := h.arenas[arenaIndex].(*NormalPageArena)
	header := arena.allocateObject(AllocationSizeFromSize(size), gcInfoIndex)
	h.didAllocate(state, header, size, typeName)
	return header
}

// allocate selects an arena by object size and allocates there.
func (h *ThreadHeap) allocate(state *ThreadState, size uint64, gcInfoIndex uint32, typeName string) *HeapObjectHeader {
	if size >= LargeObjectSizeThreshold {
		return h.allocateLargeObject(state, size, gcInfoIndex, typeName)
	}
	return h.AllocateOnArenaIndex(state, size, arenaIndexForObjectSize(size), gcInfoIndex, typeName)
}

// allocateVectorBacking allocates a vector backing store, applying the
// vector arena rotation heuristic.
func (h *ThreadHeap) allocateVectorBacking(state *ThreadState, size uint64, gcInfoIndex uint32, typeName string) *HeapObjectHeader {
	if size >= LargeObjectSizeThreshold {
		return h.allocateLargeObject(state, size, gcInfoIndex, typeName)
	}
	arena := h.VectorBackingArena(gcInfoIndex)
	if !state.IsAllocationAllowed() {
		panic("heap: allocation in a no-allocation scope")
	}
	header := arena.allocateObject(AllocationSizeFromSize(size), gcInfoIndex)
	h.didAllocate(state, header, size, typeName)
	return header
}

func (h *ThreadHeap) allocateLargeObject(state *ThreadState, size uint64, gcInfoIndex uint32, typeName string) *HeapObjectHeader {
	if !state.IsAllocationAllowed() {
		panic("heap: allocation in a no-allocation scope")
	}
	arena := h.arenas[LargeObjectArenaIndex].(*LargeObjectArena)
	header := arena.allocateLargeObject(AllocationSizeFromSize(size), gcInfoIndex)
	h.didAllocate(state, header, size, typeName)
	return header
}

func (h *ThreadHeap) didAllocate(state *ThreadState, header *HeapObjectHeader, size uint64, typeName string) {
	h.stats.IncreaseAllocatedObjectSize(header.AllocationSize())
	allocationHookIfEnabled(header.Address(), size, typeName)
	// Objects allocated while marking is running are kept alive for the
	// rest of the cycle and deferred to the not-fully-constructed
	// worklist; tracing them before their constructor finishes would read
	// uninitialized fields. Marking here also keeps the worklist free of
	// duplicates: a visitor that reaches the object through a reference
	// loses the TryMark race and does not push again.
	if state.IsMarking() && state.marker != nil {
		header.TryMark(state.marker.accessMode)
		state.marker.notFullyConstructed.Push(header)
	}
}

// VectorBackingArena returns the arena the next vector backing store should
// use. Vectors of types that have seen frequent prompt frees since the last
// GC indicate expand/shrink churn; the heap rotates those onto the least
// recently expanded of the four vector arenas to keep churny vectors away
// from stable ones.
func (h *ThreadHeap) VectorBackingArena(gcInfoIndex uint32) *NormalPageArena {
	entryIndex := gcInfoIndex & likelyToBePromptlyFreedArrayMask
	h.likelyToBePromptlyFreed[entryIndex]--
	arenaIndex := h.vectorBackingArenaIndex
	// A positive counter means more than a third of this type's vectors
	// were promptly freed since the last GC.
	if h.likelyToBePromptlyFreed[entryIndex] > 0 {
		h.arenaAges[arenaIndex] = h.nextArenaAge()
		h.vectorBackingArenaIndex = h.arenaIndexOfVectorArenaLeastRecentlyExpanded(Vector1ArenaIndex, Vector4ArenaIndex)
	}
	return h.arenas[arenaIndex].(*NormalPageArena)
}

// ExpandedVectorBackingArena returns the arena in use for expanding vector
// backings, refreshing its age.
func (h *ThreadHeap) ExpandedVectorBackingArena(gcInfoIndex uint32) *NormalPageArena {
	arenaIndex := h.vectorBackingArenaIndex
	h.arenaAges[arenaIndex] = h.nextArenaAge()
	return h.arenas[arenaIndex].(*NormalPageArena)
}

// PromptlyFreed records that a vector of the given type was freed
// immediately after allocation. Each allocation decrements the counter by
// one and each prompt free adds three, so the counter is positive exactly
// when more than a third of recent allocations were promptly freed.
func (h *ThreadHeap) PromptlyFreed(gcInfoIndex uint32) {
	entryIndex := gcInfoIndex & likelyToBePromptlyFreedArrayMask
	h.likelyToBePromptlyFreed[entryIndex] += 3
}

// ClearArenaAges resets the rotation heuristic's state.
func (h *ThreadHeap) ClearArenaAges() {
	for i := range h.arenaAges {
		h.arenaAges[i] = 0
	}
	h.currentArenaAges = 0
	for i := range h.likelyToBePromptlyFreed {
		h.likelyToBePromptlyFreed[i] = 0
	}
}

func (h *ThreadHeap) nextArenaAge() uint64 {
	h.currentArenaAges++
	return h.currentArenaAges
}

func (h *ThreadHeap) arenaIndexOfVectorArenaLeastRecentlyExpanded(beginIndex, endIndex int) int {
	index := beginIndex
	minAge := h.arenaAges[beginIndex]
	for i := beginIndex + 1; i <= endIndex; i++ {
		if h.arenaAges[i] < minAge {
			minAge = h.arenaAges[i]
			index = i
		}
	}
	return index
}

// allocationPointAdjusted refreshes the age of a vector arena whose bump
// pointer moved, and re-picks the rotation target if it was that arena.
func (h *ThreadHeap) allocationPointAdjusted(arenaIndex int) {
	if !IsVectorArenaIndex(arenaIndex) {
		return
	}
	h.arenaAges[arenaIndex] = h.nextArenaAge()
	if h.vectorBackingArenaIndex == arenaIndex {
		h.vectorBackingArenaIndex = h.arenaIndexOfVectorArenaLeastRecentlyExpanded(Vector1ArenaIndex, Vector4ArenaIndex)
	}
}

// reserveRegion hands out a fresh address range, page-aligned.
func (h *ThreadHeap) reserveRegion(size uint64) Address {
	base := h.nextRegionBase
	aligned := (size + PageSize - 1) &^ uint64(PageSize-1)
	h.nextRegionBase += Address(aligned)
	return base
}

func (h *ThreadHeap) acquireNormalPage(arenaIndex int) *NormalPage {
	if p := h.freePagePool.take(); p != nil {
		p.arenaIndex = arenaIndex
		h.registerPage(p)
		return p
	}
	p := newNormalPage(h.reserveRegion(PageSize), arenaIndex)
	h.registerPage(p)
	return p
}

func (h *ThreadHeap) registerPage(p BasePage) {
	h.regions.add(p)
	h.addressCache.flush()
	h.stats.IncreaseCommittedSize(p.Size())
}

func (h *ThreadHeap) unregisterPage(p BasePage) {
	h.regions.remove(p)
	h.addressCache.flush()
	h.stats.DecreaseCommittedSize(p.Size())
}

func (h *ThreadHeap) releaseNormalPage(p *NormalPage) {
	h.unregisterPage(p)
	h.freePagePool.add(p)
}

func (h *ThreadHeap) recordSweepResult(result *sweepResult) {
	h.stats.IncreaseSweptBytes(result.freedBytes)
	h.stats.IncreaseMarkedLiveSize(result.liveBytes)
	if len(result.finalizable) > 0 {
		h.finalizerMu.Lock()
		h.pendingFinalizers = append(h.pendingFinalizers, result.finalizable...)
		h.finalizerMu.Unlock()
	}
}

// LookupPageForAddress maps an arbitrary address to its containing page, or
// nil when the address is outside the heap.
func (h *ThreadHeap) LookupPageForAddress(addr Address) BasePage {
	return h.regions.lookup(addr)
}

// ShouldRegisterMovingAddress reports whether a slot pointing at addr must
// be recorded for compaction fixup: compaction is scheduled for this cycle
// and addr lives in a compactable (vector) arena.
func (h *ThreadHeap) ShouldRegisterMovingAddress(addr Address) bool {
	if !h.compaction.IsCompacting() {
		return false
	}
	page := h.regions.lookup(addr)
	return page != nil && IsVectorArenaIndex(page.ArenaIndex())
}

// RegisterWeakTable registers an ephemeron table for fixed-point iteration
// during marking. Re-registering the same table replaces its callback.
func (h *ThreadHeap) RegisterWeakTable(table Traceable, callback EphemeronCallback) {
	header := table.heapObjectHeader()
	if header == nil {
		panic("heap: weak table is not heap allocated")
	}
	if h.ephemeronCallbacks == nil {
		h.ephemeronCallbacks = make(map[*HeapObjectHeader]EphemeronCallback)
	}
	h.ephemeronCallbacks[header] = callback
}

// ForEachObject visits every live object header in the heap. The heap must
// not be allocated into during the walk.
func (h *ThreadHeap) ForEachObject(fn func(*HeapObjectHeader) bool) {
	for _, arena := range h.arenas {
		if !arena.forEachPage(func(p BasePage) bool {
			return p.ForEachObject(fn)
		}) {
			return
		}
	}
}

// ObjectPayloadSizeForTesting sums the payload bytes of all live objects.
func (h *ThreadHeap) ObjectPayloadSizeForTesting() uint64 {
	var total uint64
	h.ForEachObject(func(header *HeapObjectHeader) bool {
		total += header.PayloadSize()
		return true
	})
	return total
}

// ResetAllocationPointForTesting abandons all bump allocation ranges so
// tests can force out-of-line allocation paths.
func (h *ThreadHeap) ResetAllocationPointForTesting() {
	for i := 0; i < NumberOfArenas; i++ {
		if a, ok := h.arenas[i].(*NormalPageArena); ok {
			if a.remainingAllocationSize > 0 {
				a.freeList.add(a.allocationPoint, a.remainingAllocationSize)
			}
			a.clearAllocationPoint()
		}
	}
}

// RemoveAllPages releases every page in the heap. Used at heap teardown.
func (h *ThreadHeap) RemoveAllPages() {
	for _, arena := range h.arenas {
		arena.releaseAllPages()
	}
}

// CollectStatistics fills statistics with a snapshot of heap counters.
func (h *ThreadHeap) CollectStatistics(statistics *Statistics) {
	*statistics = h.stats.Snapshot()
	var committed uint64
	h.regions.forEachPage(func(p BasePage) bool {
		committed += p.Size()
		return true
	})
	statistics.CommittedSize = committed
	statistics.UsedSize = h.ObjectPayloadSizeForTesting()
}
