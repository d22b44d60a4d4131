// ABOUTME: Atomic-pause compaction of vector backing stores with slot fixup
// ABOUTME: Relocates surviving backings onto fresh pages and rewrites recorded slots

package heap

// CompactionMode controls whether the optional compaction phase runs.
type CompactionMode uint8

const (
	// CompactionDisabled never compacts.
	CompactionDisabled CompactionMode = iota
	// CompactionEnabled compacts every cycle.
	CompactionEnabled
	// CompactionAuto compacts when the vector arenas look fragmented.
	CompactionAuto
)

// compactionFragmentationThreshold is the free-list volume in the vector
// arenas above which CompactionAuto schedules a compaction.
const compactionFragmentationThreshold = 2 * PageSize

// movedBacking records one relocated backing store.
type movedBacking struct {
	from, to Address
	header   *HeapObjectHeader
}

// HeapCompact coordinates the optional compaction phase. Slots pointing
// into compactable backing stores are recorded during marking through the
// movable-reference worklist; at the end of the atomic pause the vector
// arenas are swept to finalize liveness, surviving backings are moved
// onto fresh pages, and every recorded slot is rewritten before mutators
// resume.
type HeapCompact struct {
	heap       *ThreadHeap
	compacting bool

	fixups    map[Address][]*Address
	callbacks map[Address]MovingObjectCallback
}

func newHeapCompact(h *ThreadHeap) *HeapCompact {
	return &HeapCompact{heap: h}
}

// IsCompacting reports whether compaction is scheduled for the current
// cycle. Slot recording is active only then.
func (c *HeapCompact) IsCompacting() bool { return c.compacting }

// initialize decides at cycle start whether this cycle compacts.
func (c *HeapCompact) initialize(mode CompactionMode) {
	switch mode {
	case CompactionDisabled:
		c.compacting = false
	case CompactionEnabled:
		c.compacting = true
	case CompactionAuto:
		var free uint64
		for i := Vector1ArenaIndex; i <= Vector4ArenaIndex; i++ {
			free += c.heap.arenas[i].(*NormalPageArena).freeList.freeSize
		}
		c.compacting = free > compactionFragmentationThreshold
	}
	if c.compacting {
		c.fixups = make(map[Address][]*Address)
		c.callbacks = make(map[Address]MovingObjectCallback)
	}
}

// adoptWorklists drains the movable-reference and backing-store-callback
// worklists accumulated during marking. Runs in the atomic pause while the
// marking visitor is still alive.
func (c *HeapCompact) adoptWorklists(v *MarkingVisitor) {
	if !c.compacting {
		return
	}
	for {
		slot, ok := v.movableReferences.Pop()
		if !ok {
			break
		}
		backing := *slot
		if backing == NilAddress {
			continue
		}
		c.fixups[backing] = append(c.fixups[backing], slot)
	}
	for {
		item, ok := v.backingStoreCallbacks.Pop()
		if !ok {
			break
		}
		c.callbacks[item.Backing] = item.Callback
	}
}

// Compact relocates the surviving backing stores of every vector arena and
// rewrites the recorded slots. Runs inside the atomic pause, before
// mutators resume: a backing allocated after the pause has no recorded
// slot, so relocating it would strand its owner's address mirror. The
// vector arenas are swept eagerly here so liveness is final and no page
// under compaction holds a post-pause allocation.
func (h *ThreadHeap) Compact() {
	c := h.compaction
	if !c.compacting {
		return
	}
	for i := Vector1ArenaIndex; i <= Vector4ArenaIndex; i++ {
		for h.arenas[i].sweepOnePage(false) {
		}
	}

	var moved []movedBacking
	for i := Vector1ArenaIndex; i <= Vector4ArenaIndex; i++ {
		moved = c.compactArena(h.arenas[i].(*NormalPageArena), moved)
	}

	relocated := make(map[Address]Address, len(moved))
	for _, m := range moved {
		relocated[m.from] = m.to
	}
	for old, slots := range c.fixups {
		to, ok := relocated[old]
		if !ok {
			// The backing died; its owners died with it.
			continue
		}
		for _, slot := range slots {
			*slot = to
		}
	}
	for _, m := range moved {
		if callback, ok := c.callbacks[m.from]; ok {
			callback(m.from, m.to, m.header.Payload())
		}
	}

	c.fixups = nil
	c.callbacks = nil
	c.compacting = false
}

// compactArena slides every live header of the arena onto fresh pages in
// address order, releasing the old pages.
func (c *HeapCompact) compactArena(a *NormalPageArena, moved []movedBacking) []movedBacking {
	a.sweepMu.Lock()
	oldPages := a.sweptPages
	a.sweptPages = nil
	a.sweepMu.Unlock()

	var headers []*HeapObjectHeader
	for _, p := range oldPages {
		p.ForEachObject(func(h *HeapObjectHeader) bool {
			headers = append(headers, h)
			return true
		})
	}
	a.clearAllocationPoint()
	a.freeList.clear()

	if len(headers) == 0 {
		for _, p := range oldPages {
			c.heap.releaseNormalPage(p.(*NormalPage))
		}
		return moved
	}

	var (
		page      *NormalPage
		cursor    Address
		remaining uint64
		compacted uint64
	)
	for _, h := range headers {
		size := h.AllocationSize()
		if page == nil || remaining < size {
			if page != nil && remaining > 0 {
				a.freeList.add(cursor, remaining)
			}
			page = c.heap.acquireNormalPage(a.index)
			a.addSweptPage(page)
			cursor = page.Base()
			remaining = page.Size()
		}
		from := h.PayloadAddress()
		h.address = cursor
		cursor += Address(size)
		remaining -= size
		page.addHeader(h)
		moved = append(moved, movedBacking{from: from, to: h.PayloadAddress(), header: h})
		compacted += size
	}
	if remaining > 0 {
		a.setAllocationPoint(page, cursor, remaining)
	}
	c.heap.stats.IncreaseCompactedBytes(compacted)

	for _, p := range oldPages {
		c.heap.releaseNormalPage(p.(*NormalPage))
	}
	return moved
}
