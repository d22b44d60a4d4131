// ABOUTME: Normal and large object pages plus the free page pool and address cache
// ABOUTME: A page owns a contiguous address range and the headers allocated within it

package heap

import (
	"sort"
	"sync"
)

// BasePage is a contiguous address range owned by exactly one arena. Page,
// arena, and heap ownership form a strict tree.
type BasePage interface {
	Base() Address
	Size() uint64
	Contains(Address) bool
	ArenaIndex() int

	// FindHeader returns the live object whose allocation contains addr,
	// or nil. Used by conservative pointer checking.
	FindHeader(addr Address) *HeapObjectHeader

	// ForEachObject visits every live header on the page until fn returns
	// false, reporting whether iteration ran to completion.
	ForEachObject(fn func(*HeapObjectHeader) bool) bool

	// IsLargeObjectPage distinguishes large object pages from normal ones.
	IsLargeObjectPage() bool
}

// sweepResult accumulates the outcome of sweeping one page.
type sweepResult struct {
	finalizable []*HeapObjectHeader
	freedBytes  uint64
	liveBytes   uint64
}

// NormalPage is a bump-allocated page in a normal or vector arena. Headers
// are kept sorted by address; free ranges between them are tracked by the
// owning arena's free list.
type NormalPage struct {
	base       Address
	size       uint64
	arenaIndex int
	headers    []*HeapObjectHeader
}

func newNormalPage(base Address, arenaIndex int) *NormalPage {
	return &NormalPage{base: base, size: PageSize, arenaIndex: arenaIndex}
}

// Base returns the start of the page's address range.
func (p *NormalPage) Base() Address { return p.base }

// Size returns the page's address-range size.
func (p *NormalPage) Size() uint64 { return p.size }

// Contains reports whether addr falls inside the page's range.
func (p *NormalPage) Contains(addr Address) bool {
	return addr >= p.base && uint64(addr-p.base) < p.size
}

// ArenaIndex returns the index of the owning arena.
func (p *NormalPage) ArenaIndex() int { return p.arenaIndex }

// IsLargeObjectPage reports false for normal pages.
func (p *NormalPage) IsLargeObjectPage() bool { return false }

// addHeader inserts h keeping headers sorted by address. Bump allocation
// appends; free-list reuse inserts in the middle.
func (p *NormalPage) addHeader(h *HeapObjectHeader) {
	n := len(p.headers)
	if n == 0 || p.headers[n-1].address < h.address {
		p.headers = append(p.headers, h)
		return
	}
	i := sort.Search(n, func(i int) bool {
		return p.headers[i].address > h.address
	})
	p.headers = append(p.headers, nil)
	copy(p.headers[i+1:], p.headers[i:])
	p.headers[i] = h
}

// removeHeader drops h from the page's header list.
func (p *NormalPage) removeHeader(h *HeapObjectHeader) {
	i := sort.Search(len(p.headers), func(i int) bool {
		return p.headers[i].address >= h.address
	})
	if i < len(p.headers) && p.headers[i] == h {
		p.headers = append(p.headers[:i], p.headers[i+1:]...)
	}
}

// FindHeader returns the live header whose allocation contains addr.
func (p *NormalPage) FindHeader(addr Address) *HeapObjectHeader {
	i := sort.Search(len(p.headers), func(i int) bool {
		return p.headers[i].address > addr
	})
	if i == 0 {
		return nil
	}
	h := p.headers[i-1]
	if h.IsFree() || uint64(addr-h.address) >= h.AllocationSize() {
		return nil
	}
	return h
}

// ForEachObject visits every live header in address order.
func (p *NormalPage) ForEachObject(fn func(*HeapObjectHeader) bool) bool {
	for _, h := range p.headers {
		if h.IsFree() {
			continue
		}
		if !fn(h) {
			return false
		}
	}
	return true
}

// sweep reclaims unmarked objects, reporting whether the page is entirely
// empty afterwards. Mark bits of survivors are left set; they are cleared
// by the next cycle's MakeConsistentForGC. Free lists are rebuilt from the
// gaps between survivors, which coalesces freed neighbors for free. An
// empty page contributes no free ranges; the caller releases it whole.
func (p *NormalPage) sweep(free *freeList, result *sweepResult) bool {
	survivors := p.headers[:0]
	for _, h := range p.headers {
		if h.IsMarked(AccessModeNonAtomic) {
			survivors = append(survivors, h)
			result.liveBytes += h.AllocationSize()
			continue
		}
		result.freedBytes += h.AllocationSize()
		if gcInfoFromIndex(h.gcInfoIndex).HasFinalizer {
			result.finalizable = append(result.finalizable, h)
		} else {
			h.markFree()
		}
	}
	if len(survivors) == 0 {
		p.headers = nil
		return true
	}
	p.headers = survivors

	cursor := p.base
	for _, h := range survivors {
		if h.address > cursor {
			free.add(cursor, uint64(h.address-cursor))
		}
		cursor = h.address + Address(h.AllocationSize())
	}
	if end := p.base + Address(p.size); cursor < end {
		free.add(cursor, uint64(end-cursor))
	}
	return false
}

// LargeObjectPage holds exactly one allocation whose size exceeds
// LargeObjectSizeThreshold.
type LargeObjectPage struct {
	base   Address
	size   uint64
	header *HeapObjectHeader
}

func newLargeObjectPage(base Address, allocationSize uint64, h *HeapObjectHeader) *LargeObjectPage {
	return &LargeObjectPage{base: base, size: allocationSize, header: h}
}

// Base returns the start of the page's address range.
func (p *LargeObjectPage) Base() Address { return p.base }

// Size returns the page's address-range size.
func (p *LargeObjectPage) Size() uint64 { return p.size }

// Contains reports whether addr falls inside the page's range.
func (p *LargeObjectPage) Contains(addr Address) bool {
	return addr >= p.base && uint64(addr-p.base) < p.size
}

// ArenaIndex returns the large object arena's index.
func (p *LargeObjectPage) ArenaIndex() int { return LargeObjectArenaIndex }

// IsLargeObjectPage reports true.
func (p *LargeObjectPage) IsLargeObjectPage() bool { return true }

// FindHeader returns the page's single header when addr points into it.
func (p *LargeObjectPage) FindHeader(addr Address) *HeapObjectHeader {
	if p.header == nil || p.header.IsFree() {
		return nil
	}
	if uint64(addr-p.header.address) >= p.header.AllocationSize() {
		return nil
	}
	return p.header
}

// ForEachObject visits the page's single header.
func (p *LargeObjectPage) ForEachObject(fn func(*HeapObjectHeader) bool) bool {
	if p.header == nil || p.header.IsFree() {
		return true
	}
	return fn(p.header)
}

// pagePool caches released normal pages between GC cycles so arenas can
// acquire pages without growing the address space. Concurrent sweepers add
// pages while the mutator takes them.
type pagePool struct {
	mu    sync.Mutex
	pages []*NormalPage
}

func (pp *pagePool) take() *NormalPage {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	n := len(pp.pages)
	if n == 0 {
		return nil
	}
	p := pp.pages[n-1]
	pp.pages = pp.pages[:n-1]
	return p
}

func (pp *pagePool) add(p *NormalPage) {
	p.headers = nil
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.pages = append(pp.pages, p)
}

// addressCache remembers addresses known not to belong to the heap, sparing
// conservative scanning repeated region-table misses. It is flushed
// whenever a page is added or released.
type addressCache struct {
	mu     sync.RWMutex
	misses map[Address]struct{}
}

func newAddressCache() *addressCache {
	return &addressCache{misses: make(map[Address]struct{})}
}

// lookup reports whether addr is a known miss.
func (c *addressCache) lookup(addr Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.misses[addr]
	return ok
}

func (c *addressCache) addMiss(addr Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses[addr] = struct{}{}
}

func (c *addressCache) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.misses) > 0 {
		c.misses = make(map[Address]struct{})
	}
}
