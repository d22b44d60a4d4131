// ABOUTME: Time-boxed sweeping over arena page lists with deferred finalizer invocation
// ABOUTME: Also the MakeConsistentForGC / MakeConsistentForMutator transitions

package heap

import "time"

// SweepingType distinguishes the owning mutator thread from helper
// threads. Concurrent sweeping routes reclaimed ranges through pending
// free lists so it never races mutator allocation.
type SweepingType uint8

const (
	// SweepingTypeMutator sweeps on the owning thread.
	SweepingTypeMutator SweepingType = iota
	// SweepingTypeConcurrent sweeps on a background goroutine.
	SweepingTypeConcurrent
)

// PrepareForSweep moves every page onto its arena's unswept list and
// resets allocation state. Runs inside the atomic pause, after marking.
func (h *ThreadHeap) PrepareForSweep() {
	for _, arena := range h.arenas {
		arena.prepareForSweep()
	}
}

// AdvanceSweep sweeps pages until all arenas are swept or the deadline
// passes, reporting whether sweeping is complete. Like marking, the
// deadline is honored at page granularity and progress persists across
// calls.
func (h *ThreadHeap) AdvanceSweep(sweepingType SweepingType, deadline time.Time) bool {
	concurrent := sweepingType == SweepingTypeConcurrent
	for _, arena := range h.arenas {
		for arena.sweepOnePage(concurrent) {
			if time.Now().After(deadline) {
				if !concurrent {
					h.InvokeFinalizersOnSweptPages()
				}
				return false
			}
		}
	}
	if !concurrent {
		h.InvokeFinalizersOnSweptPages()
	}
	return h.sweepingDone()
}

func (h *ThreadHeap) sweepingDone() bool {
	for _, arena := range h.arenas {
		if !arena.sweepingDone() {
			return false
		}
	}
	return true
}

// CompleteSweep finishes all outstanding sweeping on the mutator thread
// and runs pending finalizers.
func (h *ThreadHeap) CompleteSweep() {
	for _, arena := range h.arenas {
		for arena.sweepOnePage(false) {
		}
	}
	for _, arena := range h.arenas {
		if a, ok := arena.(*NormalPageArena); ok {
			a.mergePendingFreeList()
		}
	}
	h.InvokeFinalizersOnSweptPages()
}

// InvokeFinalizersOnSweptPages runs the finalizers of objects reclaimed by
// sweeping. Finalizers run on the mutator thread with heap allocation
// forbidden; concurrent sweepers only queue them.
func (h *ThreadHeap) InvokeFinalizersOnSweptPages() {
	h.finalizerMu.Lock()
	pending := h.pendingFinalizers
	h.pendingFinalizers = nil
	h.finalizerMu.Unlock()
	if len(pending) == 0 {
		return
	}

	h.state.EnterNoAllocationScope()
	defer h.state.LeaveNoAllocationScope()
	for _, header := range pending {
		info := gcInfoFromIndex(header.gcInfoIndex)
		if info.HasFinalizer {
			info.FinalizeFn(header.Payload())
		}
		header.markFree()
		freeHookIfEnabled(header.Address())
	}
}

// MakeConsistentForGC prepares arenas for a new cycle: outstanding
// sweeping must be complete, every mark bit is cleared, and the rotation
// heuristic starts fresh. This is the only point where mark bits reset, so
// a mark set during a cycle stays set until the next cycle begins.
func (h *ThreadHeap) MakeConsistentForGC() {
	if !h.sweepingDone() {
		panic("heap: MakeConsistentForGC with unswept pages")
	}
	for _, arena := range h.arenas {
		arena.makeConsistentForGC()
	}
	h.ClearArenaAges()
}

// MakeConsistentForMutator is the inverse transition, used after a
// snapshot-style pass: marks are dropped, unswept pages become swept
// again, and normal allocation resumes without reclaiming anything.
func (h *ThreadHeap) MakeConsistentForMutator() {
	for _, arena := range h.arenas {
		arena.makeConsistentForMutator()
	}
}
