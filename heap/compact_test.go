// ABOUTME: Tests for vector backing store compaction
// ABOUTME: Verifies slot rewriting, moving callbacks, and element integrity

package heap_test

import (
	"testing"

	"github.com/prateek/oilpan/heap"
)

// fragmentVectorArenas leaves dead backings between live ones so a
// compacting collection has something to slide together.
func fragmentVectorArenas(state *heap.ThreadState, live int) []*heap.Persistent[*heap.HeapVector[*elem]] {
	roots := make([]*heap.Persistent[*heap.HeapVector[*elem]], 0, live)
	for i := 0; i < live; i++ {
		v := heap.NewHeapVector[*elem](state)
		root := heap.NewPersistent(state, v)
		for j := 0; j < 16; j++ {
			j := j
			v.Append(state, heap.MakeGarbageCollected[elem](state, func(e *elem) { e.value = j }))
		}
		roots = append(roots, root)

		// Garbage vector between every pair of survivors.
		g := heap.NewHeapVector[*elem](state)
		gRoot := heap.NewPersistent(state, g)
		for j := 0; j < 16; j++ {
			g.Append(state, heap.MakeGarbageCollected[elem](state, nil))
		}
		gRoot.Release()
	}
	return roots
}

func TestCompactionPreservesVectorContents(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{
		Compaction:    heap.CompactionEnabled,
		VerifyMarking: true,
	})

	roots := fragmentVectorArenas(state, 8)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()

	state.CollectGarbage(heap.StackStateNoHeapPointers)

	for _, r := range roots {
		v := r.Get()
		if v.Len() != 16 {
			t.Fatalf("vector lost elements: Len() = %d", v.Len())
		}
		for j := 0; j < 16; j++ {
			if v.At(j).value != j {
				t.Fatalf("element %d corrupted after compaction", j)
			}
		}
	}
}

func TestCompactionRewritesBackingAddress(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{Compaction: heap.CompactionEnabled})

	roots := fragmentVectorArenas(state, 4)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()

	state.CollectGarbage(heap.StackStateNoHeapPointers)

	h := state.Heap()
	for _, r := range roots {
		v := r.Get()
		page := h.LookupPageForAddress(v.BackingAddress())
		if page == nil {
			t.Fatal("backing address points outside the heap after compaction")
		}
		if !heap.IsVectorArenaIndex(page.ArenaIndex()) {
			t.Fatal("compacted backing left the vector arenas")
		}
	}
}

func TestCompactionInvokesMoveCallback(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{Compaction: heap.CompactionEnabled})

	roots := fragmentVectorArenas(state, 4)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()
	watched := roots[len(roots)-1].Get()

	var movedFrom, movedTo heap.Address
	moves := 0
	watched.SetMoveCallback(func(from, to heap.Address, payload any) {
		movedFrom, movedTo = from, to
		moves++
	})
	before := watched.BackingAddress()

	state.CollectGarbage(heap.StackStateNoHeapPointers)

	if moves == 0 {
		// The backing may land at its old address if nothing before it
		// died; the callback only fires for relocated backings. Force a
		// check only when the address changed.
		if watched.BackingAddress() != before {
			t.Fatal("backing moved but the move callback never fired")
		}
		return
	}
	if moves != 1 {
		t.Fatalf("move callback fired %d times, want 1", moves)
	}
	if movedFrom != before {
		t.Errorf("callback from = %#x, want %#x", movedFrom, before)
	}
	if movedTo != watched.BackingAddress() {
		t.Errorf("callback to = %#x, but slot was rewritten to %#x", movedTo, watched.BackingAddress())
	}
}

// A backing allocated after the atomic pause was never traced, so no slot
// was recorded for it; compaction must not relocate it or let a moved
// backing collide with its address.
func TestVectorAllocatedDuringSweepingKeepsItsBacking(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{Compaction: heap.CompactionEnabled})

	roots := fragmentVectorArenas(state, 4)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()

	state.StartIncrementalMarking()
	state.FinishGC(heap.StackStateNoHeapPointers)

	// Sweeping of the normal arenas is still outstanding; this backing
	// exists only after the pause.
	fresh := heap.NewHeapVector[*elem](state)
	freshRoot := heap.NewPersistent(state, fresh)
	defer freshRoot.Release()
	for j := 0; j < 8; j++ {
		j := j
		fresh.Append(state, heap.MakeGarbageCollected[elem](state, func(e *elem) { e.value = 100 + j }))
	}

	state.CompleteSweep()

	for j := 0; j < 8; j++ {
		if got := fresh.At(j).value; got != 100+j {
			t.Fatalf("post-pause vector element %d = %d, want %d", j, got, 100+j)
		}
	}
	for _, r := range roots {
		v := r.Get()
		if v.BackingAddress() == fresh.BackingAddress() {
			t.Fatal("two live vectors resolved to the same backing address")
		}
		for j := 0; j < 16; j++ {
			if v.At(j).value != j {
				t.Fatalf("relocated vector corrupted at element %d", j)
			}
		}
	}

	// The next compacting cycle relies on the address bookkeeping the
	// first one left behind.
	state.CollectGarbage(heap.StackStateNoHeapPointers)
	for j := 0; j < 8; j++ {
		if got := fresh.At(j).value; got != 100+j {
			t.Fatalf("post-pause vector element %d = %d after second cycle", j, got)
		}
	}
}

func TestCompactionDisabledKeepsAddresses(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{Compaction: heap.CompactionDisabled})

	roots := fragmentVectorArenas(state, 4)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()
	addrs := make([]heap.Address, len(roots))
	for i, r := range roots {
		addrs[i] = r.Get().BackingAddress()
	}

	state.CollectGarbage(heap.StackStateNoHeapPointers)

	for i, r := range roots {
		if r.Get().BackingAddress() != addrs[i] {
			t.Fatal("backing moved although compaction was disabled")
		}
	}
}

func TestCompactionWithConcurrentCollector(t *testing.T) {
	state := heap.NewThreadState(heap.HeapOptions{
		ConcurrentMarkers:  2,
		ConcurrentSweeping: true,
		Compaction:         heap.CompactionEnabled,
	})

	roots := fragmentVectorArenas(state, 8)
	defer func() {
		for _, r := range roots {
			r.Release()
		}
	}()

	for cycle := 0; cycle < 3; cycle++ {
		state.CollectGarbage(heap.StackStateNoHeapPointers)
		for _, r := range roots {
			v := r.Get()
			for j := 0; j < v.Len(); j++ {
				if v.At(j).value != j {
					t.Fatalf("cycle %d: element %d corrupted", cycle, j)
				}
			}
		}
	}
}
