// ABOUTME: Tests for arena selection and the vector arena rotation heuristic
// ABOUTME: Also covers allocation hooks and heap statistics wiring

package heap

import (
	"testing"
)

func TestArenaIndexForObjectSize(t *testing.T) {
	tests := []struct {
		size uint64
		want int
	}{
		{1, NormalPage1ArenaIndex},
		{24, NormalPage1ArenaIndex},
		{31, NormalPage1ArenaIndex},
		{32, NormalPage2ArenaIndex},
		{63, NormalPage2ArenaIndex},
		{64, NormalPage3ArenaIndex},
		{127, NormalPage3ArenaIndex},
		{128, NormalPage4ArenaIndex},
		{4096, NormalPage4ArenaIndex},
	}
	for _, tt := range tests {
		if got := arenaIndexForObjectSize(tt.size); got != tt.want {
			t.Errorf("arenaIndexForObjectSize(%d) = %d, want %d", tt.size, got, tt.want)
		}
	}
}

func TestVectorArenaIndexPredicates(t *testing.T) {
	for i := 0; i < NumberOfArenas; i++ {
		isVector := i >= Vector1ArenaIndex && i <= Vector4ArenaIndex
		if IsVectorArenaIndex(i) != isVector {
			t.Errorf("IsVectorArenaIndex(%d) = %v, want %v", i, IsVectorArenaIndex(i), isVector)
		}
	}
}

// A type whose backings are promptly freed more than a third of the time
// gets moved to the least recently expanded vector arena. The rotating
// call still allocates from the old arena; the new choice takes effect on
// the next allocation.
func TestVectorBackingArenaRotation(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	h := state.Heap()
	const gcInfoIndex = 5

	if h.vectorBackingArenaIndex != Vector1ArenaIndex {
		t.Fatalf("initial vector arena = %d, want %d", h.vectorBackingArenaIndex, Vector1ArenaIndex)
	}

	// One allocation, no prompt frees: counter stays negative, no rotation.
	if got := h.VectorBackingArena(gcInfoIndex); got.index != Vector1ArenaIndex {
		t.Fatalf("arena before any prompt frees = %d, want %d", got.index, Vector1ArenaIndex)
	}
	if h.vectorBackingArenaIndex != Vector1ArenaIndex {
		t.Fatal("arena should not rotate without prompt frees")
	}

	// One prompt free against one allocation pushes the counter positive.
	h.PromptlyFreed(gcInfoIndex)
	got := h.VectorBackingArena(gcInfoIndex)
	if got.index != Vector1ArenaIndex {
		t.Fatalf("rotating call should still return the old arena, got %d", got.index)
	}
	if h.vectorBackingArenaIndex == Vector1ArenaIndex {
		t.Fatal("arena should have rotated away from Vector1")
	}

	rotated := h.vectorBackingArenaIndex
	if got := h.VectorBackingArena(gcInfoIndex); got.index != rotated {
		t.Fatalf("post-rotation allocation uses arena %d, want %d", got.index, rotated)
	}
}

// Exactly one third promptly freed must not rotate; the counter design
// (allocation -1, prompt free +3) only goes positive strictly above a
// third.
func TestVectorArenaRotationThreshold(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	h := state.Heap()
	const gcInfoIndex = 9

	for i := 0; i < 2; i++ {
		h.VectorBackingArena(gcInfoIndex)
	}
	h.PromptlyFreed(gcInfoIndex)
	// Counter is now +1: two allocations, one prompt free (1/3 exactly
	// once the next allocation lands).
	h.VectorBackingArena(gcInfoIndex)
	if h.vectorBackingArenaIndex != Vector1ArenaIndex {
		t.Fatal("exactly one-third prompt frees should not rotate")
	}
}

func TestRotationPrefersLeastRecentlyExpanded(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	h := state.Heap()

	// Age every vector arena except Vector3.
	h.arenaAges[Vector1ArenaIndex] = h.nextArenaAge()
	h.arenaAges[Vector2ArenaIndex] = h.nextArenaAge()
	h.arenaAges[Vector4ArenaIndex] = h.nextArenaAge()

	h.PromptlyFreed(7)
	h.VectorBackingArena(7)
	if h.vectorBackingArenaIndex != Vector3ArenaIndex {
		t.Fatalf("rotation chose arena %d, want least recently expanded %d",
			h.vectorBackingArenaIndex, Vector3ArenaIndex)
	}
}

func TestExpandedVectorBackingArenaRefreshesAge(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	h := state.Heap()

	before := h.arenaAges[h.vectorBackingArenaIndex]
	arena := h.ExpandedVectorBackingArena(3)
	if arena.index != h.vectorBackingArenaIndex {
		t.Fatal("expansion should use the current vector arena")
	}
	if h.arenaAges[arena.index] <= before {
		t.Fatal("expansion should refresh the arena's age")
	}
}

func TestClearArenaAges(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	h := state.Heap()

	h.PromptlyFreed(1)
	h.VectorBackingArena(1)
	h.ClearArenaAges()

	for i := range h.arenaAges {
		if h.arenaAges[i] != 0 {
			t.Fatalf("arenaAges[%d] = %d after clear", i, h.arenaAges[i])
		}
	}
	if h.currentArenaAges != 0 {
		t.Fatal("age counter should reset")
	}
	for i, v := range h.likelyToBePromptlyFreed {
		if v != 0 {
			t.Fatalf("likelyToBePromptlyFreed[%d] = %d after clear", i, v)
		}
	}
}

func TestAllocationHookObservesAllocations(t *testing.T) {
	state := NewThreadState(HeapOptions{})

	type observed struct {
		size     uint64
		typeName string
	}
	var allocations []observed
	SetAllocationHook(func(address Address, size uint64, typeName string) {
		allocations = append(allocations, observed{size, typeName})
	})
	defer SetAllocationHook(nil)

	MakeGarbageCollected[testNode](state, nil)
	if len(allocations) != 1 {
		t.Fatalf("hook saw %d allocations, want 1", len(allocations))
	}
	if allocations[0].typeName == "" {
		t.Fatal("hook should receive a type name")
	}
}

func TestDoubleHookInstallPanics(t *testing.T) {
	SetAllocationHook(func(Address, uint64, string) {})
	defer SetAllocationHook(nil)
	defer func() {
		if recover() == nil {
			t.Fatal("installing a second allocation hook should panic")
		}
	}()
	SetAllocationHook(func(Address, uint64, string) {})
}

func TestCollectStatistics(t *testing.T) {
	state := NewThreadState(HeapOptions{})
	root := NewPersistent(state, MakeGarbageCollected[testNode](state, nil))
	defer root.Release()
	MakeGarbageCollected[testNode](state, nil) // garbage

	state.CollectGarbage(StackStateNoHeapPointers)

	var stats Statistics
	state.Heap().CollectStatistics(&stats)
	if stats.GCCount != 1 {
		t.Errorf("GCCount = %d, want 1", stats.GCCount)
	}
	if stats.CommittedSize == 0 {
		t.Error("CommittedSize should be nonzero while pages are held")
	}
	if stats.MarkedBytes == 0 {
		t.Error("MarkedBytes should be nonzero with a live root")
	}
	if stats.SweptBytes == 0 {
		t.Error("SweptBytes should be nonzero after reclaiming garbage")
	}
}
