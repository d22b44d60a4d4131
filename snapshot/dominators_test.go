// ABOUTME: Tests for dominator computation and retained sizes
// ABOUTME: Covers chains, diamonds, cycles, and unreachable objects

package snapshot

import (
	"reflect"
	"testing"
)

func TestDominatorsChain(t *testing.T) {
	// 1 (root) -> 2 -> 3
	s := New()
	s.Add(&Object{ID: 1, Refs: []ObjectID{2}})
	s.Add(&Object{ID: 2, Refs: []ObjectID{3}})
	s.Add(&Object{ID: 3, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	idom := Dominators(s)
	want := map[ObjectID]ObjectID{1: 0, 2: 1, 3: 2}
	if !reflect.DeepEqual(idom, want) {
		t.Errorf("Dominators = %v, want %v", idom, want)
	}
}

func TestDominatorsDiamond(t *testing.T) {
	// 1 -> 2 -> 4, 1 -> 3 -> 4: neither branch dominates 4.
	s := New()
	s.Add(&Object{ID: 1, Refs: []ObjectID{2, 3}})
	s.Add(&Object{ID: 2, Refs: []ObjectID{4}})
	s.Add(&Object{ID: 3, Refs: []ObjectID{4}})
	s.Add(&Object{ID: 4, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	idom := Dominators(s)
	if idom[4] != 1 {
		t.Errorf("idom[4] = %d, want 1 (the branch point)", idom[4])
	}
	if idom[2] != 1 || idom[3] != 1 {
		t.Errorf("idom[2]=%d idom[3]=%d, want both 1", idom[2], idom[3])
	}
}

func TestDominatorsCycle(t *testing.T) {
	// 1 -> 2 <-> 3: the cycle is dominated by its entry.
	s := New()
	s.Add(&Object{ID: 1, Refs: []ObjectID{2}})
	s.Add(&Object{ID: 2, Refs: []ObjectID{3}})
	s.Add(&Object{ID: 3, Refs: []ObjectID{2}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	idom := Dominators(s)
	if idom[2] != 1 {
		t.Errorf("idom[2] = %d, want 1", idom[2])
	}
	if idom[3] != 2 {
		t.Errorf("idom[3] = %d, want 2", idom[3])
	}
}

func TestDominatorsMultipleRoots(t *testing.T) {
	// Both roots reach 3; only the super-root dominates it.
	s := New()
	s.Add(&Object{ID: 1, Refs: []ObjectID{3}})
	s.Add(&Object{ID: 2, Refs: []ObjectID{3}})
	s.Add(&Object{ID: 3, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1, 2}})

	idom := Dominators(s)
	if idom[3] != 0 {
		t.Errorf("idom[3] = %d, want 0 (super-root)", idom[3])
	}
}

func TestDominatorsSkipUnreachable(t *testing.T) {
	s := New()
	s.Add(&Object{ID: 1, Refs: []ObjectID{}})
	s.Add(&Object{ID: 9, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	idom := Dominators(s)
	if _, ok := idom[9]; ok {
		t.Error("unreachable object should have no dominator entry")
	}
}

func TestDominatorTreeAndPath(t *testing.T) {
	idom := map[ObjectID]ObjectID{1: 0, 2: 1, 3: 2}
	tree := DominatorTree(idom)

	if !reflect.DeepEqual(tree[1], []ObjectID{2}) {
		t.Errorf("tree[1] = %v, want [2]", tree[1])
	}
	path := DominatorPath(idom, 3)
	want := []ObjectID{3, 2, 1, 0}
	if !reflect.DeepEqual(path, want) {
		t.Errorf("DominatorPath(3) = %v, want %v", path, want)
	}
}

func TestRetainedSizeChain(t *testing.T) {
	// Each link retains everything below it.
	s := New()
	s.Add(&Object{ID: 1, Size: 100, Refs: []ObjectID{2}})
	s.Add(&Object{ID: 2, Size: 50, Refs: []ObjectID{3}})
	s.Add(&Object{ID: 3, Size: 25, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	retained := RetainedSize(s)
	want := map[ObjectID]uint64{1: 175, 2: 75, 3: 25}
	if !reflect.DeepEqual(retained, want) {
		t.Errorf("RetainedSize = %v, want %v", retained, want)
	}
}

func TestRetainedSizeDiamond(t *testing.T) {
	// The shared sink is retained only by the branch point.
	s := New()
	s.Add(&Object{ID: 1, Size: 10, Refs: []ObjectID{2, 3}})
	s.Add(&Object{ID: 2, Size: 20, Refs: []ObjectID{4}})
	s.Add(&Object{ID: 3, Size: 30, Refs: []ObjectID{4}})
	s.Add(&Object{ID: 4, Size: 40, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	retained := RetainedSize(s)
	if retained[2] != 20 || retained[3] != 30 {
		t.Errorf("branches must not retain the shared sink: got %v", retained)
	}
	if retained[1] != 100 {
		t.Errorf("retained[1] = %d, want 100", retained[1])
	}
}

func TestRetainedSizeOf(t *testing.T) {
	s := New()
	s.Add(&Object{ID: 1, Size: 10, Refs: []ObjectID{2}})
	s.Add(&Object{ID: 2, Size: 20, Refs: []ObjectID{}})
	s.SetRoots(Roots{IDs: []ObjectID{1}})

	got := RetainedSizeOf(s, []ObjectID{2, 77})
	if len(got) != 1 || got[2] != 20 {
		t.Errorf("RetainedSizeOf = %v, want map[2:20]", got)
	}
	if got := RetainedSizeOf(s, nil); len(got) != 0 {
		t.Errorf("empty target list should yield empty result, got %v", got)
	}
}
