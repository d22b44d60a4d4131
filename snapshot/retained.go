// ABOUTME: Retained size computation via the dominator tree
// ABOUTME: An object retains exactly what it dominates

package snapshot

// RetainedSize computes, for every reachable object, the bytes that would
// become garbage if the object were removed: its own size plus the sizes
// of everything it dominates.
func RetainedSize(s *Snapshot) map[ObjectID]uint64 {
	idom := Dominators(s)
	tree := DominatorTree(idom)
	return retainedOverTree(s, tree, nil)
}

// RetainedSizeOf computes retained sizes only for targets, sharing the
// dominator computation across them.
func RetainedSizeOf(s *Snapshot, targets []ObjectID) map[ObjectID]uint64 {
	if len(targets) == 0 {
		return map[ObjectID]uint64{}
	}
	idom := Dominators(s)
	tree := DominatorTree(idom)
	return retainedOverTree(s, tree, targets)
}

func retainedOverTree(s *Snapshot, tree map[ObjectID][]ObjectID, targets []ObjectID) map[ObjectID]uint64 {
	sizes := make(map[ObjectID]uint64, s.NumObjects())
	s.ForEachObject(func(obj *Object) {
		sizes[obj.ID] = obj.Size
	})

	memo := make(map[ObjectID]uint64, len(tree))
	var retained func(ObjectID) uint64
	retained = func(node ObjectID) uint64 {
		if size, done := memo[node]; done {
			return size
		}
		size := sizes[node]
		for _, child := range tree[node] {
			size += retained(child)
		}
		memo[node] = size
		return size
	}

	result := make(map[ObjectID]uint64)
	if targets == nil {
		for node := range tree {
			if node != 0 {
				result[node] = retained(node)
			}
		}
		return result
	}
	for _, target := range targets {
		if _, reachable := tree[target]; reachable && target != 0 {
			result[target] = retained(target)
		}
	}
	return result
}
