// ABOUTME: BFS over reverse edges finding paths from an object to the roots
// ABOUTME: Cycle-safe K-shortest retention path search

package snapshot

// Path is a retention path: the object itself first, a root last.
type Path struct {
	IDs []ObjectID
}

// ReverseEdges maps each object to the objects referencing it.
type ReverseEdges map[ObjectID][]ObjectID

// BuildReverseEdges inverts the snapshot's reference edges.
func BuildReverseEdges(s *Snapshot) ReverseEdges {
	reverse := make(ReverseEdges)
	s.ForEachObject(func(obj *Object) {
		for _, target := range obj.Refs {
			reverse[target] = append(reverse[target], obj.ID)
		}
	})
	return reverse
}

// PathsToRoots finds up to maxPaths paths that keep the object alive,
// shortest first. An object that is itself a root yields the one-element
// path.
func PathsToRoots(s *Snapshot, from ObjectID, maxPaths int) []Path {
	if maxPaths <= 0 {
		return nil
	}

	reverse := BuildReverseEdges(s)
	rootSet := make(map[ObjectID]bool)
	for _, id := range s.Roots().IDs {
		rootSet[id] = true
	}
	if rootSet[from] {
		return []Path{{IDs: []ObjectID{from}}}
	}

	type searchNode struct {
		id   ObjectID
		path []ObjectID
	}

	var result []Path
	queue := []searchNode{{id: from, path: []ObjectID{from}}}

	for len(queue) > 0 && len(result) < maxPaths {
		node := queue[0]
		queue = queue[1:]

		for _, referrer := range reverse[node.id] {
			// A referrer already on the path would close a cycle.
			onPath := false
			for _, id := range node.path {
				if id == referrer {
					onPath = true
					break
				}
			}
			if onPath {
				continue
			}

			next := make([]ObjectID, len(node.path)+1)
			copy(next, node.path)
			next[len(node.path)] = referrer

			if rootSet[referrer] {
				result = append(result, Path{IDs: next})
				if len(result) >= maxPaths {
					break
				}
			} else {
				queue = append(queue, searchNode{id: referrer, path: next})
			}
		}
	}
	return result
}
