// ABOUTME: Lengauer-Tarjan immediate dominators over a snapshot's object graph
// ABOUTME: A synthetic super-root (ID 0) anchors the root set

package snapshot

// Dominators computes the immediate dominator of every reachable object.
// The synthetic super-root 0 points at all roots and dominates everything;
// it does not appear in the result. Unreachable objects have no entry.
func Dominators(s *Snapshot) map[ObjectID]ObjectID {
	// Forward adjacency, with the super-root feeding the roots.
	adj := make(map[ObjectID][]ObjectID, s.NumObjects()+1)
	s.ForEachObject(func(obj *Object) {
		if len(obj.Refs) > 0 {
			adj[obj.ID] = obj.Refs
		}
	})
	roots := s.Roots()
	if len(roots.IDs) > 0 {
		adj[0] = roots.IDs
	}

	// DFS numbering and spanning tree, iterative to survive deep graphs.
	var (
		vertex []ObjectID          // DFS number -> vertex
		dfnum  = make(map[ObjectID]int)
		parent = make(map[ObjectID]int) // vertex -> parent's DFS number
	)
	type frame struct {
		v ObjectID
		p int
	}
	stack := []frame{{v: 0, p: -1}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := dfnum[f.v]; seen {
			continue
		}
		dfnum[f.v] = len(vertex)
		parent[f.v] = f.p
		vertex = append(vertex, f.v)
		// Reverse order keeps the first successor on top of the stack.
		succ := adj[f.v]
		for i := len(succ) - 1; i >= 0; i-- {
			stack = append(stack, frame{v: succ[i], p: dfnum[f.v]})
		}
	}
	n := len(vertex)
	if n == 0 {
		return map[ObjectID]ObjectID{}
	}

	// Predecessor lists over reachable vertices only.
	pred := make(map[ObjectID][]ObjectID, n)
	for _, v := range vertex {
		for _, w := range adj[v] {
			if _, reachable := dfnum[w]; reachable {
				pred[w] = append(pred[w], v)
			}
		}
	}

	semi := make(map[ObjectID]int, n)
	ancestor := make(map[ObjectID]int, n)
	best := make(map[ObjectID]ObjectID, n)
	samedom := make(map[ObjectID]ObjectID, n)
	idom := make(map[ObjectID]ObjectID, n)
	bucket := make(map[int][]ObjectID)
	for _, v := range vertex {
		semi[v] = dfnum[v]
		ancestor[v] = -1
		best[v] = v
		samedom[v] = v
	}

	var compress func(v ObjectID)
	compress = func(v ObjectID) {
		anc := vertex[ancestor[v]]
		if ancestor[anc] == -1 {
			return
		}
		compress(anc)
		if semi[best[anc]] < semi[best[v]] {
			best[v] = best[anc]
		}
		ancestor[v] = ancestor[anc]
	}
	eval := func(v ObjectID) ObjectID {
		if ancestor[v] == -1 {
			return v
		}
		compress(v)
		return best[v]
	}

	for i := n - 1; i > 0; i-- {
		w := vertex[i]

		// Semidominator of w over all predecessors.
		for _, v := range pred[w] {
			var u ObjectID
			if dfnum[v] <= dfnum[w] {
				u = v
			} else {
				u = eval(v)
			}
			if semi[u] < semi[w] {
				semi[w] = semi[u]
			}
		}
		bucket[semi[w]] = append(bucket[semi[w]], w)
		ancestor[w] = parent[w]

		for _, v := range bucket[parent[w]] {
			u := eval(v)
			if semi[u] == semi[v] {
				idom[v] = vertex[parent[w]]
			} else {
				samedom[v] = u
			}
		}
		bucket[parent[w]] = nil
	}
	for i := 1; i < n; i++ {
		w := vertex[i]
		if samedom[w] != w {
			idom[w] = idom[samedom[w]]
		}
	}

	delete(idom, 0)
	return idom
}

// DominatorTree inverts an immediate-dominator map into child lists. The
// super-root 0 is present as the tree's root.
func DominatorTree(idom map[ObjectID]ObjectID) map[ObjectID][]ObjectID {
	tree := make(map[ObjectID][]ObjectID, len(idom)+1)
	tree[0] = []ObjectID{}
	for node := range idom {
		if _, ok := tree[node]; !ok {
			tree[node] = []ObjectID{}
		}
	}
	for node, dom := range idom {
		tree[dom] = append(tree[dom], node)
	}
	return tree
}

// DominatorPath walks from node up through its dominators, ending at the
// super-root.
func DominatorPath(idom map[ObjectID]ObjectID, node ObjectID) []ObjectID {
	var path []ObjectID
	current := node
	for {
		path = append(path, current)
		dom, ok := idom[current]
		if !ok || dom == 0 {
			if current != 0 {
				path = append(path, 0)
			}
			return path
		}
		current = dom
	}
}
