package txn

// detectDeadlockLocked runs a DFS over the wait-for graph starting from
// start, looking for a cycle that start is part of. If found, it returns
// the youngest transaction id in the cycle (transaction ids are assigned
// from a monotonically increasing sequence, so the highest id is the
// youngest) as the victim to abort. Must be called with m.mu held.
func (m *Manager) detectDeadlockLocked(start uint64) uint64 {
	visited := make(map[uint64]bool)
	stack := make(map[uint64]bool)
	var path []uint64

	var visit func(node uint64) []uint64
	visit = func(node uint64) []uint64 {
		visited[node] = true
		stack[node] = true
		path = append(path, node)

		for next := range m.waitFor[node] {
			if stack[next] {
				// Found the cycle: slice path from next's first occurrence.
				for i, n := range path {
					if n == next {
						return path[i:]
					}
				}
				return path
			}
			if !visited[next] {
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}

		stack[node] = false
		path = path[:len(path)-1]
		return nil
	}

	cycle := visit(start)
	if cycle == nil {
		return 0
	}
	if !containsCycle(cycle, start) {
		return 0
	}

	youngest := cycle[0]
	for _, id := range cycle {
		if id > youngest {
			youngest = id
		}
	}
	return youngest
}

func containsCycle(cycle []uint64, start uint64) bool {
	for _, id := range cycle {
		if id == start {
			return true
		}
	}
	return false
}
