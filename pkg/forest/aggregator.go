//go:build linux

package forest

// Aggregate computes, for each root PID in roots (in order), the sum of
// PerProcessLoad over that root and all of its transitive descendants in
// the current snapshot. A root absent from snap contributes 0. Children
// are determined solely from snap's parent field; the previous snapshot is
// never consulted. Self-parenting PIDs are treated as roots and are never
// descended into as anyone else's child, which also makes them immune to
// forming a cycle back into themselves.
func Aggregate(snap Snapshot, loads PerProcessLoad, roots []PID) []float64 {
	children := make(map[PID][]PID, len(snap))
	for pid, e := range snap {
		if e.Parent == pid || e.Parent == 0 {
			continue
		}
		children[e.Parent] = append(children[e.Parent], pid)
	}

	out := make([]float64, len(roots))
	for i, root := range roots {
		if _, ok := snap[root]; !ok {
			out[i] = 0
			continue
		}
		out[i] = sumSubtree(root, children, loads)
	}
	return out
}

// sumSubtree walks the subtree rooted at root, marking visited PIDs so a
// cycle in a torn snapshot cannot cause non-termination.
func sumSubtree(root PID, children map[PID][]PID, loads PerProcessLoad) float64 {
	visited := make(map[PID]bool)
	var sum float64
	stack := []PID{root}
	for len(stack) > 0 {
		n := len(stack) - 1
		pid := stack[n]
		stack = stack[:n]

		if visited[pid] {
			continue
		}
		visited[pid] = true
		sum += loads[pid]

		for _, c := range children[pid] {
			if !visited[c] {
				stack = append(stack, c)
			}
		}
	}
	return sum
}
