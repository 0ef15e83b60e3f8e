package graph

// DetectCycles returns every back edge found by a depth-first walk in
// insertion order, each as the module path that closes the loop.
func (g *Graph) DetectCycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var cycles [][]string
	visited := make(map[string]bool, len(g.order))
	onStack := make(map[string]bool)

	for _, id := range g.order {
		if !visited[id] {
			g.findCycles(id, visited, onStack, nil, &cycles)
		}
	}
	return cycles
}

func (g *Graph) findCycles(curr string, visited, onStack map[string]bool, path []string, cycles *[][]string) {
	visited[curr] = true
	onStack[curr] = true
	path = append(path, curr)

	m := g.modules[curr]
	for _, next := range m.Deps {
		if _, ok := g.modules[next]; !ok {
			continue
		}
		if onStack[next] {
			for i, id := range path {
				if id == next {
					cycle := make([]string, len(path)-i)
					copy(cycle, path[i:])
					*cycles = append(*cycles, cycle)
					break
				}
			}
		} else if !visited[next] {
			g.findCycles(next, visited, onStack, path, cycles)
		}
	}

	onStack[curr] = false
}

// FindImportChain returns the shortest dependency path from one module to
// another. Ties are broken by declared dependency order.
func (g *Graph) FindImportChain(from, to string) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.modules[from]; !ok {
		return nil, false
	}
	if _, ok := g.modules[to]; !ok {
		return nil, false
	}
	if from == to {
		return []string{from}, true
	}

	queue := []string{from}
	visited := map[string]bool{from: true}
	prev := make(map[string]string)

	for len(queue) > 0 {
		curr := queue[0]
		queue = queue[1:]

		for _, next := range g.modules[curr].Deps {
			if _, ok := g.modules[next]; !ok || visited[next] {
				continue
			}
			visited[next] = true
			prev[next] = curr

			if next == to {
				chain := []string{to}
				for node := to; node != from; {
					node = prev[node]
					chain = append(chain, node)
				}
				for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
					chain[i], chain[j] = chain[j], chain[i]
				}
				return chain, true
			}
			queue = append(queue, next)
		}
	}
	return nil, false
}
