package dag

import "sort"

// Dependencies returns the direct dependencies of name, sorted.
func (g *TaskGraph) Dependencies(name string) ([]string, error) {
	n, ok := g.byName[name]
	if !ok {
		return nil, unknownf("%q", name)
	}
	return g.sortedNames(g.incoming[n.canonicalIndex]), nil
}

// Dependents returns the steps that directly depend on name, sorted.
func (g *TaskGraph) Dependents(name string) ([]string, error) {
	n, ok := g.byName[name]
	if !ok {
		return nil, unknownf("%q", name)
	}
	return g.sortedNames(g.outgoing[n.canonicalIndex]), nil
}

// Sinks returns the steps nothing depends on, sorted by name.
func (g *TaskGraph) Sinks() []string {
	var idx []int
	for i := range g.nodes {
		if len(g.outgoing[i]) == 0 {
			idx = append(idx, i)
		}
	}
	return g.sortedNames(idx)
}

// Closure returns targets plus everything they transitively depend on,
// in topological order.
func (g *TaskGraph) Closure(targets ...string) ([]string, error) {
	keep := make([]bool, len(g.nodes))
	var stack []int
	for _, t := range targets {
		n, ok := g.byName[t]
		if !ok {
			return nil, unknownf("target %q", t)
		}
		stack = append(stack, n.canonicalIndex)
	}
	for len(stack) > 0 {
		u := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if keep[u] {
			continue
		}
		keep[u] = true
		stack = append(stack, g.incoming[u]...)
	}

	var out []string
	for _, i := range g.topoOrderIndices() {
		if keep[i] {
			out = append(out, g.nodes[i].Name)
		}
	}
	return out, nil
}

func (g *TaskGraph) sortedNames(idx []int) []string {
	out := g.names(idx)
	sort.Strings(out)
	return out
}
