package dag

import (
	"fmt"
	"sort"
	"strings"
)

// Mermaid renders the graph as a mermaid flowchart. Output is stable for a
// given graph.
func (g *TaskGraph) Mermaid() string {
	var sb strings.Builder
	sb.WriteString("graph TD\n")
	for _, name := range g.TopologicalOrder() {
		fmt.Fprintf(&sb, "    %s[%q]\n", mermaidID(name), name)
	}
	for _, e := range g.sortedEdges() {
		fmt.Fprintf(&sb, "    %s --> %s\n", mermaidID(e.From), mermaidID(e.To))
	}
	return sb.String()
}

func (g *TaskGraph) sortedEdges() []Edge {
	edges := g.Edges()
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].From != edges[j].From {
			return edges[i].From < edges[j].From
		}
		return edges[i].To < edges[j].To
	})
	return edges
}

// mermaidID maps a step name to a node id mermaid accepts.
func mermaidID(name string) string {
	var sb strings.Builder
	sb.WriteString("n_")
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			sb.WriteRune(r)
		default:
			fmt.Fprintf(&sb, "_%x_", r)
		}
	}
	return sb.String()
}
