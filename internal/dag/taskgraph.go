package dag

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

type edgeIndex struct {
	from int
	to   int
}

// TaskGraph is an immutable, validated DAG of steps.
//
// It is safe for concurrent read access.
type TaskGraph struct {
	byName map[string]*Node
	nodes  []*Node // canonical order

	edges []edgeIndex // sorted

	outgoing [][]int // by canonical index, ascending
	incoming [][]int // by canonical index, ascending
	indeg    []int
	depth    []int

	hash GraphHash
}

// NewTaskGraph builds and validates a TaskGraph.
//
// It rejects:
//   - an empty vertex set
//   - empty or duplicate names
//   - edges naming unknown vertices
//   - duplicate edges and self-loops
//   - any cycle, reported with a deterministic witness path
func NewTaskGraph(vertices []Vertex, edges []Edge) (*TaskGraph, error) {
	if len(vertices) == 0 {
		return nil, invalidf("no tasks")
	}

	byName := make(map[string]*Node, len(vertices))
	nodes := make([]*Node, 0, len(vertices))
	for _, v := range vertices {
		if v.Name == "" {
			return nil, invalidf("task name is required")
		}
		if _, exists := byName[v.Name]; exists {
			return nil, invalidf("duplicate task name: %q", v.Name)
		}
		n := &Node{Vertex: v}
		byName[v.Name] = n
		nodes = append(nodes, n)
	}

	// Definition first, name breaks ties.
	sort.Slice(nodes, func(i, j int) bool {
		a, b := nodes[i], nodes[j]
		if a.Definition != b.Definition {
			return a.Definition < b.Definition
		}
		return a.Name < b.Name
	})
	for i, n := range nodes {
		n.canonicalIndex = i
	}

	mapped := make([]edgeIndex, 0, len(edges))
	seen := make(map[edgeIndex]struct{}, len(edges))
	for _, e := range edges {
		from, ok := byName[e.From]
		if !ok {
			return nil, unknownf("%q needed by %q", e.From, e.To)
		}
		to, ok := byName[e.To]
		if !ok {
			return nil, unknownf("%q depends on unknown %q", e.From, e.To)
		}
		if from == to {
			return nil, invalidf("self-loop: %q -> %q", e.From, e.To)
		}
		pair := edgeIndex{from: from.canonicalIndex, to: to.canonicalIndex}
		if _, exists := seen[pair]; exists {
			return nil, invalidf("duplicate edge: %q -> %q", e.From, e.To)
		}
		seen[pair] = struct{}{}
		mapped = append(mapped, pair)
	}
	sort.Slice(mapped, func(i, j int) bool {
		a, b := mapped[i], mapped[j]
		if a.from != b.from {
			return a.from < b.from
		}
		return a.to < b.to
	})

	outgoing := make([][]int, len(nodes))
	incoming := make([][]int, len(nodes))
	indeg := make([]int, len(nodes))
	for _, e := range mapped {
		outgoing[e.from] = append(outgoing[e.from], e.to)
		incoming[e.to] = append(incoming[e.to], e.from)
		indeg[e.to]++
	}
	for i := range nodes {
		sort.Ints(outgoing[i])
		sort.Ints(incoming[i])
	}

	g := &TaskGraph{
		byName:   byName,
		nodes:    nodes,
		edges:    mapped,
		outgoing: outgoing,
		incoming: incoming,
		indeg:    indeg,
	}
	if err := g.validateAcyclic(); err != nil {
		return nil, err
	}
	g.depth = g.computeDepth()
	g.hash = g.computeGraphHash()
	return g, nil
}

// Hash returns the stable identity of the graph.
func (g *TaskGraph) Hash() GraphHash { return g.hash }

// Len returns the number of nodes.
func (g *TaskGraph) Len() int { return len(g.nodes) }

// Node returns a node by name.
func (g *TaskGraph) Node(name string) (*Node, bool) {
	n, ok := g.byName[name]
	return n, ok
}

// Nodes returns the nodes in canonical order.
func (g *TaskGraph) Nodes() []*Node {
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// Edges returns the edges as name pairs in canonical order.
func (g *TaskGraph) Edges() []Edge {
	out := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, Edge{From: g.nodes[e.from].Name, To: g.nodes[e.to].Name})
	}
	return out
}

// Depth returns the length of the longest path from any root to name.
func (g *TaskGraph) Depth(name string) (int, bool) {
	n, ok := g.byName[name]
	if !ok {
		return 0, false
	}
	return g.depth[n.canonicalIndex], true
}

func (g *TaskGraph) computeDepth() []int {
	depth := make([]int, len(g.nodes))
	for _, u := range g.topoOrderIndices() {
		d := 0
		for _, p := range g.incoming[u] {
			if depth[p]+1 > d {
				d = depth[p] + 1
			}
		}
		depth[u] = d
	}
	return depth
}

// TopologicalOrder returns a deterministic topological ordering of names.
func (g *TaskGraph) TopologicalOrder() []string {
	return g.names(g.topoOrderIndices())
}

func (g *TaskGraph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.nodes[i].Name)
	}
	return out
}

func (g *TaskGraph) computeGraphHash() GraphHash {
	h := sha256.New()
	writeUint(h, uint64(len(g.nodes)))
	for _, n := range g.nodes {
		writeField(h, []byte(n.Definition))
	}
	writeUint(h, uint64(len(g.edges)))
	for _, e := range g.edges {
		writeUint(h, uint64(e.from))
		writeUint(h, uint64(e.to))
	}
	return GraphHash(hex.EncodeToString(h.Sum(nil)))
}

func writeUint(h hash.Hash, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	h.Write(b[:])
}

// writeField length-prefixes data so adjacent fields cannot alias.
func writeField(h hash.Hash, data []byte) {
	writeUint(h, uint64(len(data)))
	h.Write(data)
}
