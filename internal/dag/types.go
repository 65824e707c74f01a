package dag

// GraphHash is the deterministic identity of a TaskGraph.
type GraphHash string

func (h GraphHash) String() string { return string(h) }

// Vertex is a named step. Definition is an opaque digest of everything
// that defines the step; it orders vertices canonically and feeds the
// graph hash.
type Vertex struct {
	Name       string
	Definition string
}

// Edge is a dependency: To runs only after From succeeds.
type Edge struct {
	From string
	To   string
}

// Node is a vertex placed in a TaskGraph.
type Node struct {
	Vertex
	canonicalIndex int
}

// CanonicalIndex returns the node's position in the graph's canonical order.
func (n *Node) CanonicalIndex() int { return n.canonicalIndex }
