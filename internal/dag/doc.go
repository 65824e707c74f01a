// Package dag models the step graph of a pipeline.
//
// A TaskGraph is immutable once built. Construction validates names and
// edges and rejects cycles with a deterministic witness. The graph
// identity (GraphHash) covers each vertex definition and the edge
// structure, and does not depend on insertion order.
package dag
