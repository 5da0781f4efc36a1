// Package lineage owns the spatiotemporal graph of spots and links.
//
// Responsibilities: arena storage of spots (vertices) and links (directed
// edges from an earlier to a later timepoint), tag annotations, the graph
// read/write lock, per-timepoint versions used to invalidate spatial
// indexes, graph-changed notifications, undo points, and lineage traversal
// (roots, descendants, track statistics, progenitor numbering).
//
// Key types: Graph, View, Tx, Spot, Link, SpotID, LinkID, Tag.
//
// Locking: Graph.Read holds the read lock for the duration of its callback
// and Graph.Update holds the write lock. The lock is never upgraded in
// place; callers that read, release and then write must re-validate every
// handle with SpotAlive/LinkAlive before mutating.
package lineage
