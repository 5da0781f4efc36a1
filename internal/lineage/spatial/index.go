// Package spatial maintains per-timepoint k-d trees over spot centroids.
//
// Trees are rebuilt lazily: each cached tree remembers the graph version
// of its timepoint and is replaced the first time it is requested after
// that version changes. Callers must hold the graph read lock while
// calling Index.At; the returned Snapshot copies the positions it needs
// and stays usable after the lock is released.
package spatial

import (
	"cmp"
	"iter"
	"slices"
	"sync"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
)

// pivotSamples bounds the number of elements sampled when choosing a
// median during tree construction.
const pivotSamples = 100

// Neighbor is one spot returned by a nearest-neighbour query.
type Neighbor struct {
	ID     lineage.SpotID
	Pos    geometry.Vec3
	SqDist float64
}

type entry struct {
	version uint64
	snap    *Snapshot
}

// Index caches one Snapshot per timepoint of a single graph.
type Index struct {
	mu    sync.Mutex
	cache map[int]entry
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{cache: make(map[int]entry)}
}

// At returns the snapshot for timepoint t, rebuilding it when spots at t
// were added, removed or moved since it was built.
func (x *Index) At(v lineage.View, t int) *Snapshot {
	ver := v.Version(t)
	x.mu.Lock()
	defer x.mu.Unlock()
	if e, ok := x.cache[t]; ok && e.version == ver {
		return e.snap
	}
	snap := build(v, t)
	x.cache[t] = entry{version: ver, snap: snap}
	return snap
}

// Invalidate drops the cached trees for the given timepoints.
func (x *Index) Invalidate(timepoints ...int) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, t := range timepoints {
		delete(x.cache, t)
	}
}

// GraphChanged implements lineage.Listener so an Index can be registered
// on the graph it serves.
func (x *Index) GraphChanged(c lineage.GraphChange) {
	x.Invalidate(c.Timepoints...)
}

// Snapshot is an immutable k-d tree over the spots of one timepoint.
type Snapshot struct {
	tree *kdtree.Tree
	n    int
}

func build(v lineage.View, t int) *Snapshot {
	ids := v.SpotsAt(t)
	pts := make(points, 0, len(ids))
	for i, id := range ids {
		s, ok := v.Spot(id)
		if !ok {
			continue
		}
		pts = append(pts, point{id: id, pos: s.Pos, order: i})
	}
	snap := &Snapshot{n: len(pts)}
	if len(pts) > 0 {
		snap.tree = kdtree.New(pts, false)
	}
	return snap
}

// Len returns the number of spots in the snapshot.
func (s *Snapshot) Len() int { return s.n }

// Nearest returns the spot closest to q.
func (s *Snapshot) Nearest(q geometry.Vec3) (Neighbor, bool) {
	if s.tree == nil {
		return Neighbor{}, false
	}
	c, d := s.tree.Nearest(point{pos: q})
	p, ok := c.(point)
	if !ok {
		return Neighbor{}, false
	}
	return Neighbor{ID: p.id, Pos: p.pos, SqDist: d}, true
}

// NearestN returns up to n spots closest to q whose squared distance does
// not exceed maxSqDist, nearest first. Equal distances are ordered by
// insertion order. A negative maxSqDist means no radius bound.
func (s *Snapshot) NearestN(q geometry.Vec3, n int, maxSqDist float64) []Neighbor {
	if s.tree == nil || n <= 0 {
		return nil
	}
	found := s.nearestSet(q, n)
	if maxSqDist >= 0 {
		found = slices.DeleteFunc(found, func(c ranked) bool { return c.SqDist > maxSqDist })
	}
	out := make([]Neighbor, len(found))
	for i, c := range found {
		out[i] = c.Neighbor
	}
	return out
}

// Incremental yields every spot of the snapshot in order of increasing
// distance from q. Work is proportional to how far the caller iterates:
// the query is re-run with a doubled neighbour count only when the
// previous batch is exhausted.
func (s *Snapshot) Incremental(q geometry.Vec3) iter.Seq[Neighbor] {
	return func(yield func(Neighbor) bool) {
		if s.tree == nil {
			return
		}
		seen := make(map[lineage.SpotID]struct{})
		for k := min(8, s.n); ; k = min(2*k, s.n) {
			for _, c := range s.nearestSet(q, k) {
				if _, dup := seen[c.ID]; dup {
					continue
				}
				seen[c.ID] = struct{}{}
				if !yield(c.Neighbor) {
					return
				}
			}
			if k >= s.n {
				return
			}
		}
	}
}

type ranked struct {
	Neighbor
	order int
}

func (s *Snapshot) nearestSet(q geometry.Vec3, n int) []ranked {
	keep := kdtree.NewNKeeper(n)
	s.tree.NearestSet(keep, point{pos: q})
	out := make([]ranked, 0, keep.Len())
	for _, cd := range keep.Heap {
		p, ok := cd.Comparable.(point)
		if !ok {
			continue
		}
		out = append(out, ranked{Neighbor: Neighbor{ID: p.id, Pos: p.pos, SqDist: cd.Dist}, order: p.order})
	}
	slices.SortFunc(out, func(a, b ranked) int {
		return cmp.Or(cmp.Compare(a.SqDist, b.SqDist), cmp.Compare(a.order, b.order))
	})
	return out
}

// point is a spot centroid stored in the tree.
type point struct {
	id    lineage.SpotID
	pos   geometry.Vec3
	order int
}

func (p point) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.pos[d] - c.(point).pos[d]
}

func (p point) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, as kdtree expects.
func (p point) Distance(c kdtree.Comparable) float64 {
	return geometry.SquaredDistance(p.pos, c.(point).pos)
}

type points []point

func (p points) Index(i int) kdtree.Comparable         { return p[i] }
func (p points) Len() int                              { return len(p) }
func (p points) Slice(start, end int) kdtree.Interface { return p[start:end] }
func (p points) Pivot(d kdtree.Dim) int {
	pl := plane{points: p, dim: d}
	return kdtree.Partition(pl, kdtree.MedianOfRandoms(pl, pivotSamples))
}

// plane sorts points along one axis for median selection.
type plane struct {
	points
	dim kdtree.Dim
}

func (p plane) Less(i, j int) bool { return p.points[i].pos[p.dim] < p.points[j].pos[p.dim] }
func (p plane) Swap(i, j int)      { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
