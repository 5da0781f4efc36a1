package lineage

import (
	"fmt"
	"slices"
	"sync"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/timeutil"
)

// Spot is a tracked object instance at one timepoint.
type Spot struct {
	ID           SpotID
	Timepoint    int
	Pos          geometry.Vec3
	Cov          geometry.Cov3
	DetectionTag Tag
	TrackingTag  Tag
}

// Link is a directed edge from an earlier spot to a later one.
type Link struct {
	ID          LinkID
	Source      SpotID
	Target      SpotID
	TrackingTag Tag

	// Metrics recorded when the link was created by an engine. SqDist is
	// the squared distance between the source and the target's query
	// position; SqDisp is the squared displacement used to decide whether
	// the source may divide.
	SqDist     float64
	SqDisp     float64
	HasMetrics bool
}

type spotRecord struct {
	gen   uint32
	alive bool
	spot  Spot
	in    []LinkID
	out   []LinkID
}

type linkRecord struct {
	gen   uint32
	alive bool
	link  Link
}

// Option configures a Graph.
type Option func(*Graph)

// WithUndoRecorder sets where CommitUndoPoint records undo points.
func WithUndoRecorder(r UndoRecorder) Option {
	return func(g *Graph) { g.undo = r }
}

// WithClock sets the clock used to stamp undo points.
func WithClock(c timeutil.Clock) Option {
	return func(g *Graph) { g.clock = c }
}

// Graph is the mutable spot/link store. It is safe for concurrent use
// through Read and Update.
type Graph struct {
	mu sync.RWMutex

	spots     []spotRecord
	freeSpots []uint32
	links     []linkRecord
	freeLinks []uint32
	byTime    map[int][]SpotID
	versions  map[int]uint64
	numSpots  int
	numLinks  int

	pending changeSet // since the last listener notification
	batch   changeSet // since the last undo point

	lmu        sync.Mutex
	listeners  map[int]Listener
	nextListen int

	undo  UndoRecorder
	clock timeutil.Clock
}

// NewGraph creates an empty graph.
func NewGraph(opts ...Option) *Graph {
	g := &Graph{
		byTime:    make(map[int][]SpotID),
		versions:  make(map[int]uint64),
		listeners: make(map[int]Listener),
		clock:     timeutil.RealClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Read runs fn while holding the read lock. fn must not retain v.
func (g *Graph) Read(fn func(v View)) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	fn(reader{g})
}

// Update runs fn while holding the write lock. Listeners are notified of
// the resulting changes after the lock is released. Mutations applied by
// fn before it returns an error are kept; a panic inside fn is recovered
// and reported as ErrUpdatePanicked so it never escapes with the lock held.
func (g *Graph) Update(fn func(tx *Tx) error) (err error) {
	g.mu.Lock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrUpdatePanicked, r)
			}
		}()
		err = fn(&Tx{reader: reader{g}})
	}()
	change := g.pending.take()
	g.mu.Unlock()

	if !change.empty() {
		g.notify(change)
	}
	return err
}

// View is the read-only graph surface available under the read lock.
type View interface {
	Spot(id SpotID) (Spot, bool)
	Link(id LinkID) (Link, bool)
	SpotAlive(id SpotID) bool
	LinkAlive(id LinkID) bool
	// SpotsAt returns the live spots at t in insertion order.
	SpotsAt(t int) []SpotID
	// Timepoints returns the timepoints holding at least one spot, ascending.
	Timepoints() []int
	Incoming(id SpotID) []LinkID
	Outgoing(id SpotID) []LinkID
	// Links returns every live link in arena order.
	Links() []LinkID
	// Version changes whenever a spot at t is added, removed or reshaped.
	Version(t int) uint64
	NumSpots() int
	NumLinks() int
}

type reader struct{ g *Graph }

func (r reader) spotRec(id SpotID) *spotRecord {
	s := id.slot()
	if int(s) >= len(r.g.spots) {
		return nil
	}
	rec := &r.g.spots[s]
	if !rec.alive || rec.gen != id.gen() {
		return nil
	}
	return rec
}

func (r reader) linkRec(id LinkID) *linkRecord {
	s := id.slot()
	if int(s) >= len(r.g.links) {
		return nil
	}
	rec := &r.g.links[s]
	if !rec.alive || rec.gen != id.gen() {
		return nil
	}
	return rec
}

func (r reader) Spot(id SpotID) (Spot, bool) {
	if rec := r.spotRec(id); rec != nil {
		return rec.spot, true
	}
	return Spot{}, false
}

func (r reader) Link(id LinkID) (Link, bool) {
	if rec := r.linkRec(id); rec != nil {
		return rec.link, true
	}
	return Link{}, false
}

func (r reader) SpotAlive(id SpotID) bool { return r.spotRec(id) != nil }
func (r reader) LinkAlive(id LinkID) bool { return r.linkRec(id) != nil }

func (r reader) SpotsAt(t int) []SpotID { return slices.Clone(r.g.byTime[t]) }

func (r reader) Timepoints() []int {
	out := make([]int, 0, len(r.g.byTime))
	for t, ids := range r.g.byTime {
		if len(ids) > 0 {
			out = append(out, t)
		}
	}
	slices.Sort(out)
	return out
}

func (r reader) Incoming(id SpotID) []LinkID {
	if rec := r.spotRec(id); rec != nil {
		return slices.Clone(rec.in)
	}
	return nil
}

func (r reader) Outgoing(id SpotID) []LinkID {
	if rec := r.spotRec(id); rec != nil {
		return slices.Clone(rec.out)
	}
	return nil
}

func (r reader) Links() []LinkID {
	out := make([]LinkID, 0, r.g.numLinks)
	for i := range r.g.links {
		rec := &r.g.links[i]
		if rec.alive {
			out = append(out, rec.link.ID)
		}
	}
	return out
}

func (r reader) Version(t int) uint64 { return r.g.versions[t] }
func (r reader) NumSpots() int        { return r.g.numSpots }
func (r reader) NumLinks() int        { return r.g.numLinks }

// Tx is the mutation surface available under the write lock. It also
// implements View.
type Tx struct {
	reader
}

// AddSpot creates a spot at timepoint t with unlabeled tags.
func (tx *Tx) AddSpot(t int, pos geometry.Vec3, cov geometry.Cov3) (Spot, error) {
	if t < 0 {
		return Spot{}, fmt.Errorf("%w: %d", ErrNegativeTimepoint, t)
	}
	g := tx.g
	var slot uint32
	if n := len(g.freeSpots); n > 0 {
		slot = g.freeSpots[n-1]
		g.freeSpots = g.freeSpots[:n-1]
	} else {
		slot = uint32(len(g.spots))
		g.spots = append(g.spots, spotRecord{})
	}
	rec := &g.spots[slot]
	if rec.gen == 0 {
		rec.gen = 1
	}
	rec.alive = true
	rec.in, rec.out = nil, nil
	rec.spot = Spot{
		ID:        SpotID(packID(slot, rec.gen)),
		Timepoint: t,
		Pos:       pos,
		Cov:       cov,
	}
	g.byTime[t] = append(g.byTime[t], rec.spot.ID)
	g.numSpots++
	g.touch(t, true)
	g.pending.spotsAdded++
	g.batch.spotsAdded++
	return rec.spot, nil
}

// AddLink creates a link from src to dst. The target must be later than
// the source and must not already have a predecessor.
func (tx *Tx) AddLink(src, dst SpotID) (Link, error) {
	if src == dst {
		return Link{}, fmt.Errorf("%w: %v", ErrSelfLink, src)
	}
	s, d := tx.spotRec(src), tx.spotRec(dst)
	if s == nil {
		return Link{}, fmt.Errorf("source %v: %w", src, ErrSpotNotFound)
	}
	if d == nil {
		return Link{}, fmt.Errorf("target %v: %w", dst, ErrSpotNotFound)
	}
	if d.spot.Timepoint <= s.spot.Timepoint {
		return Link{}, fmt.Errorf("%w: %d -> %d", ErrTimeOrder, s.spot.Timepoint, d.spot.Timepoint)
	}
	if len(d.in) > 0 {
		return Link{}, fmt.Errorf("%w: %v", ErrHasIncoming, dst)
	}

	g := tx.g
	var slot uint32
	if n := len(g.freeLinks); n > 0 {
		slot = g.freeLinks[n-1]
		g.freeLinks = g.freeLinks[:n-1]
	} else {
		slot = uint32(len(g.links))
		g.links = append(g.links, linkRecord{})
	}
	rec := &g.links[slot]
	if rec.gen == 0 {
		rec.gen = 1
	}
	rec.alive = true
	rec.link = Link{ID: LinkID(packID(slot, rec.gen)), Source: src, Target: dst}

	// Only the link arena grows here, so s and d remain valid.
	s.out = append(s.out, rec.link.ID)
	d.in = append(d.in, rec.link.ID)
	g.numLinks++
	g.touch(s.spot.Timepoint, false)
	g.touch(d.spot.Timepoint, false)
	g.pending.linksAdded++
	g.batch.linksAdded++
	return rec.link, nil
}

// RemoveLink deletes a link.
func (tx *Tx) RemoveLink(id LinkID) error {
	rec := tx.linkRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrLinkNotFound)
	}
	g := tx.g
	if s := tx.spotRec(rec.link.Source); s != nil {
		s.out = deleteID(s.out, id)
		g.touch(s.spot.Timepoint, false)
	}
	if d := tx.spotRec(rec.link.Target); d != nil {
		d.in = deleteID(d.in, id)
		g.touch(d.spot.Timepoint, false)
	}
	rec.alive = false
	rec.gen++
	rec.link = Link{}
	g.freeLinks = append(g.freeLinks, id.slot())
	g.numLinks--
	g.pending.linksRemoved++
	g.batch.linksRemoved++
	return nil
}

// RemoveSpot deletes a spot together with all of its links.
func (tx *Tx) RemoveSpot(id SpotID) error {
	rec := tx.spotRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrSpotNotFound)
	}
	for _, l := range slices.Concat(rec.in, rec.out) {
		if err := tx.RemoveLink(l); err != nil {
			return err
		}
	}
	g := tx.g
	t := rec.spot.Timepoint
	g.byTime[t] = deleteID(g.byTime[t], id)
	if len(g.byTime[t]) == 0 {
		delete(g.byTime, t)
	}
	rec.alive = false
	rec.gen++
	rec.spot = Spot{}
	rec.in, rec.out = nil, nil
	g.freeSpots = append(g.freeSpots, id.slot())
	g.numSpots--
	g.touch(t, true)
	g.pending.spotsRemoved++
	g.batch.spotsRemoved++
	return nil
}

// SetSpotShape moves and reshapes a spot.
func (tx *Tx) SetSpotShape(id SpotID, pos geometry.Vec3, cov geometry.Cov3) error {
	rec := tx.spotRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrSpotNotFound)
	}
	rec.spot.Pos = pos
	rec.spot.Cov = cov
	tx.g.touch(rec.spot.Timepoint, true)
	return nil
}

// SetSpotTags rewrites both tags of a spot.
func (tx *Tx) SetSpotTags(id SpotID, detection, tracking Tag) error {
	if !detection.Valid() || !tracking.Valid() {
		return fmt.Errorf("%w: detection=%v tracking=%v", ErrUnknownTag, detection, tracking)
	}
	rec := tx.spotRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrSpotNotFound)
	}
	rec.spot.DetectionTag = detection
	rec.spot.TrackingTag = tracking
	tx.g.touch(rec.spot.Timepoint, false)
	return nil
}

// SetLinkTag rewrites the tracking tag of a link.
func (tx *Tx) SetLinkTag(id LinkID, tag Tag) error {
	if !tag.Valid() {
		return fmt.Errorf("%w: %v", ErrUnknownTag, tag)
	}
	rec := tx.linkRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrLinkNotFound)
	}
	rec.link.TrackingTag = tag
	if s := tx.spotRec(rec.link.Target); s != nil {
		tx.g.touch(s.spot.Timepoint, false)
	}
	return nil
}

// SetLinkMetrics records the creation-time distance and displacement of a link.
func (tx *Tx) SetLinkMetrics(id LinkID, sqDist, sqDisp float64) error {
	rec := tx.linkRec(id)
	if rec == nil {
		return fmt.Errorf("%v: %w", id, ErrLinkNotFound)
	}
	rec.link.SqDist = sqDist
	rec.link.SqDisp = sqDisp
	rec.link.HasMetrics = true
	return nil
}

// touch records that timepoint t changed. reindex bumps the timepoint
// version so spatial indexes over t are rebuilt on next use.
func (g *Graph) touch(t int, reindex bool) {
	if reindex {
		g.versions[t]++
	}
	g.pending.addTimepoint(t)
	g.batch.addTimepoint(t)
}

func deleteID[T comparable](ids []T, id T) []T {
	if i := slices.Index(ids, id); i >= 0 {
		return slices.Delete(ids, i, i+1)
	}
	return ids
}
