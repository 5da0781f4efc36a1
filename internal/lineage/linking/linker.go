package linking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/monitoring"
	"github.com/banshee-data/lineage/internal/prediction"
)

// mismatchTolerance is the relative difference above which a cached link
// distance is reported as disagreeing with live geometry.
const mismatchTolerance = 1e-6

// LinkReport summarises the work done on one timepoint.
type LinkReport struct {
	Timepoint    int
	Passes       int
	Created      int // links created, including both links of an interpolation
	Evicted      int
	Interpolated int
	Unresolved   int // eligible spots still without a predecessor
}

// Linker attaches unresolved spots to predecessors at earlier timepoints.
type Linker struct {
	graph     GraphAccess
	index     SpatialIndexAccess
	predictor prediction.Client
	cfg       Config
	metrics   *monitoring.Metrics
}

// NewLinker creates a Linker. predictor may be nil when optical flow is
// disabled; metrics may be nil.
func NewLinker(g GraphAccess, idx SpatialIndexAccess, predictor prediction.Client, cfg Config, m *monitoring.Metrics) *Linker {
	return &Linker{graph: g, index: idx, predictor: predictor, cfg: cfg, metrics: m}
}

// Run links every timepoint from to down to from, in strictly decreasing
// order. Timepoint 0 has no predecessors and is never processed. Reports
// for completed timepoints are returned even when a later one fails.
func (l *Linker) Run(ctx context.Context, ec *EngineContext, from, to int) ([]LinkReport, error) {
	var reports []LinkReport
	for t := to; t >= max(from, 1); t-- {
		rep, err := l.LinkTimepoint(ctx, ec, t)
		reports = append(reports, rep)
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// query is one unresolved spot together with the position searched from.
type query struct {
	id     lineage.SpotID
	p      geometry.Vec3
	cov    geometry.Cov3
	flow   bool
	sqDisp float64
}

// pass holds the state of one pass over a timepoint.
type pass struct {
	t        int
	removals map[lineage.LinkID]struct{}
	order    []lineage.LinkID
	report   *LinkReport
	changed  bool
}

func (ps *pass) queueRemoval(id lineage.LinkID) {
	if _, ok := ps.removals[id]; ok {
		return
	}
	ps.removals[id] = struct{}{}
	ps.order = append(ps.order, id)
}

// LinkTimepoint runs up to MaxPasses passes over timepoint t, stopping
// early once a pass changes nothing.
func (l *Linker) LinkTimepoint(ctx context.Context, ec *EngineContext, t int) (LinkReport, error) {
	rep := LinkReport{Timepoint: t}
	if t < 1 {
		return rep, nil
	}
	interpolated := make(map[lineage.SpotID]struct{})
	var flow map[uint64]prediction.FlowResult

	for n := 1; n <= max(l.cfg.MaxPasses, 1); n++ {
		if ec.Aborted(ctx) {
			rep.Unresolved = len(l.unresolved(t))
			ec.signalAborted()
			return rep, ErrAborted
		}
		started := time.Now()

		queries := l.unresolved(t)
		if len(queries) == 0 {
			break
		}
		if n == 1 && l.cfg.UseOpticalFlow {
			var err error
			if flow, err = l.predictFlow(ctx, t, queries); err != nil {
				return rep, fmt.Errorf("linking t=%d: %w", t, err)
			}
		}
		for i := range queries {
			if r, ok := flow[uint64(queries[i].id)]; ok {
				queries[i].p = r.Pos
				queries[i].cov = shapeOr(r.Covariance, queries[i].cov, fmt.Sprintf("flow for spot %v", queries[i].id))
				queries[i].flow = true
				queries[i].sqDisp = r.SqDisp
			}
		}

		rep.Passes = n
		ps := &pass{t: t, removals: make(map[lineage.LinkID]struct{}), report: &rep}
		aborted := false
		for _, q := range queries {
			if ec.Aborted(ctx) {
				aborted = true
				break
			}
			l.linkSpot(ps, q, interpolated)
		}
		l.applyRemovals(ps)
		if _, _, err := l.graph.CommitUndoPoint(ec.RunID, fmt.Sprintf("linking t=%d pass=%d", t, n)); err != nil {
			monitoring.Logf("[linking] t=%d pass=%d: %v", t, n, err)
		}
		l.metrics.ObservePass(time.Since(started))

		if aborted {
			rep.Unresolved = len(l.unresolved(t))
			monitoring.Logf("[linking] t=%d aborted in pass %d", t, n)
			ec.signalAborted()
			return rep, ErrAborted
		}
		if !ps.changed {
			break
		}
	}
	rep.Unresolved = len(l.unresolved(t))
	monitoring.Debugf("[linking] t=%d passes=%d created=%d evicted=%d interpolated=%d unresolved=%d",
		t, rep.Passes, rep.Created, rep.Evicted, rep.Interpolated, rep.Unresolved)
	return rep, nil
}

// unresolved returns the eligible spots at t without an incoming link.
func (l *Linker) unresolved(t int) []query {
	var out []query
	l.graph.Read(func(v lineage.View) {
		for _, id := range v.SpotsAt(t) {
			s, ok := v.Spot(id)
			if !ok || l.cfg.excluded(s.DetectionTag) || len(v.Incoming(id)) > 0 {
				continue
			}
			out = append(out, query{id: id, p: s.Pos, cov: s.Cov})
		}
	})
	return out
}

// predictFlow is called without any graph lock held.
func (l *Linker) predictFlow(ctx context.Context, t int, queries []query) (map[uint64]prediction.FlowResult, error) {
	if l.predictor == nil {
		return nil, errors.New("optical flow enabled without a prediction client")
	}
	req := prediction.FlowRequest{Timepoint: t, Spots: make([]prediction.FlowSpot, len(queries))}
	for i, q := range queries {
		req.Spots[i] = prediction.FlowSpot{ID: uint64(q.id), Pos: q.p, Covariance: q.cov}
	}
	resp, err := l.predictor.PredictFlow(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("optical flow: %w", err)
	}
	return resp.ByID(), nil
}

// shapeOr returns cov, or fallback when cov is not a symmetric PSD matrix.
func shapeOr(cov, fallback geometry.Cov3, what string) geometry.Cov3 {
	if err := cov.Validate(); err != nil {
		monitoring.Logf("[linking] %s: %v; keeping the spot's own covariance", what, err)
		return fallback
	}
	return cov
}

// decision is the outcome of the search for one spot.
type decision struct {
	candidate lineage.Spot
	depth     int
	sqDist    float64
	sqDisp    float64
	victim    lineage.LinkID
}

// linkSpot searches earlier timepoints for q and links it to the first
// acceptable candidate.
func (l *Linker) linkSpot(ps *pass, q query, interpolated map[lineage.SpotID]struct{}) {
	for depth := 0; depth < l.cfg.SearchDepth && ps.t-1-depth >= 0; depth++ {
		var (
			d    *decision
			done bool
		)
		l.graph.Read(func(v lineage.View) {
			if !v.SpotAlive(q.id) || len(v.Incoming(q.id)) > 0 {
				done = true
				return
			}
			d = l.search(v, ps, q, depth)
		})
		if done {
			return
		}
		if d == nil {
			continue
		}
		_, interp := interpolated[q.id]
		interp = !interp && l.cfg.UseInterpolation && depth > 0
		if l.apply(ps, q, d, interp) && interp {
			interpolated[q.id] = struct{}{}
		}
		return
	}
}

// search examines the candidates at t-1-depth in order of distance. It
// runs under the read lock.
func (l *Linker) search(v lineage.View, ps *pass, q query, depth int) *decision {
	tc := ps.t - 1 - depth
	sqThreshold := l.cfg.sqThreshold()
	examined := 0
	for nb := range l.index.At(v, tc).Incremental(q.p) {
		if examined >= l.cfg.SearchNeighbors || nb.SqDist > sqThreshold {
			return nil
		}
		examined++

		c, ok := v.Spot(nb.ID)
		if !ok || l.cfg.excluded(c.DetectionTag) {
			continue
		}
		motion := nb.SqDist
		if q.flow {
			motion = q.sqDisp
		}

		var live []lineage.Link
		approved := 0
		fast := motion > l.cfg.DivisionMotionThreshold
		for _, lid := range v.Outgoing(c.ID) {
			if _, pending := ps.removals[lid]; pending {
				continue
			}
			link, ok := v.Link(lid)
			if !ok {
				continue
			}
			live = append(live, link)
			if link.TrackingTag == lineage.TagApproved {
				approved++
			}
			if link.HasMetrics && link.SqDisp > l.cfg.DivisionMotionThreshold {
				fast = true
			}
		}
		acceptable := 1
		if fast {
			acceptable = max(l.cfg.MaxEdges, 1)
		}
		if approved >= acceptable {
			continue
		}

		d := &decision{candidate: c, depth: depth, sqDist: nb.SqDist, sqDisp: motion}
		if len(live) >= acceptable {
			victim, victimDist, ok := l.pickVictim(v, live)
			// Ties keep the existing link.
			if !ok || nb.SqDist >= victimDist {
				continue
			}
			d.victim = victim
		}
		return d
	}
	return nil
}

// pickVictim returns the non-approved link with the greatest squared
// distance.
func (l *Linker) pickVictim(v lineage.View, links []lineage.Link) (lineage.LinkID, float64, bool) {
	var (
		best     lineage.LinkID
		bestDist = math.Inf(-1)
		found    bool
	)
	for _, link := range links {
		if link.TrackingTag == lineage.TagApproved {
			continue
		}
		d, ok := l.linkDistance(v, link)
		if !ok {
			continue
		}
		if d > bestDist {
			best, bestDist, found = link.ID, d, true
		}
	}
	return best, bestDist, found
}

// linkDistance returns the squared distance recorded when the link was
// created. Links without recorded metrics fall back to live geometry.
// Links created from the target's own position record SqDisp equal to
// SqDist; for those the cached value is checked against live geometry and
// a disagreement is logged and counted, but the cached value still wins.
func (l *Linker) linkDistance(v lineage.View, link lineage.Link) (float64, bool) {
	src, okS := v.Spot(link.Source)
	dst, okD := v.Spot(link.Target)
	if !okS || !okD {
		if link.HasMetrics {
			return link.SqDist, true
		}
		return 0, false
	}
	live := geometry.SquaredDistance(src.Pos, dst.Pos)
	if !link.HasMetrics {
		return live, true
	}
	if link.SqDisp == link.SqDist && math.Abs(live-link.SqDist) > mismatchTolerance*(1+math.Max(live, link.SqDist)) {
		monitoring.Logf("[linking] link %v: cached squared distance %g disagrees with live %g; using cached",
			link.ID, link.SqDist, live)
		l.metrics.DistanceMismatch()
	}
	return link.SqDist, true
}

// apply performs d under the write lock after re-validating every handle.
// It reports whether the graph changed.
func (l *Linker) apply(ps *pass, q query, d *decision, interp bool) bool {
	var created, interpolatedSpots int
	err := l.graph.Update(func(tx *lineage.Tx) error {
		if !tx.SpotAlive(q.id) || len(tx.Incoming(q.id)) > 0 {
			return fmt.Errorf("spot %v: %w", q.id, lineage.ErrSpotNotFound)
		}
		c, ok := tx.Spot(d.candidate.ID)
		if !ok {
			return fmt.Errorf("candidate %v: %w", d.candidate.ID, lineage.ErrSpotNotFound)
		}
		if d.victim != 0 && !tx.LinkAlive(d.victim) {
			return fmt.Errorf("evicted %v: %w", d.victim, lineage.ErrLinkNotFound)
		}

		if interp {
			s, _ := tx.Spot(q.id)
			// A flow query already sits at t-1. Otherwise place the new
			// spot on the segment from s to the candidate.
			pos, cov := q.p, q.cov
			if !q.flow {
				w := 1 / float64(ps.t-c.Timepoint)
				pos = geometry.Lerp(s.Pos, c.Pos, w)
				cov = geometry.LerpCov(s.Cov, c.Cov, w)
			}
			mid, err := tx.AddSpot(ps.t-1, pos, cov)
			if err != nil {
				return err
			}
			interpolatedSpots++
			in, err := tx.AddLink(c.ID, mid.ID)
			if err != nil {
				return err
			}
			created++
			sq := geometry.SquaredDistance(c.Pos, pos)
			if err := tx.SetLinkMetrics(in.ID, sq, sq); err != nil {
				return err
			}
			out, err := tx.AddLink(mid.ID, q.id)
			if err != nil {
				return err
			}
			created++
			sq = geometry.SquaredDistance(pos, s.Pos)
			disp := sq
			if q.flow {
				disp = q.sqDisp
			}
			return tx.SetLinkMetrics(out.ID, sq, disp)
		}

		link, err := tx.AddLink(c.ID, q.id)
		if err != nil {
			return err
		}
		created++
		return tx.SetLinkMetrics(link.ID, d.sqDist, d.sqDisp)
	})
	if created > 0 || interpolatedSpots > 0 {
		ps.changed = true
		ps.report.Created += created
		ps.report.Interpolated += interpolatedSpots
		l.metrics.LinkCreated(created)
		for range interpolatedSpots {
			l.metrics.SpotInterpolated()
		}
	}
	if err != nil {
		monitoring.Logf("[linking] t=%d spot %v: skipped: %v", ps.t, q.id, err)
		return false
	}
	if d.victim != 0 {
		ps.queueRemoval(d.victim)
		ps.changed = true
	}
	return true
}

// applyRemovals deletes the links evicted during the pass.
func (l *Linker) applyRemovals(ps *pass) {
	if len(ps.order) == 0 {
		return
	}
	removed := 0
	err := l.graph.Update(func(tx *lineage.Tx) error {
		for _, id := range ps.order {
			link, ok := tx.Link(id)
			if !ok || !tx.SpotAlive(link.Source) || !tx.SpotAlive(link.Target) {
				monitoring.Logf("[linking] t=%d: evicted link %v already gone", ps.t, id)
				continue
			}
			if err := tx.RemoveLink(id); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		monitoring.Logf("[linking] t=%d: applying removals: %v", ps.t, err)
	}
	ps.report.Evicted += removed
	l.metrics.LinkEvicted(removed)
}
