package linking

import (
	"context"
	"fmt"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/monitoring"
	"github.com/banshee-data/lineage/internal/prediction"
)

// StopReason says why a backward correction run ended.
type StopReason string

const (
	ReasonReachedFirstTimepoint StopReason = "reached-first-timepoint"
	ReasonTargetNotFound        StopReason = "target-not-found"
	ReasonTargetHasIncoming     StopReason = "target-has-incoming-edge"
	ReasonAborted               StopReason = "aborted"
	ReasonSpotRemoved           StopReason = "spot-removed"
	ReasonAlreadyLinked         StopReason = "already-linked"
	ReasonPredictionFailed      StopReason = "prediction-failed"
)

// Outcome summarises a backward correction run.
type Outcome struct {
	Start  lineage.SpotID
	Last   lineage.SpotID // earliest spot of the extended track
	Reason StopReason
	Steps  int // links created
	Added  int // spots created from detections or interpolation
}

type state int

const (
	statePredict state = iota
	stateLocalSearch
	stateRecover
	stateLink
	stateStop
)

// step is the working state carried between transitions.
type step struct {
	cur    lineage.Spot
	p      geometry.Vec3
	cov    geometry.Cov3
	sqDisp float64

	// Target chosen by LocalSearch (existing) or Recover (new).
	existing lineage.SpotID
	newPos   geometry.Vec3
	newCov   geometry.Cov3
	sqDist   float64
}

// BackwardCorrector extends a single track backwards in time.
type BackwardCorrector struct {
	graph     GraphAccess
	index     SpatialIndexAccess
	predictor prediction.Client
	cfg       Config
	metrics   *monitoring.Metrics
}

// NewBackwardCorrector creates a BackwardCorrector. predictor must be
// non-nil; the Recover state always needs it.
func NewBackwardCorrector(g GraphAccess, idx SpatialIndexAccess, predictor prediction.Client, cfg Config, m *monitoring.Metrics) *BackwardCorrector {
	return &BackwardCorrector{graph: g, index: idx, predictor: predictor, cfg: cfg, metrics: m}
}

// Run extends the track ending at start backwards one timepoint per step
// until a stop condition is met. Normal stops return a nil error; a
// failed prediction call returns ReasonPredictionFailed with the error.
func (b *BackwardCorrector) Run(ctx context.Context, ec *EngineContext, start lineage.SpotID) (Outcome, error) {
	out := Outcome{Start: start, Last: start}
	var st step

	stop := func(r StopReason) state {
		out.Reason = r
		b.metrics.BackwardStep(string(r))
		if r == ReasonAborted {
			ec.signalAborted()
		}
		return stateStop
	}

	var (
		s       = statePredict
		initial = true
		err     error
	)
	for s != stateStop {
		switch s {
		case statePredict:
			cur, alive, linked := b.current(out.Last)
			switch {
			case !alive:
				s = stop(ReasonSpotRemoved)
				continue
			case initial && linked:
				s = stop(ReasonAlreadyLinked)
				continue
			case cur.Timepoint <= 0:
				s = stop(ReasonReachedFirstTimepoint)
				continue
			case ec.Aborted(ctx):
				s = stop(ReasonAborted)
				continue
			}
			initial = false
			st = step{cur: cur, p: cur.Pos, cov: cur.Cov}
			if b.cfg.UseOpticalFlow {
				if err = b.predict(ctx, &st); err != nil {
					s = stop(ReasonPredictionFailed)
					continue
				}
			}
			s = stateLocalSearch

		case stateLocalSearch:
			if b.localSearch(&st) {
				s = stateLink
			} else {
				s = stateRecover
			}

		case stateRecover:
			if ec.Aborted(ctx) {
				s = stop(ReasonAborted)
				continue
			}
			var found bool
			if found, err = b.recoverTarget(ctx, &st); err != nil {
				s = stop(ReasonPredictionFailed)
				continue
			}
			if !found {
				s = stop(ReasonTargetNotFound)
				continue
			}
			s = stateLink

		case stateLink:
			target, added, reason := b.link(&st)
			if reason != "" {
				s = stop(reason)
				continue
			}
			out.Steps++
			out.Added += added
			out.Last = target
			b.metrics.BackwardStep("linked")
			if _, _, cerr := b.graph.CommitUndoPoint(ec.RunID, fmt.Sprintf("backward t=%d", st.cur.Timepoint)); cerr != nil {
				monitoring.Logf("[backward] %v", cerr)
			}
			if ec.Aborted(ctx) {
				s = stop(ReasonAborted)
				continue
			}
			s = statePredict
		}
	}

	monitoring.Debugf("[backward] run %s from %v: %s after %d steps", ec.RunID, start, out.Reason, out.Steps)
	if err != nil {
		return out, fmt.Errorf("backward correction from %v: %w", start, err)
	}
	return out, nil
}

// current reads the spot the track currently starts at.
func (b *BackwardCorrector) current(id lineage.SpotID) (s lineage.Spot, alive, linked bool) {
	b.graph.Read(func(v lineage.View) {
		s, alive = v.Spot(id)
		linked = alive && len(v.Incoming(id)) > 0
	})
	return s, alive, linked
}

// predict is called without any graph lock held.
func (b *BackwardCorrector) predict(ctx context.Context, st *step) error {
	resp, err := b.predictor.PredictFlow(ctx, prediction.FlowRequest{
		Timepoint: st.cur.Timepoint,
		Spots:     []prediction.FlowSpot{{ID: uint64(st.cur.ID), Pos: st.cur.Pos, Covariance: st.cur.Cov}},
	})
	if err != nil {
		return err
	}
	if r, ok := resp.ByID()[uint64(st.cur.ID)]; ok {
		st.p = r.Pos
		st.cov = shapeOr(r.Covariance, st.cur.Cov, fmt.Sprintf("flow for spot %v", st.cur.ID))
		st.sqDisp = r.SqDisp
	}
	return nil
}

// localSearch accepts the nearest spot at t-1 when it is within the
// threshold and still has room for another successor.
func (b *BackwardCorrector) localSearch(st *step) bool {
	accepted := false
	b.graph.Read(func(v lineage.View) {
		nb, ok := b.index.At(v, st.cur.Timepoint-1).Nearest(st.p)
		if !ok || nb.SqDist >= b.cfg.sqThreshold() {
			return
		}
		c, ok := v.Spot(nb.ID)
		if !ok || b.cfg.excluded(c.DetectionTag) || len(v.Outgoing(nb.ID)) >= b.cfg.MaxEdges {
			return
		}
		st.existing = nb.ID
		st.sqDist = nb.SqDist
		accepted = true
	})
	return accepted
}

// recoverTarget asks the detection service for candidates around p at t-1 and
// falls back to a synthesised spot when interpolation is enabled. It is
// called without any graph lock held.
func (b *BackwardCorrector) recoverTarget(ctx context.Context, st *step) (bool, error) {
	t := st.cur.Timepoint - 1
	resp, err := b.predictor.PredictDetection(ctx, prediction.DetectionRequest{
		Pos:        st.p,
		Covariance: st.cov,
		Timepoint:  t,
		CropBox:    geometry.CropAround(st.p, b.cfg.CropBoxHalfSize),
	})
	if err != nil {
		return false, err
	}

	best, bestDist := -1, 0.0
	for i, d := range resp.Spots {
		if d.T != t {
			continue
		}
		if err := d.Covariance.Validate(); err != nil {
			monitoring.Logf("[backward] t=%d: ignoring detection at %v: %v", t, d.Pos, err)
			continue
		}
		if sq := geometry.SquaredDistance(d.Pos, st.p); best < 0 || sq < bestDist {
			best, bestDist = i, sq
		}
	}
	st.existing = 0
	switch {
	case best >= 0 && bestDist < b.cfg.sqThreshold():
		st.newPos = resp.Spots[best].Pos
		st.newCov = resp.Spots[best].Covariance
		st.sqDist = bestDist
		return true, nil
	case b.cfg.UseInterpolation:
		st.newPos = st.p
		st.newCov = st.cov
		st.sqDist = 0
		return true, nil
	}
	monitoring.Debugf("[backward] t=%d: no detection near %v (%d returned, completed=%t)", t, st.p, len(resp.Spots), resp.Completed)
	return false, nil
}

// link applies the chosen target under the write lock. An existing target
// that already has a predecessor stops the run without any mutation.
func (b *BackwardCorrector) link(st *step) (lineage.SpotID, int, StopReason) {
	var (
		target lineage.SpotID
		added  int
		reason StopReason
	)
	err := b.graph.Update(func(tx *lineage.Tx) error {
		if !tx.SpotAlive(st.cur.ID) {
			reason = ReasonSpotRemoved
			return nil
		}
		if len(tx.Incoming(st.cur.ID)) > 0 {
			reason = ReasonAlreadyLinked
			return nil
		}
		tag := lineage.TagUnlabeled
		if st.existing != 0 {
			existing, ok := tx.Spot(st.existing)
			if !ok {
				reason = ReasonTargetNotFound
				return nil
			}
			if len(tx.Incoming(st.existing)) > 0 {
				reason = ReasonTargetHasIncoming
				return nil
			}
			target = existing.ID
			if existing.TrackingTag == lineage.TagApproved {
				tag = lineage.TagApproved
			}
		} else {
			s, err := tx.AddSpot(st.cur.Timepoint-1, st.newPos, st.newCov)
			if err != nil {
				return err
			}
			target = s.ID
			added++
		}

		link, err := tx.AddLink(target, st.cur.ID)
		if err != nil {
			return err
		}
		if err := tx.SetLinkTag(link.ID, tag); err != nil {
			return err
		}
		sqDisp := st.sqDisp
		if !b.cfg.UseOpticalFlow {
			sqDisp = st.sqDist
		}
		return tx.SetLinkMetrics(link.ID, st.sqDist, sqDisp)
	})
	if err != nil {
		monitoring.Logf("[backward] t=%d spot %v: %v", st.cur.Timepoint, st.cur.ID, err)
		return 0, added, ReasonSpotRemoved
	}
	if reason != "" {
		return 0, 0, reason
	}
	b.metrics.LinkCreated(1)
	return target, added, ""
}
