package lineage

import (
	"errors"
	"math"
	"slices"

	"github.com/banshee-data/lineage/internal/geometry"
)

// TrackStats summarises the lineage tree below one root spot.
type TrackStats struct {
	Root           SpotID
	Spots          int
	Links          int
	Divisions      int     // spots with more than one outgoing link
	Leaves         int     // spots with no outgoing link
	FirstTimepoint int
	LastTimepoint  int
	PathLength     float64 // sum of Euclidean link lengths
}

// Root follows incoming links from id back to the first spot of its track.
// It returns id unchanged when the spot has no predecessor and false when
// id is not live.
func Root(v View, id SpotID) (SpotID, bool) {
	if !v.SpotAlive(id) {
		return 0, false
	}
	// A forest has at most NumSpots ancestors; the bound stops a corrupted
	// graph from looping forever.
	for range v.NumSpots() {
		in := v.Incoming(id)
		if len(in) == 0 {
			return id, true
		}
		l, ok := v.Link(in[0])
		if !ok {
			return id, true
		}
		id = l.Source
	}
	return id, true
}

// Roots returns every spot without an incoming link, ordered by timepoint
// and then by insertion order within a timepoint.
func Roots(v View) []SpotID {
	var roots []SpotID
	for _, t := range v.Timepoints() {
		for _, id := range v.SpotsAt(t) {
			if len(v.Incoming(id)) == 0 {
				roots = append(roots, id)
			}
		}
	}
	return roots
}

// Descendants returns root and every spot reachable from it in depth-first
// pre-order. The traversal uses an explicit stack, so arbitrarily long
// lineages are safe.
func Descendants(v View, root SpotID) []SpotID {
	if !v.SpotAlive(root) {
		return nil
	}
	var out []SpotID
	seen := map[SpotID]struct{}{root: {}}
	stack := []SpotID{root}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		out = append(out, id)

		outgoing := v.Outgoing(id)
		// Push in reverse so the first outgoing link is visited first.
		for _, lid := range slices.Backward(outgoing) {
			l, ok := v.Link(lid)
			if !ok {
				continue
			}
			if _, dup := seen[l.Target]; dup {
				continue
			}
			seen[l.Target] = struct{}{}
			stack = append(stack, l.Target)
		}
	}
	return out
}

// TrackStatistics computes TrackStats for the lineage tree rooted at root.
func TrackStatistics(v View, root SpotID) (TrackStats, bool) {
	ids := Descendants(v, root)
	if len(ids) == 0 {
		return TrackStats{}, false
	}
	st := TrackStats{Root: root, FirstTimepoint: math.MaxInt, LastTimepoint: math.MinInt}
	for _, id := range ids {
		s, _ := v.Spot(id)
		st.Spots++
		st.FirstTimepoint = min(st.FirstTimepoint, s.Timepoint)
		st.LastTimepoint = max(st.LastTimepoint, s.Timepoint)

		out := v.Outgoing(id)
		switch {
		case len(out) == 0:
			st.Leaves++
		case len(out) > 1:
			st.Divisions++
		}
		for _, lid := range out {
			l, ok := v.Link(lid)
			if !ok {
				continue
			}
			t, ok := v.Spot(l.Target)
			if !ok {
				continue
			}
			st.Links++
			st.PathLength += math.Sqrt(geometry.SquaredDistance(s.Pos, t.Pos))
		}
	}
	return st, true
}

// AssignProgenitors numbers every track (a root with at least one
// outgoing link) from 1 in Roots order and maps each spot of the track to
// its number. Isolated spots are left out.
func AssignProgenitors(v View) map[SpotID]int {
	out := make(map[SpotID]int)
	n := 0
	for _, root := range Roots(v) {
		if len(v.Outgoing(root)) == 0 {
			continue
		}
		n++
		for _, id := range Descendants(v, root) {
			out[id] = n
		}
	}
	return out
}

// CheckInvariants verifies the forest structure of the graph: no self
// links, targets strictly later than sources, live endpoints and at most
// one incoming link per spot. All violations are joined into one error.
func CheckInvariants(v View) error {
	var errs []error
	for _, lid := range v.Links() {
		l, _ := v.Link(lid)
		if l.Source == l.Target {
			errs = append(errs, errors.Join(ErrSelfLink, errors.New(lid.String())))
			continue
		}
		src, okS := v.Spot(l.Source)
		dst, okD := v.Spot(l.Target)
		if !okS || !okD {
			errs = append(errs, errors.Join(ErrSpotNotFound, errors.New("dangling "+lid.String())))
			continue
		}
		if dst.Timepoint <= src.Timepoint {
			errs = append(errs, errors.Join(ErrTimeOrder, errors.New(lid.String())))
		}
	}
	for _, t := range v.Timepoints() {
		for _, id := range v.SpotsAt(t) {
			if len(v.Incoming(id)) > 1 {
				errs = append(errs, errors.Join(ErrHasIncoming, errors.New(id.String())))
			}
		}
	}
	return errors.Join(errs...)
}
