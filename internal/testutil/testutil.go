// Package testutil provides shared test fixtures: small graph builders
// and a fake prediction service.
package testutil

import (
	"testing"

	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
)

// SpotSpec describes one spot to create.
type SpotSpec struct {
	T   int
	Pos geometry.Vec3
}

// At is shorthand for a SpotSpec with the default covariance.
func At(t int, x, y, z float64) SpotSpec {
	return SpotSpec{T: t, Pos: geometry.Vec3{x, y, z}}
}

// AddSpots creates the given spots in one update and returns their IDs in
// the same order.
func AddSpots(tb testing.TB, g *lineage.Graph, specs ...SpotSpec) []lineage.SpotID {
	tb.Helper()
	ids := make([]lineage.SpotID, 0, len(specs))
	err := g.Update(func(tx *lineage.Tx) error {
		for _, s := range specs {
			spot, err := tx.AddSpot(s.T, s.Pos, geometry.DefaultCovariance)
			if err != nil {
				return err
			}
			ids = append(ids, spot.ID)
		}
		return nil
	})
	if err != nil {
		tb.Fatalf("add spots: %v", err)
	}
	return ids
}

// Link creates src -> dst, optionally recording creation metrics computed
// from the endpoints' positions, and returns the link ID.
func Link(tb testing.TB, g *lineage.Graph, src, dst lineage.SpotID, withMetrics bool) lineage.LinkID {
	tb.Helper()
	var id lineage.LinkID
	err := g.Update(func(tx *lineage.Tx) error {
		l, err := tx.AddLink(src, dst)
		if err != nil {
			return err
		}
		id = l.ID
		if !withMetrics {
			return nil
		}
		s, _ := tx.Spot(src)
		d, _ := tx.Spot(dst)
		sq := geometry.SquaredDistance(s.Pos, d.Pos)
		return tx.SetLinkMetrics(l.ID, sq, sq)
	})
	if err != nil {
		tb.Fatalf("link %v -> %v: %v", src, dst, err)
	}
	return id
}

// Predecessor returns the source of id's incoming link, if any.
func Predecessor(g *lineage.Graph, id lineage.SpotID) (lineage.SpotID, bool) {
	var (
		src lineage.SpotID
		ok  bool
	)
	g.Read(func(v lineage.View) {
		in := v.Incoming(id)
		if len(in) == 0 {
			return
		}
		var l lineage.Link
		if l, ok = v.Link(in[0]); ok {
			src = l.Source
		}
	})
	return src, ok
}

// AssertForest fails the test when the graph violates its structural
// invariants.
func AssertForest(tb testing.TB, g *lineage.Graph) {
	tb.Helper()
	var err error
	g.Read(func(v lineage.View) { err = lineage.CheckInvariants(v) })
	if err != nil {
		tb.Errorf("graph invariants violated: %v", err)
	}
}
