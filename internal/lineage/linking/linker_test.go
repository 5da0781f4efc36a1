package linking

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lineage/internal/config"
	"github.com/banshee-data/lineage/internal/geometry"
	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/monitoring"
	"github.com/banshee-data/lineage/internal/prediction"
	"github.com/banshee-data/lineage/internal/testutil"
)

func TestLinkNearestPredecessor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0), testutil.At(0, 10, 0, 0),
		testutil.At(1, 1, 0, 0), testutil.At(1, 11, 0, 0),
		testutil.At(1, 50, 0, 0), // beyond the threshold
	)
	f.settle(t)
	linker := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil)

	rep, err := linker.LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)
	assert.Equal(t, LinkReport{Timepoint: 1, Passes: 2, Created: 2, Unresolved: 1}, rep)

	src, ok := testutil.Predecessor(f.graph, ids[2])
	require.True(t, ok)
	assert.Equal(t, ids[0], src)
	src, ok = testutil.Predecessor(f.graph, ids[3])
	require.True(t, ok)
	assert.Equal(t, ids[1], src)
	_, ok = testutil.Predecessor(f.graph, ids[4])
	assert.False(t, ok)

	f.graph.Read(func(v lineage.View) {
		l, _ := v.Link(v.Incoming(ids[2])[0])
		assert.True(t, l.HasMetrics)
		assert.Equal(t, 1.0, l.SqDist)
		assert.Equal(t, lineage.TagUnlabeled, l.TrackingTag)
	})

	assert.Equal(t, []string{"linking t=1 pass=1"}, f.labels())
	testutil.AssertForest(t, f.graph)
}

func TestLinkThresholdRespected(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),
		testutil.At(1, 3, 0, 0),
		testutil.At(1, 0, 2.9, 0),
		testutil.At(1, 0, 0, 3.1),
	)
	cfg := DefaultConfig()
	cfg.DistanceThreshold = 3

	_, err := NewLinker(f.graph, f.index, nil, cfg, nil).LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	f.graph.Read(func(v lineage.View) {
		require.NotZero(t, v.NumLinks())
		for _, lid := range v.Links() {
			l, _ := v.Link(lid)
			assert.LessOrEqual(t, l.SqDist, cfg.DistanceThreshold*cfg.DistanceThreshold)
		}
	})
}

func TestEvictionPrefersCloserCandidate(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),   // A
		testutil.At(1, 0.9, 0, 0), // X, currently A's successor
		testutil.At(1, 0.1, 0, 0), // Y, closer
	)
	a, x, y := ids[0], ids[1], ids[2]
	testutil.Link(t, f.graph, a, x, true)

	rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.Passes)
	assert.Equal(t, 1, rep.Created)
	assert.Equal(t, 1, rep.Evicted)
	assert.Equal(t, 1, rep.Unresolved)
	assert.Equal(t, []lineage.SpotID{y}, f.outgoingTargets(a))
	_, ok := testutil.Predecessor(f.graph, x)
	assert.False(t, ok, "evicted target is unresolved")

	// The winner is never farther than the evicted target.
	winner := geometry.SquaredDistance(f.spot(a).Pos, f.spot(y).Pos)
	loser := geometry.SquaredDistance(f.spot(a).Pos, f.spot(x).Pos)
	assert.LessOrEqual(t, winner, loser)
	testutil.AssertForest(t, f.graph)
}

func TestEvictionGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		newPos   geometry.Vec3
		approved bool
	}{
		{"tie keeps existing link", geometry.Vec3{-0.9, 0, 0}, false},
		{"approved link is never evicted", geometry.Vec3{0.1, 0, 0}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			ids := testutil.AddSpots(t, f.graph,
				testutil.At(0, 0, 0, 0),
				testutil.At(1, 0.9, 0, 0),
				testutil.SpotSpec{T: 1, Pos: tt.newPos},
			)
			lid := testutil.Link(t, f.graph, ids[0], ids[1], true)
			if tt.approved {
				require.NoError(t, f.graph.Update(func(tx *lineage.Tx) error {
					return tx.SetLinkTag(lid, lineage.TagApproved)
				}))
			}
			f.settle(t)

			rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
				LinkTimepoint(context.Background(), NewEngineContext(), 1)
			require.NoError(t, err)
			assert.Zero(t, rep.Created)
			assert.Zero(t, rep.Evicted)
			assert.Equal(t, []lineage.SpotID{ids[1]}, f.outgoingTargets(ids[0]))
			assert.Empty(t, f.points(), "no mutation, no undo point")
		})
	}
}

func TestDivisionAllowsMaxEdges(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),   // A
		testutil.At(1, 2, 0, 0),   // X, d²=4
		testutil.At(1, 0, 2, 0),   // Y, d²=4
		testutil.At(1, 0, 0, 1.5), // Z, d²=2.25
	)
	a, x, y, z := ids[0], ids[1], ids[2], ids[3]

	rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	// X and Y fill A's two slots; Z steals X's slot; X cannot win it back.
	assert.ElementsMatch(t, []lineage.SpotID{y, z}, f.outgoingTargets(a))
	_, ok := testutil.Predecessor(f.graph, x)
	assert.False(t, ok)
	assert.Equal(t, 3, rep.Created)
	assert.Equal(t, 1, rep.Evicted)
	assert.Equal(t, 1, rep.Unresolved)
	testutil.AssertForest(t, f.graph)
}

func TestSlowCandidateAcceptsOneSuccessor(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),
		testutil.At(1, 0.5, 0, 0),
		testutil.At(1, 0, 0.6, 0),
	)
	_, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	// Both motions are below the division threshold, so A keeps only the
	// closer successor.
	assert.Equal(t, []lineage.SpotID{ids[1]}, f.outgoingTargets(ids[0]))
}

func TestInterpolationBridgesGap(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(10, 100, 100, 100), // S
		testutil.At(8, 101, 101, 100),  // P
	)
	s, p := ids[0], ids[1]
	cfg := DefaultConfig()
	cfg.DistanceThreshold = 5
	cfg.SearchDepth = 2
	cfg.UseInterpolation = true
	metrics := monitoring.NewMetrics(nil)

	rep, err := NewLinker(f.graph, f.index, nil, cfg, metrics).
		LinkTimepoint(context.Background(), NewEngineContext(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Interpolated)
	assert.Equal(t, 2, rep.Created)

	var mid lineage.Spot
	f.graph.Read(func(v lineage.View) {
		at9 := v.SpotsAt(9)
		require.Len(t, at9, 1)
		mid, _ = v.Spot(at9[0])
		assert.Len(t, v.Incoming(s), 1)
	})
	assert.InDelta(t, 100.5, mid.Pos[0], 1e-9)
	assert.InDelta(t, 100.5, mid.Pos[1], 1e-9)
	assert.InDelta(t, 100.0, mid.Pos[2], 1e-9)
	assert.Equal(t, lineage.TagUnlabeled, mid.DetectionTag)
	assert.Equal(t, lineage.TagUnlabeled, mid.TrackingTag)

	assert.Equal(t, []lineage.SpotID{mid.ID}, f.outgoingTargets(p))
	assert.Equal(t, []lineage.SpotID{s}, f.outgoingTargets(mid.ID))
	testutil.AssertForest(t, f.graph)
}

func TestGapWithoutInterpolationLinksDirectly(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(10, 100, 100, 100),
		testutil.At(8, 101, 101, 100),
	)
	cfg := DefaultConfig()
	cfg.SearchDepth = 2

	_, err := NewLinker(f.graph, f.index, nil, cfg, nil).LinkTimepoint(context.Background(), NewEngineContext(), 10)
	require.NoError(t, err)
	src, ok := testutil.Predecessor(f.graph, ids[0])
	require.True(t, ok)
	assert.Equal(t, ids[1], src)
}

func TestInterpolationWithOpticalFlow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		flowCov geometry.Cov3
		wantCov geometry.Cov3
	}{
		{"predicted shape", geometry.Isotropic(2), geometry.Isotropic(2)},
		{"asymmetric shape falls back", geometry.Cov3{1, 5, 0, 0, 1, 0, 0, 0, 1}, geometry.DefaultCovariance},
		{"negative eigenvalue falls back", geometry.Cov3{-1, 0, 0, 0, 1, 0, 0, 0, 1}, geometry.DefaultCovariance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t)
			ids := testutil.AddSpots(t, f.graph,
				testutil.At(10, 100, 0, 0), // S
				testutil.At(8, 96, 0, 0),   // P
			)
			s, p := ids[0], ids[1]
			fp := &fakePredictor{flow: func(req prediction.FlowRequest) (prediction.FlowResponse, error) {
				var resp prediction.FlowResponse
				for _, sp := range req.Spots {
					resp.Spots = append(resp.Spots, prediction.FlowResult{
						ID: sp.ID, Pos: geometry.Vec3{98, 0, 0}, Covariance: tt.flowCov, SqDisp: 4,
					})
				}
				return resp, nil
			}}
			cfg := DefaultConfig()
			cfg.DistanceThreshold = 5
			cfg.SearchDepth = 2
			cfg.UseInterpolation = true
			cfg.UseOpticalFlow = true
			metrics := monitoring.NewMetrics(nil)
			linker := NewLinker(f.graph, f.index, fp, cfg, metrics)

			rep, err := linker.LinkTimepoint(context.Background(), NewEngineContext(), 10)
			require.NoError(t, err)
			assert.Equal(t, 1, rep.Interpolated)

			var mid lineage.Spot
			f.graph.Read(func(v lineage.View) {
				at9 := v.SpotsAt(9)
				require.Len(t, at9, 1)
				mid, _ = v.Spot(at9[0])
			})
			// The flow prediction is already a t=9 position.
			assert.Equal(t, geometry.Vec3{98, 0, 0}, mid.Pos)
			assert.Equal(t, tt.wantCov, mid.Cov)
			assert.Equal(t, []lineage.SpotID{mid.ID}, f.outgoingTargets(p))
			assert.Equal(t, []lineage.SpotID{s}, f.outgoingTargets(mid.ID))

			f.graph.Read(func(v lineage.View) {
				out, _ := v.Link(v.Incoming(s)[0])
				assert.Equal(t, 4.0, out.SqDist, "measured against the target's own position")
				assert.Equal(t, 4.0, out.SqDisp)
				for _, lid := range v.Links() {
					link, _ := v.Link(lid)
					_, ok := linker.linkDistance(v, link)
					assert.True(t, ok)
				}
			})
			assert.Zero(t, promtest.ToFloat64(metrics.DistanceMismatches()))
			testutil.AssertForest(t, f.graph)
		})
	}
}

func TestConvergedPassIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0), testutil.At(0, 5, 0, 0),
		testutil.At(1, 2, 0, 0), testutil.At(1, 0, 2, 0), testutil.At(1, 0, 0, 1.5),
		testutil.At(1, 5.2, 0, 0), testutil.At(1, 30, 0, 0),
	)
	linker := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil)

	_, err := linker.LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)
	links, points := f.numLinks(), f.undo.Len()

	rep, err := linker.LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)
	assert.Zero(t, rep.Created)
	assert.Zero(t, rep.Evicted)
	assert.Equal(t, links, f.numLinks())
	assert.Equal(t, points, f.undo.Len())
	testutil.AssertForest(t, f.graph)
}

func TestExcludedDetectionTags(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0), // false positive, nearest
		testutil.At(0, 3, 0, 0),
		testutil.At(1, 1, 0, 0),
		testutil.At(1, 40, 0, 0), // false positive, never linked
	)
	require.NoError(t, f.graph.Update(func(tx *lineage.Tx) error {
		if err := tx.SetSpotTags(ids[0], lineage.TagFalsePositive, lineage.TagUnlabeled); err != nil {
			return err
		}
		return tx.SetSpotTags(ids[3], lineage.TagFalsePositive, lineage.TagUnlabeled)
	}))

	rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)
	src, ok := testutil.Predecessor(f.graph, ids[2])
	require.True(t, ok)
	assert.Equal(t, ids[1], src)
	assert.Zero(t, rep.Unresolved)
}

func TestSearchNeighborsLimit(t *testing.T) {
	t.Parallel()

	for _, tt := range []struct {
		neighbors int
		linked    bool
	}{{1, false}, {2, true}} {
		f := newFixture(t)
		ids := testutil.AddSpots(t, f.graph,
			testutil.At(0, 0, 0, 0),
			testutil.At(0, 2, 0, 0),
			testutil.At(1, 0.5, 0, 0), // already owns A through an approved link
			testutil.At(1, 0.2, 0, 0),
		)
		lid := testutil.Link(t, f.graph, ids[0], ids[2], true)
		require.NoError(t, f.graph.Update(func(tx *lineage.Tx) error {
			return tx.SetLinkTag(lid, lineage.TagApproved)
		}))
		cfg := DefaultConfig()
		cfg.SearchNeighbors = tt.neighbors

		_, err := NewLinker(f.graph, f.index, nil, cfg, nil).LinkTimepoint(context.Background(), NewEngineContext(), 1)
		require.NoError(t, err)
		src, ok := testutil.Predecessor(f.graph, ids[3])
		assert.Equal(t, tt.linked, ok, "neighbors=%d", tt.neighbors)
		if ok {
			assert.Equal(t, ids[1], src)
		}
	}
}

func TestOpticalFlowShiftsQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),
		testutil.At(0, 9, 0, 0),
		testutil.At(1, 10, 0, 0),
	)
	fp := &fakePredictor{flow: func(req prediction.FlowRequest) (prediction.FlowResponse, error) {
		var resp prediction.FlowResponse
		for _, s := range req.Spots {
			resp.Spots = append(resp.Spots, prediction.FlowResult{
				ID: s.ID, Pos: geometry.Vec3{0.5, 0, 0}, Covariance: s.Covariance, SqDisp: 90.25,
			})
		}
		return resp, nil
	}}
	cfg := DefaultConfig()
	cfg.UseOpticalFlow = true

	_, err := NewLinker(f.graph, f.index, fp, cfg, nil).LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	src, ok := testutil.Predecessor(f.graph, ids[2])
	require.True(t, ok)
	assert.Equal(t, ids[0], src, "flow moves the query next to the far spot")
	require.Len(t, fp.flowReqs, 1)
	assert.Equal(t, 1, fp.flowReqs[0].Timepoint)

	f.graph.Read(func(v lineage.View) {
		l, _ := v.Link(v.Incoming(ids[2])[0])
		assert.Equal(t, 0.25, l.SqDist)
		assert.Equal(t, 90.25, l.SqDisp)
	})
}

func TestOpticalFlowFailureAbortsTimepoint(t *testing.T) {
	t.Parallel()

	srv := testutil.NewPredictionServer()
	defer srv.Close()
	srv.Flow = func(prediction.FlowRequest) (prediction.FlowResponse, int) {
		return prediction.FlowResponse{}, http.StatusInternalServerError
	}
	client := prediction.NewRemoteClient(nil, prediction.Options{BaseURL: srv.URL}, nil)

	f := newFixture(t)
	testutil.AddSpots(t, f.graph, testutil.At(0, 0, 0, 0), testutil.At(1, 1, 0, 0))
	f.settle(t)
	cfg := DefaultConfig()
	cfg.UseOpticalFlow = true

	_, err := NewLinker(f.graph, f.index, client, cfg, nil).LinkTimepoint(context.Background(), NewEngineContext(), 1)
	var re *prediction.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	assert.Zero(t, f.numLinks())
	assert.Empty(t, f.points())
}

func TestCachedDistanceIsAuthoritative(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),
		testutil.At(1, 0.5, 0, 0),
		testutil.At(1, 0.6, 0, 0),
	)
	testutil.Link(t, f.graph, ids[0], ids[1], true) // cached 0.25
	require.NoError(t, f.graph.Update(func(tx *lineage.Tx) error {
		return tx.SetSpotShape(ids[1], geometry.Vec3{0.9, 0, 0}, geometry.DefaultCovariance)
	}))
	metrics := monitoring.NewMetrics(nil)

	rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), metrics).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)

	// Live geometry (0.81) would lose to 0.36; the cached 0.25 wins.
	assert.Zero(t, rep.Evicted)
	assert.Equal(t, []lineage.SpotID{ids[1]}, f.outgoingTargets(ids[0]))
	assert.Equal(t, 1.0, promtest.ToFloat64(metrics.DistanceMismatches()))
}

func TestLinksWithoutMetricsUseLiveDistance(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0),
		testutil.At(1, 0.9, 0, 0),
		testutil.At(1, 0.1, 0, 0),
	)
	testutil.Link(t, f.graph, ids[0], ids[1], false)

	rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		LinkTimepoint(context.Background(), NewEngineContext(), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Evicted)
	assert.Equal(t, []lineage.SpotID{ids[2]}, f.outgoingTargets(ids[0]))
}

func TestLinkerAbort(t *testing.T) {
	t.Parallel()

	t.Run("before start", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		testutil.AddSpots(t, f.graph, testutil.At(0, 0, 0, 0), testutil.At(1, 0, 0, 0))
		ec := NewEngineContext()
		ec.Abort()

		_, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).LinkTimepoint(context.Background(), ec, 1)
		assert.ErrorIs(t, err, ErrAborted)
		assert.Zero(t, f.numLinks())
	})

	t.Run("context cancelled", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		testutil.AddSpots(t, f.graph, testutil.At(0, 0, 0, 0), testutil.At(1, 0, 0, 0))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).LinkTimepoint(ctx, NewEngineContext(), 1)
		assert.ErrorIs(t, err, ErrAborted)
	})

	t.Run("mid pass", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		testutil.AddSpots(t, f.graph,
			testutil.At(0, 0, 0, 0), testutil.At(0, 10, 0, 0),
			testutil.At(1, 0, 0, 0), testutil.At(1, 10, 0, 0),
		)
		f.settle(t)
		ec := NewEngineContext()
		var signalled []uuid.UUID
		ec.OnAborted = func(id uuid.UUID) { signalled = append(signalled, id) }
		f.graph.AddListener(lineage.ListenerFunc(func(c lineage.GraphChange) {
			if c.LinksAdded > 0 {
				ec.Abort()
			}
		}))

		rep, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).LinkTimepoint(context.Background(), ec, 1)
		require.ErrorIs(t, err, ErrAborted)
		assert.Equal(t, 1, rep.Created)
		assert.Equal(t, 1, rep.Unresolved)
		assert.Equal(t, []uuid.UUID{ec.RunID}, signalled)
		assert.Len(t, f.points(), 1, "work done before the abort is committed")
		testutil.AssertForest(t, f.graph)
	})
}

func TestRunProcessesTimepointsInDecreasingOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ids := testutil.AddSpots(t, f.graph,
		testutil.At(0, 0, 0, 0), testutil.At(1, 0.5, 0, 0),
		testutil.At(2, 1, 0, 0), testutil.At(3, 1.5, 0, 0),
	)
	f.settle(t)

	reports, err := NewLinker(f.graph, f.index, nil, DefaultConfig(), nil).
		Run(context.Background(), NewEngineContext(), 0, 3)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for i, want := range []int{3, 2, 1} {
		assert.Equal(t, want, reports[i].Timepoint)
	}

	f.graph.Read(func(v lineage.View) {
		root, _ := lineage.Root(v, ids[3])
		assert.Equal(t, ids[0], root)
	})
	assert.Equal(t, []string{"linking t=3 pass=1", "linking t=2 pass=1", "linking t=1 pass=1"}, f.labels())
}

func TestConfigFromTuning(t *testing.T) {
	t.Parallel()

	cfg := config.EmptyTuningConfig()
	cfg.ExcludedDetectionTags = []string{"false-positive", "true-negative"}
	c, err := ConfigFromTuning(cfg)
	require.NoError(t, err)
	assert.Equal(t, []lineage.Tag{lineage.TagFalsePositive, lineage.TagTrueNegative}, c.ExcludedDetectionTags)
	assert.Equal(t, 5, c.MaxPasses)
	assert.Equal(t, 16, c.CropBoxHalfSize)

	cfg.ExcludedDetectionTags = []string{"bogus"}
	_, err = ConfigFromTuning(cfg)
	assert.True(t, errors.Is(err, lineage.ErrUnknownTag))
}
