package linking

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/lineage/spatial"
	"github.com/banshee-data/lineage/internal/prediction"
)

type fixture struct {
	graph *lineage.Graph
	index *spatial.Index
	undo  *lineage.MemoryUndoLog
	base  int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	undo := &lineage.MemoryUndoLog{}
	return &fixture{
		graph: lineage.NewGraph(lineage.WithUndoRecorder(undo)),
		index: spatial.NewIndex(),
		undo:  undo,
	}
}

// settle closes the setup batch so later undo points only cover the
// engine's own work.
func (f *fixture) settle(t *testing.T) {
	t.Helper()
	_, _, err := f.graph.CommitUndoPoint(uuid.Nil, "setup")
	require.NoError(t, err)
	f.base = f.undo.Len()
}

// points returns the undo points recorded since settle.
func (f *fixture) points() []lineage.UndoPoint {
	return f.undo.Points()[f.base:]
}

func (f *fixture) labels() []string {
	var out []string
	for _, p := range f.points() {
		out = append(out, p.Label)
	}
	return out
}

func (f *fixture) numLinks() int {
	var n int
	f.graph.Read(func(v lineage.View) { n = v.NumLinks() })
	return n
}

func (f *fixture) spot(id lineage.SpotID) lineage.Spot {
	var s lineage.Spot
	f.graph.Read(func(v lineage.View) { s, _ = v.Spot(id) })
	return s
}

func (f *fixture) outgoingTargets(id lineage.SpotID) []lineage.SpotID {
	var out []lineage.SpotID
	f.graph.Read(func(v lineage.View) {
		for _, lid := range v.Outgoing(id) {
			l, _ := v.Link(lid)
			out = append(out, l.Target)
		}
	})
	return out
}

// fakePredictor is a scripted prediction.Client.
type fakePredictor struct {
	mu         sync.Mutex
	flow       func(prediction.FlowRequest) (prediction.FlowResponse, error)
	detect     func(prediction.DetectionRequest) (prediction.DetectionResponse, error)
	flowReqs   []prediction.FlowRequest
	detectReqs []prediction.DetectionRequest
}

func (f *fakePredictor) PredictFlow(_ context.Context, req prediction.FlowRequest) (prediction.FlowResponse, error) {
	f.mu.Lock()
	f.flowReqs = append(f.flowReqs, req)
	f.mu.Unlock()
	if f.flow == nil {
		return prediction.FlowResponse{}, nil
	}
	return f.flow(req)
}

func (f *fakePredictor) PredictDetection(_ context.Context, req prediction.DetectionRequest) (prediction.DetectionResponse, error) {
	f.mu.Lock()
	f.detectReqs = append(f.detectReqs, req)
	f.mu.Unlock()
	if f.detect == nil {
		return prediction.DetectionResponse{Completed: true}, nil
	}
	return f.detect(req)
}
