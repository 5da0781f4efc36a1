// Package linking implements the two track-building engines: the
// per-timepoint Linker, which attaches every unresolved spot to a
// predecessor by nearest-neighbour search with distance arbitration, and
// the BackwardCorrector, which extends one track backwards with help from
// the remote detection service.
//
// Both engines read the graph under its read lock, release it, and take
// the write lock only to apply a decision after re-validating every handle
// involved. No lock is held across a prediction call.
package linking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/lineage/internal/lineage"
	"github.com/banshee-data/lineage/internal/lineage/spatial"
)

// ErrAborted is returned when a run stops because it was aborted.
var ErrAborted = errors.New("aborted")

// GraphAccess is the graph capability the engines need. *lineage.Graph
// implements it.
type GraphAccess interface {
	Read(fn func(v lineage.View))
	Update(fn func(tx *lineage.Tx) error) error
	CommitUndoPoint(runID uuid.UUID, label string) (lineage.UndoPoint, bool, error)
}

// SpatialIndexAccess returns the nearest-neighbour snapshot of one
// timepoint. It is called with the graph read lock held. *spatial.Index
// implements it.
type SpatialIndexAccess interface {
	At(v lineage.View, t int) *spatial.Snapshot
}

// EngineContext carries the per-invocation state shared by an engine run
// and whoever may want to stop it.
type EngineContext struct {
	RunID uuid.UUID

	// OnAborted, when set, is called once when a run stops because of an
	// abort.
	OnAborted func(runID uuid.UUID)

	aborted atomic.Bool
	once    sync.Once
}

// NewEngineContext returns a context with a fresh run ID.
func NewEngineContext() *EngineContext {
	return &EngineContext{RunID: uuid.New()}
}

// Abort asks the run to stop at its next check.
func (ec *EngineContext) Abort() { ec.aborted.Store(true) }

// Aborted reports whether Abort was called or ctx is done.
func (ec *EngineContext) Aborted(ctx context.Context) bool {
	return ec.aborted.Load() || ctx.Err() != nil
}

func (ec *EngineContext) signalAborted() {
	ec.once.Do(func() {
		if ec.OnAborted != nil {
			ec.OnAborted(ec.RunID)
		}
	})
}
