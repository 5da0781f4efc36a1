package lineage

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UndoPoint marks the end of one logically atomic batch of mutations: one
// linking pass or one backward correction step.
type UndoPoint struct {
	RunID        uuid.UUID
	Label        string
	At           time.Time
	Timepoints   []int
	SpotsAdded   int
	SpotsRemoved int
	LinksAdded   int
	LinksRemoved int
}

// UndoRecorder stores undo points in the host's history.
type UndoRecorder interface {
	RecordUndoPoint(p UndoPoint) error
}

// CommitUndoPoint closes the current batch and records it. It returns
// false when nothing changed since the previous commit. The recorder is
// called without holding the graph lock.
func (g *Graph) CommitUndoPoint(runID uuid.UUID, label string) (UndoPoint, bool, error) {
	g.mu.Lock()
	c := g.batch.take()
	g.mu.Unlock()

	if c.empty() {
		return UndoPoint{}, false, nil
	}
	p := UndoPoint{
		RunID:        runID,
		Label:        label,
		At:           g.clock.Now(),
		Timepoints:   c.Timepoints,
		SpotsAdded:   c.SpotsAdded,
		SpotsRemoved: c.SpotsRemoved,
		LinksAdded:   c.LinksAdded,
		LinksRemoved: c.LinksRemoved,
	}
	if g.undo == nil {
		return p, true, nil
	}
	if err := g.undo.RecordUndoPoint(p); err != nil {
		return p, true, fmt.Errorf("record undo point %q: %w", label, err)
	}
	return p, true, nil
}

// DiscardUndoBatch drops the mutations made since the last undo point
// without recording them. Bulk loads call it so restored state is not
// undoable.
func (g *Graph) DiscardUndoBatch() {
	g.mu.Lock()
	g.batch = changeSet{}
	g.mu.Unlock()
}

// MemoryUndoLog keeps undo points in memory.
type MemoryUndoLog struct {
	mu     sync.Mutex
	points []UndoPoint
}

// RecordUndoPoint appends p.
func (m *MemoryUndoLog) RecordUndoPoint(p UndoPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, p)
	return nil
}

// Points returns a copy of the recorded undo points, oldest first.
func (m *MemoryUndoLog) Points() []UndoPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.points)
}

// Len returns the number of recorded undo points.
func (m *MemoryUndoLog) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}
