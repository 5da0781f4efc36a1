package lineage

import (
	"maps"
	"slices"
)

// GraphChange summarises the mutations made by one Update.
type GraphChange struct {
	Timepoints   []int
	SpotsAdded   int
	SpotsRemoved int
	LinksAdded   int
	LinksRemoved int
}

// Listener receives graph-changed notifications. GraphChanged is called
// after the write lock is released, on the goroutine that ran Update.
type Listener interface {
	GraphChanged(c GraphChange)
}

// ListenerFunc adapts a function to a Listener.
type ListenerFunc func(GraphChange)

// GraphChanged calls f(c).
func (f ListenerFunc) GraphChanged(c GraphChange) { f(c) }

// AddListener registers l and returns a function that unregisters it.
func (g *Graph) AddListener(l Listener) (remove func()) {
	g.lmu.Lock()
	defer g.lmu.Unlock()
	id := g.nextListen
	g.nextListen++
	g.listeners[id] = l
	return func() {
		g.lmu.Lock()
		defer g.lmu.Unlock()
		delete(g.listeners, id)
	}
}

func (g *Graph) notify(c GraphChange) {
	g.lmu.Lock()
	keys := slices.Sorted(maps.Keys(g.listeners))
	ls := make([]Listener, 0, len(keys))
	for _, k := range keys {
		ls = append(ls, g.listeners[k])
	}
	g.lmu.Unlock()

	for _, l := range ls {
		l.GraphChanged(c)
	}
}

type changeSet struct {
	timepoints   map[int]struct{}
	spotsAdded   int
	spotsRemoved int
	linksAdded   int
	linksRemoved int
}

func (c *changeSet) addTimepoint(t int) {
	if c.timepoints == nil {
		c.timepoints = make(map[int]struct{})
	}
	c.timepoints[t] = struct{}{}
}

// take returns the accumulated change and resets the set.
func (c *changeSet) take() GraphChange {
	out := GraphChange{
		Timepoints:   slices.Sorted(maps.Keys(c.timepoints)),
		SpotsAdded:   c.spotsAdded,
		SpotsRemoved: c.spotsRemoved,
		LinksAdded:   c.linksAdded,
		LinksRemoved: c.linksRemoved,
	}
	*c = changeSet{}
	return out
}

func (c GraphChange) empty() bool {
	return len(c.Timepoints) == 0 && c.SpotsAdded == 0 && c.SpotsRemoved == 0 &&
		c.LinksAdded == 0 && c.LinksRemoved == 0
}
