// Package cluster maintains the correlation graph and detects communities
// of strongly correlated points.
package cluster

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Graph is the weighted undirected correlation graph. Edge weight is |r|.
// The detector is the only writer; snapshots are taken under a short read
// lock so detection never blocks edge updates for long.
type Graph struct {
	mu    sync.RWMutex
	adj   map[uuid.UUID]map[uuid.UUID]float64
	dirty map[uuid.UUID]struct{}
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		adj:   make(map[uuid.UUID]map[uuid.UUID]float64),
		dirty: make(map[uuid.UUID]struct{}),
	}
}

// SetEdge stores the |r| weight between two points and marks both dirty.
func (g *Graph) SetEdge(a, b uuid.UUID, weight float64) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edgeLocked(a)[b] = weight
	g.edgeLocked(b)[a] = weight
	g.dirty[a] = struct{}{}
	g.dirty[b] = struct{}{}
}

func (g *Graph) edgeLocked(id uuid.UUID) map[uuid.UUID]float64 {
	m, ok := g.adj[id]
	if !ok {
		m = make(map[uuid.UUID]float64)
		g.adj[id] = m
	}
	return m
}

// SetEdgeQuiet stores a weight without dirtying the endpoints. Used when
// reloading edges from the correlation cache, where dirtiness is driven by
// events rather than by the reload itself.
func (g *Graph) SetEdgeQuiet(a, b uuid.UUID, weight float64) {
	if a == b {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.edgeLocked(a)[b] = weight
	g.edgeLocked(b)[a] = weight
}

// RemoveEdge drops the edge between two points.
func (g *Graph) RemoveEdge(a, b uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.adj[a], b)
	delete(g.adj[b], a)
	g.dirty[a] = struct{}{}
	g.dirty[b] = struct{}{}
}

// MarkDirty flags points for the next detection pass.
func (g *Graph) MarkDirty(ids ...uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		g.dirty[id] = struct{}{}
	}
}

// MarkAllDirty flags every known node, for scheduled full scans.
func (g *Graph) MarkAllDirty() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.adj {
		g.dirty[id] = struct{}{}
	}
}

// TakeDirty returns and clears the dirty set.
func (g *Graph) TakeDirty() []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]uuid.UUID, 0, len(g.dirty))
	for id := range g.dirty {
		out = append(out, id)
	}
	g.dirty = make(map[uuid.UUID]struct{})
	return out
}

// NodeCount returns the number of points with at least one edge recorded.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.adj)
}

// subgraph is an immutable indexed copy of a neighborhood, safe to walk
// without holding the graph lock.
type subgraph struct {
	ids   []uuid.UUID
	index map[uuid.UUID]int
	adj   [][]edge
}

type edge struct {
	to     int
	weight float64
}

// Snapshot copies the seed nodes and their direct neighbors. Node order is
// deterministic (sorted by id) so detection results are reproducible.
func (g *Graph) Snapshot(seeds []uuid.UUID) *subgraph {
	g.mu.RLock()
	defer g.mu.RUnlock()

	include := make(map[uuid.UUID]struct{})
	for _, id := range seeds {
		if _, ok := g.adj[id]; !ok {
			continue
		}
		include[id] = struct{}{}
		for nb := range g.adj[id] {
			include[nb] = struct{}{}
		}
	}

	sg := &subgraph{
		ids:   make([]uuid.UUID, 0, len(include)),
		index: make(map[uuid.UUID]int, len(include)),
	}
	for id := range include {
		sg.ids = append(sg.ids, id)
	}
	sort.Slice(sg.ids, func(i, j int) bool { return sg.ids[i].String() < sg.ids[j].String() })
	for i, id := range sg.ids {
		sg.index[id] = i
	}

	sg.adj = make([][]edge, len(sg.ids))
	for i, id := range sg.ids {
		for nb, w := range g.adj[id] {
			if j, ok := sg.index[nb]; ok {
				sg.adj[i] = append(sg.adj[i], edge{to: j, weight: w})
			}
		}
		sort.Slice(sg.adj[i], func(x, y int) bool { return sg.adj[i][x].to < sg.adj[i][y].to })
	}
	return sg
}

// weight returns the edge weight between two subgraph indices, 0 if absent.
func (sg *subgraph) weight(i, j int) float64 {
	for _, e := range sg.adj[i] {
		if e.to == j {
			return e.weight
		}
	}
	return 0
}
