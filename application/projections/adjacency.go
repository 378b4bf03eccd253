package projections

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
)

const AdjacencyName = "adjacency"

// EdgeView is an edge as the adjacency model sees it
type EdgeView struct {
	EdgeID       valueobjects.EdgeID       `json:"edge_id"`
	Source       valueobjects.NodeID       `json:"source"`
	Target       valueobjects.NodeID       `json:"target"`
	Relationship valueobjects.Relationship `json:"relationship"`
}

// Visit is one node reached by a traversal
type Visit struct {
	NodeID valueobjects.NodeID `json:"node_id"`
	Depth  int                 `json:"depth"`
	// Via is the edge the node was first reached through; zero for the start
	Via valueobjects.EdgeID `json:"via,omitempty"`
}

type edgeSet map[valueobjects.EdgeID]struct{}

type adjacency struct {
	version uint64
	nodes   map[valueobjects.NodeID]struct{}
	edges   map[valueobjects.EdgeID]EdgeView
	out     map[valueobjects.NodeID]edgeSet
	in      map[valueobjects.NodeID]edgeSet
}

func newAdjacency() *adjacency {
	return &adjacency{
		nodes: make(map[valueobjects.NodeID]struct{}),
		edges: make(map[valueobjects.EdgeID]EdgeView),
		out:   make(map[valueobjects.NodeID]edgeSet),
		in:    make(map[valueobjects.NodeID]edgeSet),
	}
}

func (a *adjacency) addEdge(e EdgeView) {
	a.edges[e.EdgeID] = e
	if a.out[e.Source] == nil {
		a.out[e.Source] = make(edgeSet)
	}
	if a.in[e.Target] == nil {
		a.in[e.Target] = make(edgeSet)
	}
	a.out[e.Source][e.EdgeID] = struct{}{}
	a.in[e.Target][e.EdgeID] = struct{}{}
}

func (a *adjacency) removeEdge(id valueobjects.EdgeID) {
	e, ok := a.edges[id]
	if !ok {
		return
	}
	delete(a.edges, id)
	delete(a.out[e.Source], id)
	delete(a.in[e.Target], id)
}

// AdjacencyProjection indexes outgoing and incoming edges per node
type AdjacencyProjection struct {
	mu     sync.RWMutex
	graphs map[valueobjects.GraphID]*adjacency
}

var (
	_ Projection   = (*AdjacencyProjection)(nil)
	_ Checkpointer = (*AdjacencyProjection)(nil)
)

func NewAdjacencyProjection() *AdjacencyProjection {
	return &AdjacencyProjection{graphs: make(map[valueobjects.GraphID]*adjacency)}
}

func (p *AdjacencyProjection) Name() string { return AdjacencyName }

func (p *AdjacencyProjection) Fold(env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	a, ok := p.graphs[env.AggregateID]
	if !ok {
		a = newAdjacency()
	}

	switch e := env.Payload.(type) {
	case events.NodeAdded:
		a.nodes[e.NodeID] = struct{}{}
	case events.NodeRemoved:
		// RemoveNode logs EdgeRemoved for every touching edge first.
		// ChangeNodeContent logs NodeRemoved+NodeAdded and keeps the edges,
		// so the edge sets must survive until the NodeAdded.
		delete(a.nodes, e.NodeID)
	case events.EdgeAdded:
		a.addEdge(EdgeView{EdgeID: e.EdgeID, Source: e.Source, Target: e.Target, Relationship: e.Relationship})
	case events.EdgeRemoved:
		a.removeEdge(e.EdgeID)
	case events.GraphCreated, events.GraphRenamed, events.GraphTagged,
		events.GraphUntagged, events.GraphDeleted, events.NodeMoved:
	default:
		return fmt.Errorf("%w: %s at %s/%d", ErrUnknownEvent, env.Type, env.AggregateID, env.Sequence)
	}

	a.version = env.Sequence
	p.graphs[env.AggregateID] = a
	return nil
}

func (p *AdjacencyProjection) Watermark(id valueobjects.GraphID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if a, ok := p.graphs[id]; ok {
		return a.version
	}
	return 0
}

func (p *AdjacencyProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphs = make(map[valueobjects.GraphID]*adjacency)
}

// HasNode reports whether node is currently part of graph
func (p *AdjacencyProjection) HasNode(graph valueobjects.GraphID, node valueobjects.NodeID) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.graphs[graph]
	if !ok {
		return false
	}
	_, ok = a.nodes[node]
	return ok
}

// Edges returns the edges of node in the given direction, sorted by id
func (p *AdjacencyProjection) Edges(graph valueobjects.GraphID, node valueobjects.NodeID, dir Direction) []EdgeView {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.graphs[graph]
	if !ok {
		return []EdgeView{}
	}
	return a.edgesOf(node, dir)
}

func (a *adjacency) edgesOf(node valueobjects.NodeID, dir Direction) []EdgeView {
	out := []EdgeView{}
	seen := make(edgeSet)
	collect := func(set edgeSet) {
		for id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, a.edges[id])
		}
	}
	if dir == Outgoing || dir == Both {
		collect(a.out[node])
	}
	if dir == Incoming || dir == Both {
		collect(a.in[node])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EdgeID.String() < out[j].EdgeID.String() })
	return out
}

// Neighbors returns the distinct nodes adjacent to node, sorted by id
func (p *AdjacencyProjection) Neighbors(graph valueobjects.GraphID, node valueobjects.NodeID, dir Direction) []valueobjects.NodeID {
	edges := p.Edges(graph, node, dir)
	seen := make(map[valueobjects.NodeID]struct{}, len(edges))
	out := make([]valueobjects.NodeID, 0, len(edges))
	for _, e := range edges {
		other := e.Target
		if e.Target.Equals(node) {
			other = e.Source
		}
		if _, ok := seen[other]; ok {
			continue
		}
		seen[other] = struct{}{}
		out = append(out, other)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Degree counts the edges of node in the given direction
func (p *AdjacencyProjection) Degree(graph valueobjects.GraphID, node valueobjects.NodeID, dir Direction) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.graphs[graph]
	if !ok {
		return 0
	}
	switch dir {
	case Outgoing:
		return len(a.out[node])
	case Incoming:
		return len(a.in[node])
	default:
		return len(a.edgesOf(node, Both))
	}
}

// Traverse walks breadth first from start up to maxDepth hops. Directed
// edges are followed from source to target; undirected edges both ways.
// The start node is returned at depth 0. maxDepth < 0 means unbounded.
func (p *AdjacencyProjection) Traverse(graph valueobjects.GraphID, start valueobjects.NodeID, maxDepth int) []Visit {
	p.mu.RLock()
	defer p.mu.RUnlock()
	a, ok := p.graphs[graph]
	if !ok {
		return []Visit{}
	}
	if _, ok := a.nodes[start]; !ok {
		return []Visit{}
	}

	visited := map[valueobjects.NodeID]struct{}{start: {}}
	out := []Visit{{NodeID: start}}
	frontier := []valueobjects.NodeID{start}
	for depth := 1; len(frontier) > 0 && (maxDepth < 0 || depth <= maxDepth); depth++ {
		var next []valueobjects.NodeID
		for _, node := range frontier {
			for _, e := range a.edgesOf(node, Both) {
				var other valueobjects.NodeID
				switch {
				case e.Source.Equals(node):
					other = e.Target
				case !e.Relationship.IsDirected():
					other = e.Source
				default:
					continue
				}
				if _, ok := visited[other]; ok {
					continue
				}
				visited[other] = struct{}{}
				out = append(out, Visit{NodeID: other, Depth: depth, Via: e.EdgeID})
				next = append(next, other)
			}
		}
		frontier = next
	}
	return out
}

type adjacencyState struct {
	Nodes []valueobjects.NodeID `json:"nodes"`
	Edges []EdgeView            `json:"edges"`
}

func (p *AdjacencyProjection) Checkpoint(id valueobjects.GraphID) (uint64, json.RawMessage, error) {
	p.mu.RLock()
	a, ok := p.graphs[id]
	if !ok {
		p.mu.RUnlock()
		return 0, nil, nil
	}
	st := adjacencyState{
		Nodes: make([]valueobjects.NodeID, 0, len(a.nodes)),
		Edges: make([]EdgeView, 0, len(a.edges)),
	}
	for n := range a.nodes {
		st.Nodes = append(st.Nodes, n)
	}
	for _, e := range a.edges {
		st.Edges = append(st.Edges, e)
	}
	version := a.version
	p.mu.RUnlock()

	sort.Slice(st.Nodes, func(i, j int) bool { return st.Nodes[i].String() < st.Nodes[j].String() })
	sort.Slice(st.Edges, func(i, j int) bool { return st.Edges[i].EdgeID.String() < st.Edges[j].EdgeID.String() })
	state, err := json.Marshal(st)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode adjacency: %w", err)
	}
	return version, state, nil
}

func (p *AdjacencyProjection) Restore(id valueobjects.GraphID, watermark uint64, state json.RawMessage) error {
	var st adjacencyState
	if err := json.Unmarshal(state, &st); err != nil {
		return fmt.Errorf("failed to decode adjacency: %w", err)
	}
	a := newAdjacency()
	a.version = watermark
	for _, n := range st.Nodes {
		a.nodes[n] = struct{}{}
	}
	for _, e := range st.Edges {
		if _, ok := a.nodes[e.Source]; !ok {
			return fmt.Errorf("adjacency checkpoint for %s has dangling edge %s", id, e.EdgeID)
		}
		if _, ok := a.nodes[e.Target]; !ok {
			return fmt.Errorf("adjacency checkpoint for %s has dangling edge %s", id, e.EdgeID)
		}
		a.addEdge(e)
	}
	p.mu.Lock()
	p.graphs[id] = a
	p.mu.Unlock()
	return nil
}
