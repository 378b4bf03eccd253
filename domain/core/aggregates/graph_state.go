package aggregates

import (
	"fmt"
	"time"

	"graphcore/domain/config"
	"graphcore/domain/core/entities"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
)

// GraphState is the serialisable form of a Graph, used for snapshots and for
// field-by-field comparison. Nodes and edges are sorted by id.
type GraphState struct {
	ID        valueobjects.GraphID `json:"id"`
	Name      string               `json:"name"`
	Tags      []string             `json:"tags"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
	Deleted   bool                 `json:"deleted"`
	Version   uint64               `json:"version"`
	Head      events.ChainHead     `json:"head"`
	Nodes     []entities.Node      `json:"nodes"`
	Edges     []entities.Edge      `json:"edges"`
}

// State exports the aggregate
func (g *Graph) State() GraphState {
	return GraphState{
		ID:        g.id,
		Name:      g.name,
		Tags:      g.Tags(),
		CreatedAt: g.createdAt,
		UpdatedAt: g.updatedAt,
		Deleted:   g.deleted,
		Version:   g.version,
		Head:      g.head,
		Nodes:     g.Nodes(),
		Edges:     g.Edges(),
	}
}

// FromState rebuilds an aggregate from exported state. The state is
// untrusted input, so structural invariants are re-checked.
func FromState(s GraphState, cfg *config.DomainConfig) (*Graph, error) {
	if s.ID.IsZero() {
		return nil, fmt.Errorf("graph state has no id")
	}
	if s.Version != s.Head.Sequence {
		return nil, fmt.Errorf("graph state version %d does not match head sequence %d", s.Version, s.Head.Sequence)
	}

	g := NewGraph(s.ID, cfg)
	g.name = s.Name
	g.tags = append([]string{}, s.Tags...)
	g.createdAt = s.CreatedAt
	g.updatedAt = s.UpdatedAt
	g.deleted = s.Deleted
	g.version = s.Version
	g.head = s.Head

	for _, n := range s.Nodes {
		if _, dup := g.nodes[n.ID()]; dup {
			return nil, fmt.Errorf("graph state lists node %s twice", n.ID())
		}
		g.nodes[n.ID()] = n
	}
	for _, e := range s.Edges {
		if _, dup := g.edges[e.ID()]; dup {
			return nil, fmt.Errorf("graph state lists edge %s twice", e.ID())
		}
		if _, ok := g.nodes[e.Source()]; !ok {
			return nil, fmt.Errorf("edge %s references missing source %s", e.ID(), e.Source())
		}
		if _, ok := g.nodes[e.Target()]; !ok {
			return nil, fmt.Errorf("edge %s references missing target %s", e.ID(), e.Target())
		}
		g.edges[e.ID()] = e
		g.pairs[edgeKey{e.Source(), e.Target()}]++
	}
	return g, nil
}

// Equal compares two aggregates field by field
func (g *Graph) Equal(other *Graph) bool {
	if other == nil {
		return false
	}
	a, b := g.State(), other.State()
	if !a.ID.Equals(b.ID) || a.Name != b.Name || a.Deleted != b.Deleted || a.Version != b.Version {
		return false
	}
	if !a.CreatedAt.Equal(b.CreatedAt) || !a.UpdatedAt.Equal(b.UpdatedAt) {
		return false
	}
	if a.Head.Sequence != b.Head.Sequence || a.Head.Hash != b.Head.Hash {
		return false
	}
	if len(a.Tags) != len(b.Tags) || len(a.Nodes) != len(b.Nodes) || len(a.Edges) != len(b.Edges) {
		return false
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return false
		}
	}
	for i := range a.Nodes {
		if !a.Nodes[i].Equals(b.Nodes[i]) {
			return false
		}
	}
	for i := range a.Edges {
		if !a.Edges[i].Equals(b.Edges[i]) {
			return false
		}
	}
	return true
}
