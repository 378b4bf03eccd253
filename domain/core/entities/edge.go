package entities

import (
	"encoding/json"

	"graphcore/domain/core/valueobjects"
)

// Edge is a replace-only value record connecting two nodes of the same graph
type Edge struct {
	id           valueobjects.EdgeID
	source       valueobjects.NodeID
	target       valueobjects.NodeID
	relationship valueobjects.Relationship
	subgraph     valueobjects.GraphID
}

// NewEdge creates an edge record
func NewEdge(id valueobjects.EdgeID, source, target valueobjects.NodeID, rel valueobjects.Relationship, subgraph valueobjects.GraphID) Edge {
	return Edge{
		id:           id,
		source:       source,
		target:       target,
		relationship: rel,
		subgraph:     subgraph,
	}
}

func (e Edge) ID() valueobjects.EdgeID                 { return e.id }
func (e Edge) Source() valueobjects.NodeID             { return e.source }
func (e Edge) Target() valueobjects.NodeID             { return e.target }
func (e Edge) Relationship() valueobjects.Relationship { return e.relationship }
func (e Edge) Subgraph() valueobjects.GraphID          { return e.subgraph }

// Touches reports whether the node is either endpoint
func (e Edge) Touches(node valueobjects.NodeID) bool {
	return e.source.Equals(node) || e.target.Equals(node)
}

// IsSelfLoop reports whether source and target are the same node
func (e Edge) IsSelfLoop() bool {
	return e.source.Equals(e.target)
}

func (e Edge) Equals(other Edge) bool {
	return e.id.Equals(other.id) &&
		e.source.Equals(other.source) &&
		e.target.Equals(other.target) &&
		e.relationship.Equals(other.relationship) &&
		e.subgraph.Equals(other.subgraph)
}

type edgeJSON struct {
	ID           valueobjects.EdgeID       `json:"id"`
	Source       valueobjects.NodeID       `json:"source"`
	Target       valueobjects.NodeID       `json:"target"`
	Relationship valueobjects.Relationship `json:"relationship"`
	Subgraph     valueobjects.GraphID      `json:"subgraph,omitempty"`
}

func (e Edge) MarshalJSON() ([]byte, error) {
	return json.Marshal(edgeJSON{
		ID:           e.id,
		Source:       e.source,
		Target:       e.target,
		Relationship: e.relationship,
		Subgraph:     e.subgraph,
	})
}

func (e *Edge) UnmarshalJSON(data []byte) error {
	var raw edgeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = NewEdge(raw.ID, raw.Source, raw.Target, raw.Relationship, raw.Subgraph)
	return nil
}
