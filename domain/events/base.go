package events

import (
	"graphcore/domain/core/valueobjects"
)

// EventType is the stable wire name of an event variant
type EventType string

const (
	TypeGraphCreated  EventType = "graph.created"
	TypeGraphRenamed  EventType = "graph.renamed"
	TypeGraphTagged   EventType = "graph.tagged"
	TypeGraphUntagged EventType = "graph.untagged"
	TypeGraphDeleted  EventType = "graph.deleted"
	TypeNodeAdded     EventType = "node.added"
	TypeNodeRemoved   EventType = "node.removed"
	TypeNodeMoved     EventType = "node.moved"
	TypeEdgeAdded     EventType = "edge.added"
	TypeEdgeRemoved   EventType = "edge.removed"
)

// DomainEvent is the closed set of facts a graph stream can contain.
// Only types in this package implement it; consumers switch over the
// concrete types exhaustively.
//
// There is no node-updated variant: content changes are a
// NodeRemoved followed by a NodeAdded with the same id and position.
type DomainEvent interface {
	EventType() EventType
	isDomainEvent()
}

// Graph events

// GraphCreated opens a stream. Always sequence 1.
type GraphCreated struct {
	GraphID valueobjects.GraphID `json:"graph_id"`
	Name    string               `json:"name"`
	Tags    []string             `json:"tags"`
}

type GraphRenamed struct {
	OldName string `json:"old_name"`
	NewName string `json:"new_name"`
}

type GraphTagged struct {
	Tag string `json:"tag"`
}

type GraphUntagged struct {
	Tag string `json:"tag"`
}

type GraphDeleted struct{}

// Node events

type NodeAdded struct {
	NodeID   valueobjects.NodeID      `json:"node_id"`
	Content  valueobjects.NodeContent `json:"content"`
	Position valueobjects.Position3D  `json:"position"`
	Subgraph valueobjects.GraphID     `json:"subgraph"`
}

type NodeRemoved struct {
	NodeID valueobjects.NodeID `json:"node_id"`
}

// NodeMoved is the only in-place node change; position is not content.
type NodeMoved struct {
	NodeID   valueobjects.NodeID     `json:"node_id"`
	Position valueobjects.Position3D `json:"position"`
}

// Edge events

type EdgeAdded struct {
	EdgeID       valueobjects.EdgeID       `json:"edge_id"`
	Source       valueobjects.NodeID       `json:"source"`
	Target       valueobjects.NodeID       `json:"target"`
	Relationship valueobjects.Relationship `json:"relationship"`
	Subgraph     valueobjects.GraphID      `json:"subgraph"`
}

type EdgeRemoved struct {
	EdgeID valueobjects.EdgeID `json:"edge_id"`
}

func (GraphCreated) EventType() EventType  { return TypeGraphCreated }
func (GraphRenamed) EventType() EventType  { return TypeGraphRenamed }
func (GraphTagged) EventType() EventType   { return TypeGraphTagged }
func (GraphUntagged) EventType() EventType { return TypeGraphUntagged }
func (GraphDeleted) EventType() EventType  { return TypeGraphDeleted }
func (NodeAdded) EventType() EventType     { return TypeNodeAdded }
func (NodeRemoved) EventType() EventType   { return TypeNodeRemoved }
func (NodeMoved) EventType() EventType     { return TypeNodeMoved }
func (EdgeAdded) EventType() EventType     { return TypeEdgeAdded }
func (EdgeRemoved) EventType() EventType   { return TypeEdgeRemoved }

func (GraphCreated) isDomainEvent()  {}
func (GraphRenamed) isDomainEvent()  {}
func (GraphTagged) isDomainEvent()   {}
func (GraphUntagged) isDomainEvent() {}
func (GraphDeleted) isDomainEvent()  {}
func (NodeAdded) isDomainEvent()     {}
func (NodeRemoved) isDomainEvent()   {}
func (NodeMoved) isDomainEvent()     {}
func (EdgeAdded) isDomainEvent()     {}
func (EdgeRemoved) isDomainEvent()   {}
