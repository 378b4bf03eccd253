// Package commands defines the requests the graph aggregate can accept.
// Commands may be rejected; events may not.
package commands

import (
	"graphcore/domain/core/valueobjects"
)

// Command is the closed set of graph commands
type Command interface {
	AggregateID() valueobjects.GraphID
	CommandName() string
	isCommand()
}

// CreateGraph opens a new stream
type CreateGraph struct {
	Graph valueobjects.GraphID
	Name  string
	Tags  []string
}

// AddNode places new content into the graph. NodeID is chosen by the caller
// so the id is known before the command is acknowledged.
type AddNode struct {
	Graph    valueobjects.GraphID
	NodeID   valueobjects.NodeID
	Content  valueobjects.NodeContent
	Position valueobjects.Position3D
	Subgraph valueobjects.GraphID
}

type ConnectNodes struct {
	Graph        valueobjects.GraphID
	EdgeID       valueobjects.EdgeID
	Source       valueobjects.NodeID
	Target       valueobjects.NodeID
	Relationship valueobjects.Relationship
	Subgraph     valueobjects.GraphID
}

// RemoveNode removes a node and every edge touching it
type RemoveNode struct {
	Graph  valueobjects.GraphID
	NodeID valueobjects.NodeID
}

type RemoveEdge struct {
	Graph  valueobjects.GraphID
	EdgeID valueobjects.EdgeID
}

// ChangeNodeContent replaces the content of a node, keeping id and position
type ChangeNodeContent struct {
	Graph   valueobjects.GraphID
	NodeID  valueobjects.NodeID
	Content valueobjects.NodeContent
}

type MoveNode struct {
	Graph    valueobjects.GraphID
	NodeID   valueobjects.NodeID
	Position valueobjects.Position3D
}

type RenameGraph struct {
	Graph valueobjects.GraphID
	Name  string
}

type TagGraph struct {
	Graph valueobjects.GraphID
	Tag   string
}

type UntagGraph struct {
	Graph valueobjects.GraphID
	Tag   string
}

type DeleteGraph struct {
	Graph valueobjects.GraphID
}

// NewAddNode builds an AddNode with a fresh node id
func NewAddNode(graph valueobjects.GraphID, content valueobjects.NodeContent, position valueobjects.Position3D) AddNode {
	return AddNode{Graph: graph, NodeID: valueobjects.NewNodeID(), Content: content, Position: position}
}

// NewConnectNodes builds a ConnectNodes with a fresh edge id
func NewConnectNodes(graph valueobjects.GraphID, source, target valueobjects.NodeID, rel valueobjects.Relationship) ConnectNodes {
	return ConnectNodes{Graph: graph, EdgeID: valueobjects.NewEdgeID(), Source: source, Target: target, Relationship: rel}
}

func (c CreateGraph) AggregateID() valueobjects.GraphID       { return c.Graph }
func (c AddNode) AggregateID() valueobjects.GraphID           { return c.Graph }
func (c ConnectNodes) AggregateID() valueobjects.GraphID      { return c.Graph }
func (c RemoveNode) AggregateID() valueobjects.GraphID        { return c.Graph }
func (c RemoveEdge) AggregateID() valueobjects.GraphID        { return c.Graph }
func (c ChangeNodeContent) AggregateID() valueobjects.GraphID { return c.Graph }
func (c MoveNode) AggregateID() valueobjects.GraphID          { return c.Graph }
func (c RenameGraph) AggregateID() valueobjects.GraphID       { return c.Graph }
func (c TagGraph) AggregateID() valueobjects.GraphID          { return c.Graph }
func (c UntagGraph) AggregateID() valueobjects.GraphID        { return c.Graph }
func (c DeleteGraph) AggregateID() valueobjects.GraphID       { return c.Graph }

func (CreateGraph) CommandName() string       { return "CreateGraph" }
func (AddNode) CommandName() string           { return "AddNode" }
func (ConnectNodes) CommandName() string      { return "ConnectNodes" }
func (RemoveNode) CommandName() string        { return "RemoveNode" }
func (RemoveEdge) CommandName() string        { return "RemoveEdge" }
func (ChangeNodeContent) CommandName() string { return "ChangeNodeContent" }
func (MoveNode) CommandName() string          { return "MoveNode" }
func (RenameGraph) CommandName() string       { return "RenameGraph" }
func (TagGraph) CommandName() string          { return "TagGraph" }
func (UntagGraph) CommandName() string        { return "UntagGraph" }
func (DeleteGraph) CommandName() string       { return "DeleteGraph" }

func (CreateGraph) isCommand()       {}
func (AddNode) isCommand()           {}
func (ConnectNodes) isCommand()      {}
func (RemoveNode) isCommand()        {}
func (RemoveEdge) isCommand()        {}
func (ChangeNodeContent) isCommand() {}
func (MoveNode) isCommand()          {}
func (RenameGraph) isCommand()       {}
func (TagGraph) isCommand()          {}
func (UntagGraph) isCommand()        {}
func (DeleteGraph) isCommand()       {}
