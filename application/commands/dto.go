package commands

import (
	"encoding/json"
	"fmt"

	graphcmd "graphcore/domain/commands"
	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/utils"
)

// Command payloads as they arrive over a transport. IDs are strings here and
// become value objects in ToCommand.

type PositionDTO struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

func (p PositionDTO) toPosition() valueobjects.Position3D {
	return valueobjects.Position3D{X: p.X, Y: p.Y, Z: p.Z}
}

type ContentDTO struct {
	Label      string                                `json:"label" validate:"required"`
	NodeType   string                                `json:"node_type,omitempty"`
	Properties map[string]valueobjects.PropertyValue `json:"properties,omitempty"`
}

func (c ContentDTO) toContent() valueobjects.NodeContent {
	return valueobjects.NewNodeContent(c.Label, c.NodeType, c.Properties)
}

type RelationshipDTO struct {
	Type     string   `json:"type" validate:"required"`
	Strength *float64 `json:"strength,omitempty"`
	Directed *bool    `json:"directed,omitempty"`
}

func (r RelationshipDTO) toRelationship() valueobjects.Relationship {
	strength, directed := 1.0, true
	if r.Strength != nil {
		strength = *r.Strength
	}
	if r.Directed != nil {
		directed = *r.Directed
	}
	return valueobjects.NewRelationship(r.Type, strength, directed)
}

type CreateGraphRequest struct {
	GraphID string   `json:"graph_id,omitempty" validate:"omitempty,uuid"`
	Name    string   `json:"name" validate:"required,max=255"`
	Tags    []string `json:"tags,omitempty" validate:"omitempty,dive,required,max=64"`
}

// ToCommand assigns a fresh graph id when none was given
func (r CreateGraphRequest) ToCommand() (graphcmd.CreateGraph, error) {
	id := valueobjects.NewGraphID()
	if r.GraphID != "" {
		parsed, err := valueobjects.NewGraphIDFromString(r.GraphID)
		if err != nil {
			return graphcmd.CreateGraph{}, invalid(err)
		}
		id = parsed
	}
	return graphcmd.CreateGraph{Graph: id, Name: r.Name, Tags: r.Tags}, nil
}

type AddNodeRequest struct {
	NodeID   string      `json:"node_id,omitempty" validate:"omitempty,uuid"`
	Content  ContentDTO  `json:"content" validate:"required"`
	Position PositionDTO `json:"position"`
	Subgraph string      `json:"subgraph,omitempty" validate:"omitempty,uuid"`
}

func (r AddNodeRequest) ToCommand(graph valueobjects.GraphID) (graphcmd.AddNode, error) {
	cmd := graphcmd.NewAddNode(graph, r.Content.toContent(), r.Position.toPosition())
	if r.NodeID != "" {
		id, err := valueobjects.NewNodeIDFromString(r.NodeID)
		if err != nil {
			return graphcmd.AddNode{}, invalid(err)
		}
		cmd.NodeID = id
	}
	if r.Subgraph != "" {
		sub, err := valueobjects.NewGraphIDFromString(r.Subgraph)
		if err != nil {
			return graphcmd.AddNode{}, invalid(err)
		}
		cmd.Subgraph = sub
	}
	return cmd, nil
}

type ConnectNodesRequest struct {
	EdgeID       string          `json:"edge_id,omitempty" validate:"omitempty,uuid"`
	Source       string          `json:"source" validate:"required,uuid"`
	Target       string          `json:"target" validate:"required,uuid"`
	Relationship RelationshipDTO `json:"relationship" validate:"required"`
	Subgraph     string          `json:"subgraph,omitempty" validate:"omitempty,uuid"`
}

func (r ConnectNodesRequest) ToCommand(graph valueobjects.GraphID) (graphcmd.ConnectNodes, error) {
	source, err := valueobjects.NewNodeIDFromString(r.Source)
	if err != nil {
		return graphcmd.ConnectNodes{}, invalid(err)
	}
	target, err := valueobjects.NewNodeIDFromString(r.Target)
	if err != nil {
		return graphcmd.ConnectNodes{}, invalid(err)
	}
	cmd := graphcmd.NewConnectNodes(graph, source, target, r.Relationship.toRelationship())
	if r.EdgeID != "" {
		id, err := valueobjects.NewEdgeIDFromString(r.EdgeID)
		if err != nil {
			return graphcmd.ConnectNodes{}, invalid(err)
		}
		cmd.EdgeID = id
	}
	if r.Subgraph != "" {
		sub, err := valueobjects.NewGraphIDFromString(r.Subgraph)
		if err != nil {
			return graphcmd.ConnectNodes{}, invalid(err)
		}
		cmd.Subgraph = sub
	}
	return cmd, nil
}

type NodeRequest struct {
	NodeID string `json:"node_id" validate:"required,uuid"`
}

type EdgeRequest struct {
	EdgeID string `json:"edge_id" validate:"required,uuid"`
}

type ChangeNodeContentRequest struct {
	NodeID  string     `json:"node_id" validate:"required,uuid"`
	Content ContentDTO `json:"content" validate:"required"`
}

type MoveNodeRequest struct {
	NodeID   string      `json:"node_id" validate:"required,uuid"`
	Position PositionDTO `json:"position"`
}

type RenameGraphRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

type TagRequest struct {
	Tag string `json:"tag" validate:"required,max=64"`
}

// CommandRequest is the transport-neutral envelope used by the bus, the
// Lambda entry point and the CLI: a command name, the target graph and the
// command-specific payload.
type CommandRequest struct {
	Type    string          `json:"type" validate:"required,oneof=CreateGraph AddNode ConnectNodes RemoveNode RemoveEdge ChangeNodeContent MoveNode RenameGraph TagGraph UntagGraph DeleteGraph"`
	GraphID string          `json:"graph_id" validate:"required_unless=Type CreateGraph,omitempty,uuid"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode validates the request and builds the domain command
func (r CommandRequest) Decode() (graphcmd.Command, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return nil, err
	}

	if r.Type == "CreateGraph" {
		var req CreateGraphRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		if req.GraphID == "" {
			req.GraphID = r.GraphID
		}
		return req.ToCommand()
	}

	graph, err := valueobjects.NewGraphIDFromString(r.GraphID)
	if err != nil {
		return nil, invalid(err)
	}

	switch r.Type {
	case "AddNode":
		var req AddNodeRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		return req.ToCommand(graph)
	case "ConnectNodes":
		var req ConnectNodesRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		return req.ToCommand(graph)
	case "RemoveNode":
		var req NodeRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		id, err := valueobjects.NewNodeIDFromString(req.NodeID)
		if err != nil {
			return nil, invalid(err)
		}
		return graphcmd.RemoveNode{Graph: graph, NodeID: id}, nil
	case "RemoveEdge":
		var req EdgeRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		id, err := valueobjects.NewEdgeIDFromString(req.EdgeID)
		if err != nil {
			return nil, invalid(err)
		}
		return graphcmd.RemoveEdge{Graph: graph, EdgeID: id}, nil
	case "ChangeNodeContent":
		var req ChangeNodeContentRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		id, err := valueobjects.NewNodeIDFromString(req.NodeID)
		if err != nil {
			return nil, invalid(err)
		}
		return graphcmd.ChangeNodeContent{Graph: graph, NodeID: id, Content: req.Content.toContent()}, nil
	case "MoveNode":
		var req MoveNodeRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		id, err := valueobjects.NewNodeIDFromString(req.NodeID)
		if err != nil {
			return nil, invalid(err)
		}
		return graphcmd.MoveNode{Graph: graph, NodeID: id, Position: req.Position.toPosition()}, nil
	case "RenameGraph":
		var req RenameGraphRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		return graphcmd.RenameGraph{Graph: graph, Name: req.Name}, nil
	case "TagGraph", "UntagGraph":
		var req TagRequest
		if err := decodePayload(r.Payload, &req); err != nil {
			return nil, err
		}
		if r.Type == "TagGraph" {
			return graphcmd.TagGraph{Graph: graph, Tag: req.Tag}, nil
		}
		return graphcmd.UntagGraph{Graph: graph, Tag: req.Tag}, nil
	case "DeleteGraph":
		return graphcmd.DeleteGraph{Graph: graph}, nil
	}
	return nil, pkgerrors.InvalidCommand(fmt.Sprintf("unsupported command %s", r.Type))
}

func decodePayload(raw json.RawMessage, into interface{}) error {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return pkgerrors.NewValidationError(fmt.Sprintf("invalid payload: %v", err))
	}
	return utils.ValidateStruct(into)
}

func invalid(err error) error {
	return pkgerrors.NewValidationError(err.Error())
}
