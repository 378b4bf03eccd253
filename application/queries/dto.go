package queries

import (
	"graphcore/application/projections"
	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"
	"graphcore/pkg/utils"
)

// QueryRequest is the transport-neutral shape of every query. Fields a
// query does not use are ignored.
type QueryRequest struct {
	Type         string `json:"type" validate:"required,oneof=GetGraphSummary ListGraphs GetNeighbors GetEdges Traverse"`
	GraphID      string `json:"graph_id,omitempty" validate:"required_unless=Type ListGraphs,omitempty,uuid"`
	NodeID       string `json:"node_id,omitempty" validate:"omitempty,uuid"`
	Direction    string `json:"direction,omitempty" validate:"omitempty,oneof=in out both"`
	MaxDepth     int    `json:"max_depth,omitempty" validate:"min=0,max=100"`
	MinWatermark uint64 `json:"min_watermark,omitempty"`
	Page         int    `json:"page,omitempty" validate:"min=0"`
	PageSize     int    `json:"page_size,omitempty" validate:"min=0,max=100"`
}

// Decode validates the request and builds the query
func (r QueryRequest) Decode() (Query, error) {
	if err := utils.ValidateStruct(r); err != nil {
		return nil, err
	}
	if r.Type == "ListGraphs" {
		return ListGraphs{Page: r.Page, PageSize: r.PageSize}, nil
	}

	graph, err := valueobjects.NewGraphIDFromString(r.GraphID)
	if err != nil {
		return nil, pkgerrors.NewValidationError(err.Error())
	}
	consistency := Consistency{MinWatermark: r.MinWatermark}
	if r.Type == "GetGraphSummary" {
		return GetGraphSummary{GraphID: graph, Consistency: consistency}, nil
	}

	if r.NodeID == "" {
		return nil, pkgerrors.NewValidationError("node_id is required")
	}
	node, err := valueobjects.NewNodeIDFromString(r.NodeID)
	if err != nil {
		return nil, pkgerrors.NewValidationError(err.Error())
	}
	dir, err := projections.ParseDirection(r.Direction)
	if err != nil {
		return nil, pkgerrors.NewValidationError(err.Error())
	}

	switch r.Type {
	case "GetNeighbors":
		return GetNeighbors{GraphID: graph, NodeID: node, Direction: dir, Consistency: consistency}, nil
	case "GetEdges":
		return GetEdges{GraphID: graph, NodeID: node, Direction: dir, Consistency: consistency}, nil
	default:
		return Traverse{GraphID: graph, From: node, MaxDepth: r.MaxDepth, Consistency: consistency}, nil
	}
}
