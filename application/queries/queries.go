// Package queries answers read requests from projections only. Every answer
// carries the watermark of the projection it came from, so a caller can tell
// how far behind the log it might be.
package queries

import (
	"graphcore/application/projections"
	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"
)

// Query is the closed set of read requests
type Query interface {
	QueryName() string
	Validate() error
}

// Consistency lets a caller ask for read-your-writes: when MinWatermark is
// above the projection's watermark the handler waits, up to its configured
// bound, for the projection to catch up. On timeout the stale answer is
// returned anyway.
type Consistency struct {
	MinWatermark uint64
}

type GetGraphSummary struct {
	GraphID valueobjects.GraphID
	Consistency
}

// ListGraphs pages through the summaries of every live graph, ordered by
// name. Page starts at 1.
type ListGraphs struct {
	Page     int
	PageSize int
}

type GetNeighbors struct {
	GraphID   valueobjects.GraphID
	NodeID    valueobjects.NodeID
	Direction projections.Direction
	Consistency
}

type GetEdges struct {
	GraphID   valueobjects.GraphID
	NodeID    valueobjects.NodeID
	Direction projections.Direction
	Consistency
}

// Traverse walks breadth first from From. MaxDepth is clamped to the
// handler's configured limit.
type Traverse struct {
	GraphID  valueobjects.GraphID
	From     valueobjects.NodeID
	MaxDepth int
	Consistency
}

func (GetGraphSummary) QueryName() string { return "GetGraphSummary" }
func (ListGraphs) QueryName() string      { return "ListGraphs" }
func (GetNeighbors) QueryName() string    { return "GetNeighbors" }
func (GetEdges) QueryName() string        { return "GetEdges" }
func (Traverse) QueryName() string        { return "Traverse" }

func (q GetGraphSummary) Validate() error {
	if q.GraphID.IsZero() {
		return pkgerrors.NewValidationError("graph_id is required")
	}
	return nil
}

func (q ListGraphs) Validate() error {
	if q.Page < 0 || q.PageSize < 0 {
		return pkgerrors.NewValidationError("page and page_size must not be negative")
	}
	return nil
}

func (q GetNeighbors) Validate() error {
	return validateNodeQuery(q.GraphID, q.NodeID, q.Direction)
}

func (q GetEdges) Validate() error {
	return validateNodeQuery(q.GraphID, q.NodeID, q.Direction)
}

func (q Traverse) Validate() error {
	if err := validateNodeQuery(q.GraphID, q.From, projections.Both); err != nil {
		return err
	}
	if q.MaxDepth < 0 {
		return pkgerrors.NewValidationError("max_depth must not be negative")
	}
	return nil
}

func validateNodeQuery(graph valueobjects.GraphID, node valueobjects.NodeID, dir projections.Direction) error {
	if graph.IsZero() {
		return pkgerrors.NewValidationError("graph_id is required")
	}
	if node.IsZero() {
		return pkgerrors.NewValidationError("node_id is required")
	}
	if _, err := projections.ParseDirection(string(dir)); err != nil {
		return pkgerrors.NewValidationError(err.Error())
	}
	return nil
}
