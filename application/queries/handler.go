package queries

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphcore/application/projections"
	"graphcore/application/quarantine"
	"graphcore/domain/core/valueobjects"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	"go.uber.org/zap"
)

// Result is a query answer with the watermark of the projection that served it
type Result struct {
	Data      interface{} `json:"data"`
	Watermark uint64      `json:"watermark"`
}

// Waiter blocks until a projection reaches a watermark; the projection
// engine implements it.
type Waiter interface {
	WaitFor(ctx context.Context, projection string, id valueobjects.GraphID, seq uint64) (uint64, error)
}

// Options bounds query cost
type Options struct {
	// MaxWait bounds how long a query waits for MinWatermark
	MaxWait time.Duration
	// MaxTraverseDepth clamps Traverse; 0 means DefaultMaxTraverseDepth
	MaxTraverseDepth int
	// Quarantine refuses reads of streams that failed verification
	Quarantine *quarantine.Registry
}

const (
	DefaultMaxWait          = 2 * time.Second
	DefaultMaxTraverseDepth = 10
	MaxPageSize             = 100
)

func DefaultOptions() Options {
	return Options{MaxWait: DefaultMaxWait, MaxTraverseDepth: DefaultMaxTraverseDepth}
}

// Handler serves queries from the summary and adjacency projections. It
// never reads the event log.
type Handler struct {
	summary   *projections.SummaryProjection
	adjacency *projections.AdjacencyProjection
	waiter    Waiter
	opts      Options
	logger    *zap.Logger
}

// NewHandler creates a query handler. waiter may be nil, in which case
// MinWatermark is ignored.
func NewHandler(summary *projections.SummaryProjection, adjacency *projections.AdjacencyProjection, waiter Waiter, opts Options, logger *zap.Logger) *Handler {
	if opts.MaxWait < 0 {
		opts.MaxWait = 0
	}
	if opts.MaxTraverseDepth <= 0 {
		opts.MaxTraverseDepth = DefaultMaxTraverseDepth
	}
	return &Handler{
		summary:   summary,
		adjacency: adjacency,
		waiter:    waiter,
		opts:      opts,
		logger:    logger,
	}
}

// Ask validates q and dispatches it
func (h *Handler) Ask(ctx context.Context, q Query) (Result, error) {
	if q == nil {
		return Result{}, pkgerrors.NewValidationError("query is required")
	}
	if err := q.Validate(); err != nil {
		return Result{}, err
	}
	switch q := q.(type) {
	case GetGraphSummary:
		return h.GetGraphSummary(ctx, q)
	case ListGraphs:
		return h.ListGraphs(ctx, q)
	case GetNeighbors:
		return h.GetNeighbors(ctx, q)
	case GetEdges:
		return h.GetEdges(ctx, q)
	case Traverse:
		return h.Traverse(ctx, q)
	}
	return Result{}, pkgerrors.NewValidationError(fmt.Sprintf("unsupported query %s", q.QueryName()))
}

func (h *Handler) GetGraphSummary(ctx context.Context, q GetGraphSummary) (Result, error) {
	h.await(ctx, projections.SummaryName, q.GraphID, q.MinWatermark)
	s, err := h.liveSummary(q.GraphID)
	if err != nil {
		return Result{}, err
	}
	return Result{Data: s, Watermark: s.Version}, nil
}

// ListGraphs reports the lowest watermark among the graphs on the page
func (h *Handler) ListGraphs(ctx context.Context, q ListGraphs) (Result, error) {
	params := common.DefaultPaginationParams()
	if q.Page > 0 {
		params.Page = q.Page
	}
	if q.PageSize > 0 {
		params.PageSize = min(q.PageSize, MaxPageSize)
	}

	all := h.visible(h.summary.List())
	from := min(params.CalculateOffset(), len(all))
	to := min(from+params.PageSize, len(all))
	page := all[from:to]

	var wm uint64
	for i, s := range page {
		if i == 0 || s.Version < wm {
			wm = s.Version
		}
	}
	return Result{Data: common.NewPaginatedResult(page, params.Page, params.PageSize, len(all)), Watermark: wm}, nil
}

func (h *Handler) GetNeighbors(ctx context.Context, q GetNeighbors) (Result, error) {
	wm, err := h.adjacencyReady(ctx, q.GraphID, q.NodeID, q.MinWatermark)
	if err != nil {
		return Result{}, err
	}
	dir, _ := projections.ParseDirection(string(q.Direction))
	return Result{Data: h.adjacency.Neighbors(q.GraphID, q.NodeID, dir), Watermark: wm}, nil
}

func (h *Handler) GetEdges(ctx context.Context, q GetEdges) (Result, error) {
	wm, err := h.adjacencyReady(ctx, q.GraphID, q.NodeID, q.MinWatermark)
	if err != nil {
		return Result{}, err
	}
	dir, _ := projections.ParseDirection(string(q.Direction))
	return Result{Data: h.adjacency.Edges(q.GraphID, q.NodeID, dir), Watermark: wm}, nil
}

func (h *Handler) Traverse(ctx context.Context, q Traverse) (Result, error) {
	wm, err := h.adjacencyReady(ctx, q.GraphID, q.From, q.MinWatermark)
	if err != nil {
		return Result{}, err
	}
	depth := q.MaxDepth
	if depth == 0 || depth > h.opts.MaxTraverseDepth {
		depth = h.opts.MaxTraverseDepth
	}
	return Result{Data: h.adjacency.Traverse(q.GraphID, q.From, depth), Watermark: wm}, nil
}

func (h *Handler) liveSummary(id valueobjects.GraphID) (projections.GraphSummary, error) {
	if h.opts.Quarantine != nil {
		if err := h.opts.Quarantine.Check(id); err != nil {
			return projections.GraphSummary{}, err
		}
	}
	s, ok := h.summary.Get(id)
	if !ok {
		return projections.GraphSummary{}, pkgerrors.GraphNotFound(id.String())
	}
	if s.Deleted {
		return projections.GraphSummary{}, pkgerrors.GraphDeleted(id.String())
	}
	return s, nil
}

// visible drops quarantined graphs from a listing
func (h *Handler) visible(all []projections.GraphSummary) []projections.GraphSummary {
	if h.opts.Quarantine == nil {
		return all
	}
	out := all[:0:0]
	for _, s := range all {
		if h.opts.Quarantine.Check(s.GraphID) == nil {
			out = append(out, s)
		}
	}
	return out
}

func (h *Handler) adjacencyReady(ctx context.Context, graph valueobjects.GraphID, node valueobjects.NodeID, minWatermark uint64) (uint64, error) {
	h.await(ctx, projections.AdjacencyName, graph, minWatermark)
	if _, err := h.liveSummary(graph); err != nil {
		return 0, err
	}
	if !h.adjacency.HasNode(graph, node) {
		return 0, pkgerrors.NodeNotFound(node.String())
	}
	return h.adjacency.Watermark(graph), nil
}

// await waits for a projection to reach minWatermark, bounded by MaxWait. Falling
// short is not an error; the caller answers with what it has.
func (h *Handler) await(ctx context.Context, projection string, id valueobjects.GraphID, minWatermark uint64) {
	if minWatermark == 0 || h.waiter == nil || h.opts.MaxWait == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.MaxWait)
	defer cancel()
	wm, err := h.waiter.WaitFor(ctx, projection, id, minWatermark)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		h.logger.Warn("Waiting for projection failed",
			zap.String("projection", projection),
			zap.String("graph_id", id.String()),
			zap.Error(err),
		)
		return
	}
	if wm < minWatermark {
		h.logger.Debug("Answering from a stale projection",
			zap.String("projection", projection),
			zap.String("graph_id", id.String()),
			zap.Uint64("watermark", wm),
			zap.Uint64("min_watermark", minWatermark),
		)
	}
}
