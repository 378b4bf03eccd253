package queries

import (
	"context"
	"testing"
	"time"

	"graphcore/application/commands"
	"graphcore/application/projections"
	"graphcore/application/quarantine"
	graphcmd "graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/infrastructure/persistence/memory"
	"graphcore/pkg/common"
	pkgerrors "graphcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stack struct {
	log       *memory.InMemoryEventLog
	held      *quarantine.Registry
	commands  *commands.Handler
	engine    *projections.Engine
	summary   *projections.SummaryProjection
	adjacency *projections.AdjacencyProjection
	queries   *Handler
}

func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	log := memory.NewInMemoryEventLog()
	s := &stack{
		log:       log,
		held:      quarantine.NewRegistry(zap.NewNop()),
		summary:   projections.NewSummaryProjection(),
		adjacency: projections.NewAdjacencyProjection(),
	}
	opts.Quarantine = s.held
	s.engine = projections.NewEngine(log, nil, projections.Options{CatchUpInterval: time.Hour, Quarantine: s.held}, zap.NewNop(), nil, nil)
	require.NoError(t, s.engine.Register(s.summary))
	require.NoError(t, s.engine.Register(s.adjacency))
	require.NoError(t, s.engine.Start(context.Background()))
	t.Cleanup(s.engine.Stop)

	s.commands = commands.NewHandler(log, config.NewStaticProvider(nil), commands.DefaultOptions(),
		commands.Dependencies{Notifier: s.engine, Quarantine: s.held}, zap.NewNop())
	s.queries = NewHandler(s.summary, s.adjacency, s.engine, opts, zap.NewNop())
	return s
}

func (s *stack) send(t *testing.T, cmd graphcmd.Command) commands.Acknowledgment {
	t.Helper()
	ack, err := s.commands.Handle(context.Background(), cmd)
	require.NoError(t, err)
	return ack
}

// buildPair creates a graph holding a directed a -> b edge at version 4
func (s *stack) buildPair(t *testing.T) (valueobjects.GraphID, valueobjects.NodeID, valueobjects.NodeID) {
	t.Helper()
	id := valueobjects.NewGraphID()
	s.send(t, graphcmd.CreateGraph{Graph: id, Name: "pair"})
	a := graphcmd.NewAddNode(id, valueobjects.NewNodeContent("a", "concept", nil), valueobjects.Position3D{})
	b := graphcmd.NewAddNode(id, valueobjects.NewNodeContent("b", "concept", nil), valueobjects.Position3D{})
	s.send(t, a)
	s.send(t, b)
	s.send(t, graphcmd.NewConnectNodes(id, a.NodeID, b.NodeID, valueobjects.DirectedRelationship("next")))
	return id, a.NodeID, b.NodeID
}

func TestHandler_ReadsItsOwnWrites(t *testing.T) {
	s := newStack(t, DefaultOptions())
	id, a, b := s.buildPair(t)

	res, err := s.queries.Ask(context.Background(), GetGraphSummary{GraphID: id, Consistency: Consistency{MinWatermark: 4}})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Watermark)
	summary := res.Data.(projections.GraphSummary)
	assert.Equal(t, "pair", summary.Name)
	assert.Equal(t, 2, summary.NodeCount)
	assert.Equal(t, 1, summary.EdgeCount)

	res, err = s.queries.Ask(context.Background(), GetNeighbors{GraphID: id, NodeID: a, Direction: projections.Outgoing, Consistency: Consistency{MinWatermark: 4}})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), res.Watermark)
	assert.Equal(t, []valueobjects.NodeID{b}, res.Data)

	res, err = s.queries.Ask(context.Background(), GetEdges{GraphID: id, NodeID: b, Direction: projections.Incoming, Consistency: Consistency{MinWatermark: 4}})
	require.NoError(t, err)
	edges := res.Data.([]projections.EdgeView)
	require.Len(t, edges, 1)
	assert.True(t, edges[0].Source.Equals(a))
}

func TestHandler_StaleAnswerAfterMaxWait(t *testing.T) {
	s := newStack(t, Options{MaxWait: 20 * time.Millisecond})
	id := valueobjects.NewGraphID()
	s.send(t, graphcmd.CreateGraph{Graph: id, Name: "g"})

	_, err := s.engine.WaitFor(context.Background(), projections.SummaryName, id, 1)
	require.NoError(t, err)

	start := time.Now()
	res, err := s.queries.Ask(context.Background(), GetGraphSummary{GraphID: id, Consistency: Consistency{MinWatermark: 9}})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.Watermark)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestHandler_NotFound(t *testing.T) {
	s := newStack(t, DefaultOptions())
	id, a, _ := s.buildPair(t)
	ctx := context.Background()

	_, err := s.queries.Ask(ctx, GetGraphSummary{GraphID: valueobjects.NewGraphID()})
	assert.True(t, pkgerrors.IsDomainType(err, pkgerrors.DomainNotFoundError))

	_, err = s.queries.Ask(ctx, GetNeighbors{GraphID: id, NodeID: valueobjects.NewNodeID(), Consistency: Consistency{MinWatermark: 4}})
	require.Error(t, err)
	de := pkgerrors.GetDomainError(err)
	require.NotNil(t, de)
	assert.Equal(t, pkgerrors.DomainNotFoundError, de.Type)

	s.send(t, graphcmd.DeleteGraph{Graph: id})
	_, err = s.queries.Ask(ctx, GetGraphSummary{GraphID: id, Consistency: Consistency{MinWatermark: 5}})
	require.Error(t, err)
	assert.Equal(t, "GRAPH_DELETED", pkgerrors.GetDomainError(err).Code)
	_, err = s.queries.Ask(ctx, Traverse{GraphID: id, From: a})
	require.Error(t, err)

	res, err := s.queries.Ask(ctx, ListGraphs{})
	require.NoError(t, err)
	assert.Empty(t, res.Data.(*common.PaginatedResult).Items)
}

func TestHandler_RefusesQuarantinedStreams(t *testing.T) {
	s := newStack(t, DefaultOptions())
	id, a, _ := s.buildPair(t)
	other := valueobjects.NewGraphID()
	s.send(t, graphcmd.CreateGraph{Graph: other, Name: "other"})
	_, err := s.engine.WaitFor(context.Background(), projections.SummaryName, other, 1)
	require.NoError(t, err)
	ctx := context.Background()

	// the command side finds the broken link and quarantines the stream
	require.True(t, s.log.Tamper(id, 3, func(e *events.Envelope) {
		e.PrevHash = "feed"
		e.Hash = events.ComputeHash(e)
	}))
	_, err = s.commands.Handle(ctx, graphcmd.RenameGraph{Graph: id, Name: "x"})
	require.True(t, pkgerrors.IsIntegrityViolation(err))

	_, err = s.queries.Ask(ctx, GetGraphSummary{GraphID: id})
	assert.ErrorIs(t, err, pkgerrors.ErrStreamQuarantined)
	_, err = s.queries.Ask(ctx, GetNeighbors{GraphID: id, NodeID: a, Direction: projections.Both})
	assert.ErrorIs(t, err, pkgerrors.ErrStreamQuarantined)
	_, err = s.queries.Ask(ctx, Traverse{GraphID: id, From: a})
	assert.ErrorIs(t, err, pkgerrors.ErrStreamQuarantined)

	res, err := s.queries.Ask(ctx, ListGraphs{})
	require.NoError(t, err)
	items := res.Data.(*common.PaginatedResult).Items.([]projections.GraphSummary)
	require.Len(t, items, 1)
	assert.Equal(t, "other", items[0].Name)

	require.True(t, s.held.Release(id))
	_, err = s.queries.Ask(ctx, GetGraphSummary{GraphID: id})
	assert.NoError(t, err)
}

func TestHandler_TraverseIsClamped(t *testing.T) {
	s := newStack(t, Options{MaxWait: time.Second, MaxTraverseDepth: 2})
	id := valueobjects.NewGraphID()
	s.send(t, graphcmd.CreateGraph{Graph: id, Name: "chain"})

	var chain []valueobjects.NodeID
	for _, label := range []string{"a", "b", "c", "d", "e"} {
		add := graphcmd.NewAddNode(id, valueobjects.NewNodeContent(label, "concept", nil), valueobjects.Position3D{})
		s.send(t, add)
		if len(chain) > 0 {
			s.send(t, graphcmd.NewConnectNodes(id, chain[len(chain)-1], add.NodeID, valueobjects.DirectedRelationship("next")))
		}
		chain = append(chain, add.NodeID)
	}
	_, err := s.engine.WaitFor(context.Background(), projections.AdjacencyName, id, 10)
	require.NoError(t, err)

	for _, depth := range []int{0, 2, 50} {
		res, err := s.queries.Ask(context.Background(), Traverse{GraphID: id, From: chain[0], MaxDepth: depth})
		require.NoError(t, err)
		assert.Len(t, res.Data.([]projections.Visit), 3, "depth %d", depth)
	}

	res, err := s.queries.Ask(context.Background(), Traverse{GraphID: id, From: chain[0], MaxDepth: 1})
	require.NoError(t, err)
	assert.Len(t, res.Data.([]projections.Visit), 2)

	_, err = s.queries.Ask(context.Background(), Traverse{GraphID: id, From: chain[0], MaxDepth: -1})
	assert.True(t, pkgerrors.IsValidation(err))
}

func TestHandler_ListGraphsPages(t *testing.T) {
	s := newStack(t, DefaultOptions())
	var last uint64
	for _, name := range []string{"c", "a", "b"} {
		id := valueobjects.NewGraphID()
		s.send(t, graphcmd.CreateGraph{Graph: id, Name: name})
		wm, err := s.engine.WaitFor(context.Background(), projections.SummaryName, id, 1)
		require.NoError(t, err)
		last = wm
	}
	require.Equal(t, uint64(1), last)

	res, err := s.queries.Ask(context.Background(), ListGraphs{Page: 1, PageSize: 2})
	require.NoError(t, err)
	page := res.Data.(*common.PaginatedResult)
	items := page.Items.([]projections.GraphSummary)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Name)
	assert.Equal(t, "b", items[1].Name)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.True(t, page.Pagination.HasNext)

	res, err = s.queries.Ask(context.Background(), ListGraphs{Page: 2, PageSize: 2})
	require.NoError(t, err)
	items = res.Data.(*common.PaginatedResult).Items.([]projections.GraphSummary)
	require.Len(t, items, 1)
	assert.Equal(t, "c", items[0].Name)

	res, err = s.queries.Ask(context.Background(), ListGraphs{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, res.Data.(*common.PaginatedResult).Items)
}

func TestQueryRequest_Decode(t *testing.T) {
	graph := valueobjects.NewGraphID().String()
	node := valueobjects.NewNodeID().String()

	tests := []struct {
		name    string
		req     QueryRequest
		want    string
		wantErr bool
	}{
		{"summary", QueryRequest{Type: "GetGraphSummary", GraphID: graph, MinWatermark: 3}, "GetGraphSummary", false},
		{"list without graph", QueryRequest{Type: "ListGraphs", PageSize: 10}, "ListGraphs", false},
		{"neighbors", QueryRequest{Type: "GetNeighbors", GraphID: graph, NodeID: node, Direction: "out"}, "GetNeighbors", false},
		{"traverse", QueryRequest{Type: "Traverse", GraphID: graph, NodeID: node, MaxDepth: 3}, "Traverse", false},
		{"unknown type", QueryRequest{Type: "Everything", GraphID: graph}, "", true},
		{"missing graph", QueryRequest{Type: "GetGraphSummary"}, "", true},
		{"missing node", QueryRequest{Type: "GetEdges", GraphID: graph}, "", true},
		{"bad direction", QueryRequest{Type: "GetEdges", GraphID: graph, NodeID: node, Direction: "up"}, "", true},
		{"page size too large", QueryRequest{Type: "ListGraphs", PageSize: 500}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := tt.req.Decode()
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, pkgerrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, q.QueryName())
			assert.NoError(t, q.Validate())
		})
	}
}
