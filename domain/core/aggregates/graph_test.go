package aggregates

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"
	"time"

	"graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	pkgerrors "graphcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clock = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// commit seals events after the aggregate's head and applies them, which is
// what the command handler does after a successful append.
func commit(t *testing.T, g *Graph, evts []events.DomainEvent) []events.Envelope {
	t.Helper()
	clock = clock.Add(time.Second)
	envs, err := events.Seal(g.ID(), g.Head(), evts, events.Metadata{}, clock)
	require.NoError(t, err)
	g.ApplyAll(envs)
	return envs
}

func execute(t *testing.T, g *Graph, cmd commands.Command) []events.Envelope {
	t.Helper()
	evts, err := g.Handle(cmd)
	require.NoError(t, err)
	return commit(t, g, evts)
}

func newCreatedGraph(t *testing.T, cfg *config.DomainConfig) *Graph {
	t.Helper()
	g := NewGraph(valueobjects.NewGraphID(), cfg)
	execute(t, g, commands.CreateGraph{Graph: g.ID(), Name: "G"})
	return g
}

func addNode(t *testing.T, g *Graph, label string, pos valueobjects.Position3D) valueobjects.NodeID {
	t.Helper()
	cmd := commands.NewAddNode(g.ID(), valueobjects.NewNodeContent(label, "", nil), pos)
	execute(t, g, cmd)
	return cmd.NodeID
}

func connect(t *testing.T, g *Graph, a, b valueobjects.NodeID) valueobjects.EdgeID {
	t.Helper()
	cmd := commands.NewConnectNodes(g.ID(), a, b, valueobjects.DirectedRelationship("depends_on"))
	execute(t, g, cmd)
	return cmd.EdgeID
}

func TestGraph_CreateAndBuild(t *testing.T) {
	g := newCreatedGraph(t, nil)
	a := addNode(t, g, "A", valueobjects.Origin())
	b := addNode(t, g, "B", valueobjects.Position3D{X: 1, Y: 1, Z: 1})
	connect(t, g, a, b)

	assert.Equal(t, uint64(4), g.Version())
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	assert.Equal(t, "G", g.Name())
	assert.True(t, g.CreatedAt().Before(g.UpdatedAt()))
}

func TestGraph_HandleDoesNotMutate(t *testing.T) {
	g := newCreatedGraph(t, nil)
	before := g.State()

	evts, err := g.Handle(commands.NewAddNode(g.ID(), valueobjects.NewNodeContent("A", "", nil), valueobjects.Origin()))
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, before, g.State())
}

func TestGraph_Validation(t *testing.T) {
	strict := config.DefaultDomainConfig()
	strict.MaxNodesPerGraph = 2

	tests := []struct {
		name   string
		cfg    *config.DomainConfig
		build  func(t *testing.T, g *Graph) commands.Command
		target *pkgerrors.DomainError
	}{
		{
			name: "self loop rejected",
			build: func(t *testing.T, g *Graph) commands.Command {
				a := addNode(t, g, "A", valueobjects.Origin())
				return commands.NewConnectNodes(g.ID(), a, a, valueobjects.DirectedRelationship("self"))
			},
			target: pkgerrors.ErrSelfLoopNotAllowed,
		},
		{
			name: "duplicate edge rejected",
			build: func(t *testing.T, g *Graph) commands.Command {
				a := addNode(t, g, "A", valueobjects.Origin())
				b := addNode(t, g, "B", valueobjects.Origin())
				connect(t, g, a, b)
				return commands.NewConnectNodes(g.ID(), a, b, valueobjects.DirectedRelationship("again"))
			},
			target: pkgerrors.ErrDuplicateEdgeNotAllowed,
		},
		{
			name: "missing endpoint",
			build: func(t *testing.T, g *Graph) commands.Command {
				a := addNode(t, g, "A", valueobjects.Origin())
				return commands.NewConnectNodes(g.ID(), a, valueobjects.NewNodeID(), valueobjects.DirectedRelationship("x"))
			},
			target: pkgerrors.ErrNodeNotFound,
		},
		{
			name: "node limit",
			cfg:  strict,
			build: func(t *testing.T, g *Graph) commands.Command {
				addNode(t, g, "A", valueobjects.Origin())
				addNode(t, g, "B", valueobjects.Origin())
				return commands.NewAddNode(g.ID(), valueobjects.NewNodeContent("C", "", nil), valueobjects.Origin())
			},
			target: pkgerrors.ErrNodeLimitExceeded,
		},
		{
			name: "node already exists",
			build: func(t *testing.T, g *Graph) commands.Command {
				a := addNode(t, g, "A", valueobjects.Origin())
				return commands.AddNode{Graph: g.ID(), NodeID: a, Content: valueobjects.NewNodeContent("A2", "", nil)}
			},
			target: pkgerrors.ErrNodeAlreadyExists,
		},
		{
			name: "non-finite position",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.NewAddNode(g.ID(), valueobjects.NewNodeContent("A", "", nil),
					valueobjects.Position3D{X: math.NaN()})
			},
			target: pkgerrors.ErrInvalidNodePosition,
		},
		{
			name: "remove unknown edge",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.RemoveEdge{Graph: g.ID(), EdgeID: valueobjects.NewEdgeID()}
			},
			target: pkgerrors.ErrEdgeNotFound,
		},
		{
			name: "remove unknown node",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.RemoveNode{Graph: g.ID(), NodeID: valueobjects.NewNodeID()}
			},
			target: pkgerrors.ErrNodeNotFound,
		},
		{
			name: "untag missing tag",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.UntagGraph{Graph: g.ID(), Tag: "nope"}
			},
			target: pkgerrors.ErrTagNotFound,
		},
		{
			name: "create twice",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.CreateGraph{Graph: g.ID(), Name: "again"}
			},
			target: pkgerrors.ErrGraphAlreadyExists,
		},
		{
			name: "other stream",
			build: func(t *testing.T, g *Graph) commands.Command {
				return commands.DeleteGraph{Graph: valueobjects.NewGraphID()}
			},
			target: pkgerrors.ErrGraphNotFound,
		},
		{
			name: "after delete",
			build: func(t *testing.T, g *Graph) commands.Command {
				execute(t, g, commands.DeleteGraph{Graph: g.ID()})
				require.True(t, g.IsDeleted())
				return commands.RenameGraph{Graph: g.ID(), Name: "zombie"}
			},
			target: pkgerrors.ErrGraphDeleted,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newCreatedGraph(t, tt.cfg)
			cmd := tt.build(t, g)
			version := g.Version()

			evts, err := g.Handle(cmd)
			assert.ErrorIs(t, err, tt.target)
			assert.Empty(t, evts)
			assert.Equal(t, version, g.Version())
		})
	}
}

func TestGraph_UncreatedRejectsCommands(t *testing.T) {
	g := NewGraph(valueobjects.NewGraphID(), nil)
	_, err := g.Handle(commands.NewAddNode(g.ID(), valueobjects.NewNodeContent("A", "", nil), valueobjects.Origin()))
	assert.ErrorIs(t, err, pkgerrors.ErrGraphNotFound)
}

func TestGraph_PermissiveConfig(t *testing.T) {
	cfg := config.DevelopmentDomainConfig()
	g := newCreatedGraph(t, cfg)
	a := addNode(t, g, "A", valueobjects.Origin())
	b := addNode(t, g, "B", valueobjects.Origin())

	connect(t, g, a, a)
	connect(t, g, a, b)
	connect(t, g, a, b)
	assert.Equal(t, 3, g.EdgeCount())
}

func TestGraph_RemoveNodeCascades(t *testing.T) {
	g := newCreatedGraph(t, nil)
	hub := addNode(t, g, "hub", valueobjects.Origin())
	other := addNode(t, g, "other", valueobjects.Origin())
	var spokes []valueobjects.NodeID
	for i := 0; i < 3; i++ {
		s := addNode(t, g, "spoke", valueobjects.Origin())
		spokes = append(spokes, s)
		connect(t, g, hub, s)
	}
	connect(t, g, spokes[0], hub)
	keep := connect(t, g, spokes[1], other)
	k := len(g.EdgesTouching(hub))
	require.Equal(t, 4, k)

	evts, err := g.Handle(commands.RemoveNode{Graph: g.ID(), NodeID: hub})
	require.NoError(t, err)
	require.Len(t, evts, k+1)
	for _, e := range evts[:k] {
		assert.IsType(t, events.EdgeRemoved{}, e)
	}
	assert.Equal(t, events.NodeRemoved{NodeID: hub}, evts[k])

	commit(t, g, evts)
	assert.Empty(t, g.EdgesTouching(hub))
	_, ok := g.Node(hub)
	assert.False(t, ok)
	_, ok = g.Edge(keep)
	assert.True(t, ok)
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_ChangeNodeContentIsRemoveAddPair(t *testing.T) {
	g := newCreatedGraph(t, nil)
	pos := valueobjects.Position3D{X: 2, Y: 3, Z: 4}
	a := addNode(t, g, "old", pos)
	b := addNode(t, g, "B", valueobjects.Origin())
	connect(t, g, a, b)

	content := valueobjects.NewNodeContent("new", "concept", map[string]valueobjects.PropertyValue{
		"rank": valueobjects.NumberProperty(1),
	})
	evts, err := g.Handle(commands.ChangeNodeContent{Graph: g.ID(), NodeID: a, Content: content})
	require.NoError(t, err)
	require.Len(t, evts, 2)

	removed, ok := evts[0].(events.NodeRemoved)
	require.True(t, ok)
	added, ok := evts[1].(events.NodeAdded)
	require.True(t, ok)
	assert.Equal(t, a, removed.NodeID)
	assert.Equal(t, a, added.NodeID)
	assert.Equal(t, pos, added.Position)

	commit(t, g, evts)
	n, _ := g.Node(a)
	assert.Equal(t, "new", n.Content().Label())
	assert.Equal(t, 1, g.EdgeCount())
}

func TestGraph_MoveNode(t *testing.T) {
	g := newCreatedGraph(t, nil)
	a := addNode(t, g, "A", valueobjects.Origin())

	envs := execute(t, g, commands.MoveNode{Graph: g.ID(), NodeID: a, Position: valueobjects.Position3D{X: 5}})
	require.Len(t, envs, 1)
	assert.Equal(t, events.TypeNodeMoved, envs[0].Type)
	n, _ := g.Node(a)
	assert.Equal(t, 5.0, n.Position().X)
	assert.Equal(t, "A", n.Content().Label())
}

func TestGraph_Tags(t *testing.T) {
	g := newCreatedGraph(t, nil)
	execute(t, g, commands.TagGraph{Graph: g.ID(), Tag: "infra"})
	execute(t, g, commands.TagGraph{Graph: g.ID(), Tag: "prod"})

	evts, err := g.Handle(commands.TagGraph{Graph: g.ID(), Tag: "infra"})
	require.NoError(t, err)
	assert.Empty(t, evts)

	execute(t, g, commands.UntagGraph{Graph: g.ID(), Tag: "infra"})
	assert.Equal(t, []string{"prod"}, g.Tags())

	envs := execute(t, g, commands.RenameGraph{Graph: g.ID(), Name: "H"})
	assert.Equal(t, events.GraphRenamed{OldName: "G", NewName: "H"}, envs[0].Payload)
}

func TestGraph_ApplyOutOfOrderPanics(t *testing.T) {
	g := newCreatedGraph(t, nil)
	envs, err := events.Seal(g.ID(), events.ChainHead{Sequence: 5, Hash: "x"},
		[]events.DomainEvent{events.GraphDeleted{}}, events.Metadata{}, clock)
	require.NoError(t, err)

	assert.Panics(t, func() { g.Apply(envs[0]) })
}

// randomCommand picks a command that is valid for the current state
func randomCommand(r *rand.Rand, g *Graph) commands.Command {
	nodes := g.Nodes()
	edges := g.Edges()
	pos := valueobjects.Position3D{X: r.Float64(), Y: r.Float64(), Z: r.Float64()}

	switch choice := r.Intn(8); {
	case choice <= 2 || len(nodes) < 2:
		return commands.NewAddNode(g.ID(), valueobjects.NewNodeContent("n", "t", map[string]valueobjects.PropertyValue{
			"weight": valueobjects.NumberProperty(float64(r.Intn(100))),
		}), pos)
	case choice == 3:
		a, b := nodes[r.Intn(len(nodes))], nodes[r.Intn(len(nodes))]
		if a.ID().Equals(b.ID()) || g.pairs[edgeKey{a.ID(), b.ID()}] > 0 {
			return commands.MoveNode{Graph: g.ID(), NodeID: a.ID(), Position: pos}
		}
		return commands.NewConnectNodes(g.ID(), a.ID(), b.ID(), valueobjects.NewRelationship("rel", r.Float64(), r.Intn(2) == 0))
	case choice == 4:
		return commands.RemoveNode{Graph: g.ID(), NodeID: nodes[r.Intn(len(nodes))].ID()}
	case choice == 5 && len(edges) > 0:
		return commands.RemoveEdge{Graph: g.ID(), EdgeID: edges[r.Intn(len(edges))].ID()}
	case choice == 6:
		return commands.ChangeNodeContent{Graph: g.ID(), NodeID: nodes[r.Intn(len(nodes))].ID(),
			Content: valueobjects.NewNodeContent("changed", "", nil)}
	default:
		return commands.MoveNode{Graph: g.ID(), NodeID: nodes[r.Intn(len(nodes))].ID(), Position: pos}
	}
}

func TestGraph_ReplayEquivalence(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		r := rand.New(rand.NewSource(seed))
		direct := NewGraph(valueobjects.NewGraphID(), nil)
		history := execute(t, direct, commands.CreateGraph{Graph: direct.ID(), Name: "replay"})
		for i := 0; i < 200; i++ {
			history = append(history, execute(t, direct, randomCommand(r, direct))...)
		}

		require.NoError(t, events.VerifyChain(direct.ID(), history))

		replayed := NewGraph(direct.ID(), nil)
		replayed.ApplyAll(history)

		assert.True(t, direct.Equal(replayed), "seed %d", seed)
		assert.Equal(t, direct.State(), replayed.State(), "seed %d", seed)
	}
}

func TestGraph_StateRoundTrip(t *testing.T) {
	g := newCreatedGraph(t, nil)
	a := addNode(t, g, "A", valueobjects.Origin())
	b := addNode(t, g, "B", valueobjects.Position3D{X: 1})
	connect(t, g, a, b)
	execute(t, g, commands.TagGraph{Graph: g.ID(), Tag: "x"})

	data, err := json.Marshal(g.State())
	require.NoError(t, err)
	var state GraphState
	require.NoError(t, json.Unmarshal(data, &state))

	restored, err := FromState(state, nil)
	require.NoError(t, err)
	assert.True(t, g.Equal(restored))

	// restored aggregates keep enforcing invariants
	_, err = restored.Handle(commands.NewConnectNodes(g.ID(), a, b, valueobjects.DirectedRelationship("dup")))
	assert.ErrorIs(t, err, pkgerrors.ErrDuplicateEdgeNotAllowed)
}

func TestFromState_RejectsDanglingEdges(t *testing.T) {
	g := newCreatedGraph(t, nil)
	a := addNode(t, g, "A", valueobjects.Origin())
	b := addNode(t, g, "B", valueobjects.Origin())
	connect(t, g, a, b)

	state := g.State()
	state.Nodes = state.Nodes[:1]
	_, err := FromState(state, nil)
	assert.Error(t, err)
}
