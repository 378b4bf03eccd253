package aggregates

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/entities"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	pkgerrors "graphcore/pkg/errors"
)

// edgeKey is an ordered endpoint pair
type edgeKey struct {
	source valueobjects.NodeID
	target valueobjects.NodeID
}

// Graph is the aggregate root and the consistency boundary for one stream.
//
// Handle validates a command against the current state and returns the
// events it would produce without changing anything. State only changes in
// Apply, which the command handler calls after the events are durable.
type Graph struct {
	id        valueobjects.GraphID
	name      string
	tags      []string
	createdAt time.Time
	updatedAt time.Time
	deleted   bool

	nodes map[valueobjects.NodeID]entities.Node
	edges map[valueobjects.EdgeID]entities.Edge
	pairs map[edgeKey]int

	version uint64
	head    events.ChainHead

	cfg *config.DomainConfig
}

// NewGraph returns an empty aggregate for id at version 0
func NewGraph(id valueobjects.GraphID, cfg *config.DomainConfig) *Graph {
	if cfg == nil {
		cfg = config.DefaultDomainConfig()
	}
	return &Graph{
		id:    id,
		tags:  []string{},
		nodes: make(map[valueobjects.NodeID]entities.Node),
		edges: make(map[valueobjects.EdgeID]entities.Edge),
		pairs: make(map[edgeKey]int),
		head:  events.Genesis(),
		cfg:   cfg,
	}
}

func (g *Graph) ID() valueobjects.GraphID { return g.id }
func (g *Graph) Version() uint64          { return g.version }
func (g *Graph) Head() events.ChainHead   { return g.head }
func (g *Graph) Name() string             { return g.name }
func (g *Graph) CreatedAt() time.Time     { return g.createdAt }
func (g *Graph) UpdatedAt() time.Time     { return g.updatedAt }
func (g *Graph) IsDeleted() bool          { return g.deleted }
func (g *Graph) NodeCount() int           { return len(g.nodes) }
func (g *Graph) EdgeCount() int           { return len(g.edges) }

// Exists reports whether GraphCreated has been applied
func (g *Graph) Exists() bool { return g.version > 0 }

// Tags returns a copy of the tags in the order they were added
func (g *Graph) Tags() []string {
	out := make([]string, len(g.tags))
	copy(out, g.tags)
	return out
}

func (g *Graph) Node(id valueobjects.NodeID) (entities.Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

func (g *Graph) Edge(id valueobjects.EdgeID) (entities.Edge, bool) {
	e, ok := g.edges[id]
	return e, ok
}

// Nodes returns all nodes ordered by id
func (g *Graph) Nodes() []entities.Node {
	out := make([]entities.Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Edges returns all edges ordered by id
func (g *Graph) Edges() []entities.Edge {
	out := make([]entities.Edge, 0, len(g.edges))
	for _, e := range g.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// EdgesTouching returns the edges with node as either endpoint, ordered by id
func (g *Graph) EdgesTouching(node valueobjects.NodeID) []entities.Edge {
	var out []entities.Edge
	for _, e := range g.edges {
		if e.Touches(node) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID().String() < out[j].ID().String() })
	return out
}

// Handle validates cmd and returns the resulting events. It never mutates g.
func (g *Graph) Handle(cmd commands.Command) ([]events.DomainEvent, error) {
	if cmd == nil {
		return nil, pkgerrors.InvalidCommand("command is nil")
	}
	if !cmd.AggregateID().Equals(g.id) {
		return nil, pkgerrors.GraphNotFound(cmd.AggregateID().String())
	}
	if c, ok := cmd.(commands.CreateGraph); ok {
		return g.handleCreate(c)
	}
	if !g.Exists() {
		return nil, pkgerrors.GraphNotFound(g.id.String())
	}
	if g.deleted {
		return nil, pkgerrors.GraphDeleted(g.id.String())
	}

	switch c := cmd.(type) {
	case commands.AddNode:
		return g.handleAddNode(c)
	case commands.ConnectNodes:
		return g.handleConnect(c)
	case commands.RemoveNode:
		return g.handleRemoveNode(c)
	case commands.RemoveEdge:
		return g.handleRemoveEdge(c)
	case commands.ChangeNodeContent:
		return g.handleChangeContent(c)
	case commands.MoveNode:
		return g.handleMove(c)
	case commands.RenameGraph:
		return g.handleRename(c)
	case commands.TagGraph:
		return g.handleTag(c)
	case commands.UntagGraph:
		return g.handleUntag(c)
	case commands.DeleteGraph:
		return []events.DomainEvent{events.GraphDeleted{}}, nil
	default:
		return nil, pkgerrors.InvalidCommand(fmt.Sprintf("unsupported command %s", cmd.CommandName()))
	}
}

func (g *Graph) handleCreate(c commands.CreateGraph) ([]events.DomainEvent, error) {
	if g.Exists() {
		return nil, pkgerrors.GraphAlreadyExists(g.id.String())
	}
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = g.cfg.DefaultGraphName
	}
	tags := []string{}
	seen := make(map[string]bool)
	for _, t := range c.Tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		tags = append(tags, t)
	}
	if len(tags) > g.cfg.MaxTagsPerGraph {
		return nil, pkgerrors.InvalidCommand(fmt.Sprintf("at most %d tags allowed", g.cfg.MaxTagsPerGraph))
	}
	return []events.DomainEvent{events.GraphCreated{GraphID: g.id, Name: name, Tags: tags}}, nil
}

func (g *Graph) handleAddNode(c commands.AddNode) ([]events.DomainEvent, error) {
	if c.NodeID.IsZero() {
		return nil, pkgerrors.InvalidCommand("node id is required")
	}
	if _, exists := g.nodes[c.NodeID]; exists {
		return nil, pkgerrors.NodeAlreadyExists(c.NodeID.String())
	}
	if len(g.nodes) >= g.cfg.MaxNodesPerGraph {
		return nil, pkgerrors.NodeLimitExceeded(g.cfg.MaxNodesPerGraph)
	}
	if !c.Position.IsFinite() {
		return nil, pkgerrors.InvalidNodePosition()
	}
	if err := c.Content.Validate(g.cfg); err != nil {
		return nil, err
	}
	return []events.DomainEvent{events.NodeAdded{
		NodeID:   c.NodeID,
		Content:  c.Content,
		Position: c.Position,
		Subgraph: c.Subgraph,
	}}, nil
}

func (g *Graph) handleConnect(c commands.ConnectNodes) ([]events.DomainEvent, error) {
	if c.EdgeID.IsZero() {
		return nil, pkgerrors.InvalidCommand("edge id is required")
	}
	if _, exists := g.edges[c.EdgeID]; exists {
		return nil, pkgerrors.InvalidCommand("edge id already in use")
	}
	if _, ok := g.nodes[c.Source]; !ok {
		return nil, pkgerrors.NodeNotFound(c.Source.String())
	}
	if _, ok := g.nodes[c.Target]; !ok {
		return nil, pkgerrors.NodeNotFound(c.Target.String())
	}
	if c.Source.Equals(c.Target) && !g.cfg.AllowSelfLoops {
		return nil, pkgerrors.SelfLoopNotAllowed(c.Source.String())
	}
	if g.pairs[edgeKey{c.Source, c.Target}] > 0 && !g.cfg.AllowDuplicateEdges {
		return nil, pkgerrors.DuplicateEdgeNotAllowed(c.Source.String(), c.Target.String())
	}
	if len(g.edges) >= g.cfg.MaxEdgesPerGraph {
		return nil, pkgerrors.EdgeLimitExceeded(g.cfg.MaxEdgesPerGraph)
	}
	if err := c.Relationship.Validate(g.cfg); err != nil {
		return nil, err
	}
	return []events.DomainEvent{events.EdgeAdded{
		EdgeID:       c.EdgeID,
		Source:       c.Source,
		Target:       c.Target,
		Relationship: c.Relationship,
		Subgraph:     c.Subgraph,
	}}, nil
}

// handleRemoveNode cascades: every touching edge is removed first, so no
// prefix of the resulting events leaves a dangling edge.
func (g *Graph) handleRemoveNode(c commands.RemoveNode) ([]events.DomainEvent, error) {
	if _, ok := g.nodes[c.NodeID]; !ok {
		return nil, pkgerrors.NodeNotFound(c.NodeID.String())
	}
	touching := g.EdgesTouching(c.NodeID)
	out := make([]events.DomainEvent, 0, len(touching)+1)
	for _, e := range touching {
		out = append(out, events.EdgeRemoved{EdgeID: e.ID()})
	}
	return append(out, events.NodeRemoved{NodeID: c.NodeID}), nil
}

func (g *Graph) handleRemoveEdge(c commands.RemoveEdge) ([]events.DomainEvent, error) {
	if _, ok := g.edges[c.EdgeID]; !ok {
		return nil, pkgerrors.EdgeNotFound(c.EdgeID.String())
	}
	return []events.DomainEvent{events.EdgeRemoved{EdgeID: c.EdgeID}}, nil
}

// handleChangeContent expands to remove+add with the same id and position
func (g *Graph) handleChangeContent(c commands.ChangeNodeContent) ([]events.DomainEvent, error) {
	node, ok := g.nodes[c.NodeID]
	if !ok {
		return nil, pkgerrors.NodeNotFound(c.NodeID.String())
	}
	if err := c.Content.Validate(g.cfg); err != nil {
		return nil, err
	}
	return []events.DomainEvent{
		events.NodeRemoved{NodeID: c.NodeID},
		events.NodeAdded{
			NodeID:   c.NodeID,
			Content:  c.Content,
			Position: node.Position(),
			Subgraph: node.Subgraph(),
		},
	}, nil
}

func (g *Graph) handleMove(c commands.MoveNode) ([]events.DomainEvent, error) {
	if _, ok := g.nodes[c.NodeID]; !ok {
		return nil, pkgerrors.NodeNotFound(c.NodeID.String())
	}
	if !c.Position.IsFinite() {
		return nil, pkgerrors.InvalidNodePosition()
	}
	return []events.DomainEvent{events.NodeMoved{NodeID: c.NodeID, Position: c.Position}}, nil
}

func (g *Graph) handleRename(c commands.RenameGraph) ([]events.DomainEvent, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return nil, pkgerrors.InvalidCommand("graph name is required")
	}
	return []events.DomainEvent{events.GraphRenamed{OldName: g.name, NewName: name}}, nil
}

// handleTag is idempotent: tagging with a present tag yields no events
func (g *Graph) handleTag(c commands.TagGraph) ([]events.DomainEvent, error) {
	tag := strings.TrimSpace(c.Tag)
	if tag == "" {
		return nil, pkgerrors.InvalidCommand("tag is required")
	}
	if g.hasTag(tag) {
		return nil, nil
	}
	if len(g.tags) >= g.cfg.MaxTagsPerGraph {
		return nil, pkgerrors.InvalidCommand(fmt.Sprintf("at most %d tags allowed", g.cfg.MaxTagsPerGraph))
	}
	return []events.DomainEvent{events.GraphTagged{Tag: tag}}, nil
}

func (g *Graph) handleUntag(c commands.UntagGraph) ([]events.DomainEvent, error) {
	tag := strings.TrimSpace(c.Tag)
	if !g.hasTag(tag) {
		return nil, pkgerrors.TagNotFound(tag)
	}
	return []events.DomainEvent{events.GraphUntagged{Tag: tag}}, nil
}

func (g *Graph) hasTag(tag string) bool {
	for _, t := range g.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Apply mutates state from one durable envelope. The envelope must be the
// direct successor of the current version; anything else means the caller
// replayed out of order, which is a bug, so Apply panics.
func (g *Graph) Apply(env events.Envelope) {
	if !env.AggregateID.Equals(g.id) {
		panic(fmt.Sprintf("graph %s: applying envelope of stream %s", g.id, env.AggregateID))
	}
	if env.Sequence != g.version+1 {
		panic(fmt.Sprintf("graph %s: applying sequence %d at version %d", g.id, env.Sequence, g.version))
	}
	g.mutate(env.Payload, env.Timestamp)
	g.version = env.Sequence
	g.head = env.Head()
}

// ApplyAll applies envelopes in order
func (g *Graph) ApplyAll(envs []events.Envelope) {
	for _, env := range envs {
		g.Apply(env)
	}
}

func (g *Graph) mutate(evt events.DomainEvent, at time.Time) {
	switch e := evt.(type) {
	case events.GraphCreated:
		g.name = e.Name
		g.tags = append([]string{}, e.Tags...)
		g.createdAt = at
	case events.GraphRenamed:
		g.name = e.NewName
	case events.GraphTagged:
		g.tags = append(g.tags, e.Tag)
	case events.GraphUntagged:
		kept := make([]string, 0, len(g.tags))
		for _, t := range g.tags {
			if t != e.Tag {
				kept = append(kept, t)
			}
		}
		g.tags = kept
	case events.GraphDeleted:
		g.deleted = true
	case events.NodeAdded:
		g.nodes[e.NodeID] = entities.NewNode(e.NodeID, e.Content, e.Position, e.Subgraph)
	case events.NodeRemoved:
		delete(g.nodes, e.NodeID)
	case events.NodeMoved:
		if n, ok := g.nodes[e.NodeID]; ok {
			g.nodes[e.NodeID] = n.WithPosition(e.Position)
		}
	case events.EdgeAdded:
		g.edges[e.EdgeID] = entities.NewEdge(e.EdgeID, e.Source, e.Target, e.Relationship, e.Subgraph)
		g.pairs[edgeKey{e.Source, e.Target}]++
	case events.EdgeRemoved:
		if edge, ok := g.edges[e.EdgeID]; ok {
			delete(g.edges, e.EdgeID)
			k := edgeKey{edge.Source(), edge.Target()}
			if g.pairs[k] <= 1 {
				delete(g.pairs, k)
			} else {
				g.pairs[k]--
			}
		}
	default:
		panic(fmt.Sprintf("graph %s: unhandled event %T", g.id, evt))
	}
	g.updatedAt = at
}
