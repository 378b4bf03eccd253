package projections

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
)

const SummaryName = "summary"

// GraphSummary is the summary read model of one graph
type GraphSummary struct {
	GraphID      valueobjects.GraphID `json:"graph_id"`
	Name         string               `json:"name"`
	Tags         []string             `json:"tags"`
	NodeCount    int                  `json:"node_count"`
	EdgeCount    int                  `json:"edge_count"`
	Deleted      bool                 `json:"deleted"`
	CreatedAt    time.Time            `json:"created_at"`
	LastModified time.Time            `json:"last_modified"`
	Version      uint64               `json:"version"`
}

// SummaryProjection keeps counts and metadata per graph
type SummaryProjection struct {
	mu     sync.RWMutex
	graphs map[valueobjects.GraphID]*GraphSummary
}

var (
	_ Projection   = (*SummaryProjection)(nil)
	_ Checkpointer = (*SummaryProjection)(nil)
)

func NewSummaryProjection() *SummaryProjection {
	return &SummaryProjection{graphs: make(map[valueobjects.GraphID]*GraphSummary)}
}

func (p *SummaryProjection) Name() string { return SummaryName }

// Fold applies env to the summary of its graph
func (p *SummaryProjection) Fold(env events.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.graphs[env.AggregateID]
	if !ok {
		s = &GraphSummary{GraphID: env.AggregateID, Tags: []string{}}
	}

	switch e := env.Payload.(type) {
	case events.GraphCreated:
		s.Name = e.Name
		s.Tags = append([]string{}, e.Tags...)
		s.CreatedAt = env.Timestamp
	case events.GraphRenamed:
		s.Name = e.NewName
	case events.GraphTagged:
		s.Tags = append(s.Tags, e.Tag)
	case events.GraphUntagged:
		s.Tags = removeString(s.Tags, e.Tag)
	case events.GraphDeleted:
		s.Deleted = true
	case events.NodeAdded:
		s.NodeCount++
	case events.NodeRemoved:
		s.NodeCount--
	case events.NodeMoved:
	case events.EdgeAdded:
		s.EdgeCount++
	case events.EdgeRemoved:
		s.EdgeCount--
	default:
		return fmt.Errorf("%w: %s at %s/%d", ErrUnknownEvent, env.Type, env.AggregateID, env.Sequence)
	}

	s.LastModified = env.Timestamp
	s.Version = env.Sequence
	p.graphs[env.AggregateID] = s
	return nil
}

func (p *SummaryProjection) Watermark(id valueobjects.GraphID) uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.graphs[id]; ok {
		return s.Version
	}
	return 0
}

func (p *SummaryProjection) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphs = make(map[valueobjects.GraphID]*GraphSummary)
}

// Get returns a copy of the summary of id
func (p *SummaryProjection) Get(id valueobjects.GraphID) (GraphSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.graphs[id]
	if !ok {
		return GraphSummary{}, false
	}
	out := *s
	out.Tags = append([]string{}, s.Tags...)
	return out, true
}

// List returns every summary that is not deleted, ordered by name then id
func (p *SummaryProjection) List() []GraphSummary {
	p.mu.RLock()
	out := make([]GraphSummary, 0, len(p.graphs))
	for _, s := range p.graphs {
		if s.Deleted {
			continue
		}
		c := *s
		c.Tags = append([]string{}, s.Tags...)
		out = append(out, c)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].GraphID.String() < out[j].GraphID.String()
	})
	return out
}

func (p *SummaryProjection) Checkpoint(id valueobjects.GraphID) (uint64, json.RawMessage, error) {
	s, ok := p.Get(id)
	if !ok {
		return 0, nil, nil
	}
	state, err := json.Marshal(s)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to encode summary: %w", err)
	}
	return s.Version, state, nil
}

func (p *SummaryProjection) Restore(id valueobjects.GraphID, watermark uint64, state json.RawMessage) error {
	var s GraphSummary
	if err := json.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("failed to decode summary: %w", err)
	}
	if s.Version != watermark || !s.GraphID.Equals(id) {
		return fmt.Errorf("summary checkpoint for %s does not match watermark %d", id, watermark)
	}
	if s.Tags == nil {
		s.Tags = []string{}
	}
	p.mu.Lock()
	p.graphs[id] = &s
	p.mu.Unlock()
	return nil
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
