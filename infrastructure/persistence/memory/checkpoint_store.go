package memory

import (
	"context"
	"sort"
	"sync"

	"graphcore/application/ports"
)

// InMemoryCheckpointStore holds projection checkpoints for the process lifetime
type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]map[string]ports.Checkpoint
}

var _ ports.CheckpointStore = (*InMemoryCheckpointStore)(nil)

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{checkpoints: make(map[string]map[string]ports.Checkpoint)}
}

// SaveCheckpoint overwrites the checkpoint unless the stored one is ahead
func (s *InMemoryCheckpointStore) SaveCheckpoint(ctx context.Context, cp ports.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byAggregate, ok := s.checkpoints[cp.Projection]
	if !ok {
		byAggregate = make(map[string]ports.Checkpoint)
		s.checkpoints[cp.Projection] = byAggregate
	}
	if existing, ok := byAggregate[cp.AggregateID.String()]; ok && existing.Watermark > cp.Watermark {
		return nil
	}
	cp.State = append([]byte(nil), cp.State...)
	byAggregate[cp.AggregateID.String()] = cp
	return nil
}

// LoadCheckpoints returns every checkpoint of a projection, sorted by aggregate
func (s *InMemoryCheckpointStore) LoadCheckpoints(ctx context.Context, projection string) ([]ports.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ports.Checkpoint, 0, len(s.checkpoints[projection]))
	for _, cp := range s.checkpoints[projection] {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AggregateID.String() < out[j].AggregateID.String() })
	return out, nil
}
