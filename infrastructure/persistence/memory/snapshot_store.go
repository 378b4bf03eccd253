package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/versioning"
)

// InMemorySnapshotStore keeps snapshots per aggregate keyed by version
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[valueobjects.GraphID]map[uint64]versioning.Snapshot
}

var _ ports.SnapshotStore = (*InMemorySnapshotStore)(nil)

// NewInMemorySnapshotStore creates an empty store
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{
		snapshots: make(map[valueobjects.GraphID]map[uint64]versioning.Snapshot),
	}
}

// Save stores a copy of snap
func (s *InMemorySnapshotStore) Save(ctx context.Context, snap *versioning.Snapshot) error {
	if snap == nil || snap.GraphID.IsZero() {
		return fmt.Errorf("invalid snapshot")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion, ok := s.snapshots[snap.GraphID]
	if !ok {
		byVersion = make(map[uint64]versioning.Snapshot)
		s.snapshots[snap.GraphID] = byVersion
	}
	byVersion[snap.Version] = *snap
	return nil
}

// Latest returns the highest stored version
func (s *InMemorySnapshotStore) Latest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  versioning.Snapshot
		found bool
	)
	for v, snap := range s.snapshots[id] {
		if !found || v > best.Version {
			best, found = snap, true
		}
	}
	if !found {
		return nil, false, nil
	}
	return &best, true, nil
}

// Get returns the snapshot at version
func (s *InMemorySnapshotStore) Get(ctx context.Context, id valueobjects.GraphID, version uint64) (*versioning.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id][version]
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

// Versions lists stored versions ascending
func (s *InMemorySnapshotStore) Versions(ctx context.Context, id valueobjects.GraphID) ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.snapshots[id]))
	for v := range s.snapshots[id] {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Delete removes one version
func (s *InMemorySnapshotStore) Delete(ctx context.Context, id valueobjects.GraphID, version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots[id], version)
	return nil
}
