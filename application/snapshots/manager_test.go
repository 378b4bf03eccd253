package snapshots

import (
	"context"
	"errors"
	"testing"
	"time"

	"graphcore/domain/commands"
	"graphcore/domain/config"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/domain/versioning"
	"graphcore/infrastructure/persistence/memory"
	"graphcore/pkg/observability"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Save(ctx context.Context, snap *versioning.Snapshot) error {
	return m.Called(ctx, snap).Error(0)
}

func (m *mockStore) Latest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool, error) {
	args := m.Called(ctx, id)
	snap, _ := args.Get(0).(*versioning.Snapshot)
	return snap, args.Bool(1), args.Error(2)
}

func (m *mockStore) Get(ctx context.Context, id valueobjects.GraphID, version uint64) (*versioning.Snapshot, bool, error) {
	args := m.Called(ctx, id, version)
	snap, _ := args.Get(0).(*versioning.Snapshot)
	return snap, args.Bool(1), args.Error(2)
}

func (m *mockStore) Versions(ctx context.Context, id valueobjects.GraphID) ([]uint64, error) {
	args := m.Called(ctx, id)
	versions, _ := args.Get(0).([]uint64)
	return versions, args.Error(1)
}

func (m *mockStore) Delete(ctx context.Context, id valueobjects.GraphID, version uint64) error {
	return m.Called(ctx, id, version).Error(0)
}

// graphAt builds a created graph with n-1 tag events on top, so its version is n
func graphAt(t *testing.T, n int) *aggregates.Graph {
	t.Helper()
	g := aggregates.NewGraph(valueobjects.NewGraphID(), nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	step := func(cmd commands.Command) {
		evts, err := g.Handle(cmd)
		require.NoError(t, err)
		envs, err := events.Seal(g.ID(), g.Head(), evts, events.Metadata{}, now)
		require.NoError(t, err)
		g.ApplyAll(envs)
	}
	step(commands.CreateGraph{Graph: g.ID(), Name: "g"})
	for i := 1; i < n; i++ {
		step(commands.RenameGraph{Graph: g.ID(), Name: "g" + string(rune('a'+i%26))})
	}
	require.Equal(t, uint64(n), g.Version())
	return g
}

func newManager(store *memory.InMemorySnapshotStore, history int) *Manager {
	opts := DefaultOptions()
	opts.History = history
	return NewManager(store, config.NewStaticProvider(nil), opts, zap.NewNop(), nil)
}

func TestManager_ShouldSnapshot(t *testing.T) {
	m := newManager(memory.NewInMemorySnapshotStore(), 5)
	tests := []struct {
		before, after uint64
		want          bool
	}{
		{0, 1, false},
		{99, 100, true},
		{98, 103, true},
		{100, 101, false},
		{150, 199, false},
		{199, 200, true},
		{5, 5, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.ShouldSnapshot(tt.before, tt.after), "%d -> %d", tt.before, tt.after)
	}

	disabled := NewManager(memory.NewInMemorySnapshotStore(), config.NewStaticProvider(nil), Options{}, zap.NewNop(), nil)
	assert.False(t, disabled.ShouldSnapshot(99, 100))
}

func TestManager_SaveRestoreAndHistory(t *testing.T) {
	store := memory.NewInMemorySnapshotStore()
	m := newManager(store, 2)
	ctx := context.Background()

	g := graphAt(t, 3)
	require.NoError(t, m.Save(ctx, g))
	restored, ok := m.Restore(ctx, g.ID())
	require.True(t, ok)
	assert.True(t, g.Equal(restored))

	for _, n := range []int{4, 5} {
		next := graphAt(t, n)
		snap, err := versioning.NewSnapshot(next, time.Now())
		require.NoError(t, err)
		// reuse the same stream id
		snap.GraphID = g.ID()
		snap.State.ID = g.ID()
		snap.Checksum, err = versioning.Checksum(snap.State)
		require.NoError(t, err)
		require.NoError(t, m.save(ctx, snap))
	}

	history, err := m.History(ctx, g.ID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, uint64(4), history[0].Version)
	assert.Equal(t, uint64(5), history[1].Version)
}

func TestManager_RequestIsAsync(t *testing.T) {
	store := memory.NewInMemorySnapshotStore()
	m := newManager(store, 5)
	g := graphAt(t, 2)

	m.Request(g)
	m.Wait()

	snap, ok, err := store.Latest(context.Background(), g.ID())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Version)
}

func TestManager_CorruptSnapshotIsDiscarded(t *testing.T) {
	store := memory.NewInMemorySnapshotStore()
	metrics := observability.NewMetrics("test")
	m := NewManager(store, config.NewStaticProvider(nil), DefaultOptions(), zap.NewNop(), metrics)
	ctx := context.Background()

	g := graphAt(t, 2)
	snap, err := versioning.NewSnapshot(g, time.Now())
	require.NoError(t, err)
	snap.State.Name = "tampered"
	require.NoError(t, store.Save(ctx, snap))

	_, ok := m.LoadLatest(ctx, g.ID())
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SnapshotFailures))
}

func TestManager_StoreFailuresAreSwallowed(t *testing.T) {
	store := new(mockStore)
	metrics := observability.NewMetrics("test")
	m := NewManager(store, config.NewStaticProvider(nil), DefaultOptions(), zap.NewNop(), metrics)
	g := graphAt(t, 1)

	store.On("Latest", mock.Anything, g.ID()).Return(nil, false, errors.New("unreachable"))
	store.On("Save", mock.Anything, mock.Anything).Return(errors.New("unreachable"))

	_, ok := m.Restore(context.Background(), g.ID())
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		m.Request(g)
		m.Wait()
	})
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.SnapshotFailures))
	store.AssertNotCalled(t, "Versions", mock.Anything, mock.Anything)
}
