// Package snapshots decides when to snapshot a graph and loads snapshots back.
// Snapshots only shorten replay. Every failure here is logged, counted and
// swallowed so the command path never depends on them.
package snapshots

import (
	"context"
	"fmt"
	"sync"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/config"
	"graphcore/domain/core/aggregates"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/versioning"
	"graphcore/pkg/observability"

	"go.uber.org/zap"
)

const (
	DefaultInterval = 100
	DefaultHistory  = 5
	saveTimeout     = 10 * time.Second
)

// Options configures a Manager
type Options struct {
	// Interval is the number of events between snapshots; 0 disables them
	Interval uint64
	// History is how many snapshots to keep per graph, the latest included
	History int
	Now     func() time.Time
}

// DefaultOptions snapshots every 100 events and keeps the last five
func DefaultOptions() Options {
	return Options{Interval: DefaultInterval, History: DefaultHistory, Now: time.Now}
}

// Manager owns snapshot policy on top of a ports.SnapshotStore
type Manager struct {
	store     ports.SnapshotStore
	cfg       config.Provider
	interval  uint64
	retention versioning.RetentionPolicy
	now       func() time.Time
	logger    *zap.Logger
	metrics   *observability.Metrics

	wg sync.WaitGroup
}

// NewManager creates a manager. metrics may be nil.
func NewManager(store ports.SnapshotStore, cfg config.Provider, opts Options, logger *zap.Logger, metrics *observability.Metrics) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.History <= 0 {
		opts.History = DefaultHistory
	}
	return &Manager{
		store:     store,
		cfg:       cfg,
		interval:  opts.Interval,
		retention: versioning.RetentionPolicy{Keep: opts.History},
		now:       opts.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// ShouldSnapshot reports whether moving a graph from version before to
// version after crossed a snapshot boundary. Batches can step over an exact
// multiple, so a boundary anywhere in (before, after] counts.
func (m *Manager) ShouldSnapshot(before, after uint64) bool {
	if m.interval == 0 || after <= before {
		return false
	}
	return after/m.interval > before/m.interval
}

// Save writes a snapshot of g and prunes history beyond the retention policy.
// The error is returned for operator tooling; the command path uses Request.
func (m *Manager) Save(ctx context.Context, g *aggregates.Graph) error {
	snap, err := versioning.NewSnapshot(g, m.now())
	if err != nil {
		m.fail("build", g.ID(), err)
		return err
	}
	return m.save(ctx, snap)
}

func (m *Manager) save(ctx context.Context, snap *versioning.Snapshot) error {
	if err := m.store.Save(ctx, snap); err != nil {
		m.fail("save", snap.GraphID, err)
		return err
	}
	m.metrics.RecordSnapshot(nil)
	m.logger.Debug("Snapshot saved",
		zap.String("graph_id", snap.GraphID.String()),
		zap.Uint64("version", snap.Version),
	)
	m.prune(ctx, snap.GraphID)
	return nil
}

// Request snapshots g in the background. The state is captured before
// returning so later changes to g do not leak into the snapshot.
func (m *Manager) Request(g *aggregates.Graph) {
	snap, err := versioning.NewSnapshot(g, m.now())
	if err != nil {
		m.fail("build", g.ID(), err)
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_ = m.save(ctx, snap)
	}()
}

// Wait blocks until background snapshots have finished
func (m *Manager) Wait() { m.wg.Wait() }

// LoadLatest returns the newest snapshot that passes verification. A store
// failure or a corrupt snapshot yields ok == false, which means full replay.
func (m *Manager) LoadLatest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool) {
	snap, ok, err := m.store.Latest(ctx, id)
	if err != nil {
		m.fail("load", id, err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if err := snap.Verify(); err != nil {
		m.fail("verify", id, err)
		return nil, false
	}
	return snap, true
}

// Restore loads the latest snapshot as an aggregate
func (m *Manager) Restore(ctx context.Context, id valueobjects.GraphID) (*aggregates.Graph, bool) {
	snap, ok := m.LoadLatest(ctx, id)
	if !ok {
		return nil, false
	}
	g, err := snap.Restore(m.cfg.Current())
	if err != nil {
		m.fail("restore", id, err)
		return nil, false
	}
	return g, true
}

// History lists retained snapshots, oldest first
func (m *Manager) History(ctx context.Context, id valueobjects.GraphID) ([]versioning.GraphVersion, error) {
	versions, err := m.store.Versions(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshot versions: %w", err)
	}
	out := make([]versioning.GraphVersion, 0, len(versions))
	for _, v := range versions {
		snap, ok, err := m.store.Get(ctx, id, v)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshot %d: %w", v, err)
		}
		if ok {
			out = append(out, snap.Describe())
		}
	}
	return out, nil
}

func (m *Manager) prune(ctx context.Context, id valueobjects.GraphID) {
	versions, err := m.store.Versions(ctx, id)
	if err != nil {
		m.fail("prune", id, err)
		return
	}
	for _, v := range m.retention.Prune(versions) {
		if err := m.store.Delete(ctx, id, v); err != nil {
			m.fail("prune", id, err)
			return
		}
	}
}

func (m *Manager) fail(op string, id valueobjects.GraphID, err error) {
	m.metrics.RecordSnapshot(err)
	m.logger.Warn("Snapshot operation failed",
		zap.String("op", op),
		zap.String("graph_id", id.String()),
		zap.Error(err),
	)
}
