package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	domainconfig "graphcore/domain/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDomainConfigWatcher_OverlaysBase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.yaml")
	writeFile(t, path, "max_nodes_per_graph: 10\nallow_self_loops: true\n")

	w, err := NewDomainConfigWatcher(path, nil, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	cfg := w.Current()
	assert.Equal(t, 10, cfg.MaxNodesPerGraph)
	assert.True(t, cfg.AllowSelfLoops)
	assert.Equal(t, domainconfig.DefaultDomainConfig().MaxEdgesPerGraph, cfg.MaxEdgesPerGraph)
}

func TestDomainConfigWatcher_RejectsInvalidFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.yaml")
	writeFile(t, path, "max_nodes_per_graph: 0\n")
	_, err := NewDomainConfigWatcher(path, nil, zap.NewNop())
	assert.Error(t, err)

	writeFile(t, path, "max_nodes_per_graph: 10\n")
	w, err := NewDomainConfigWatcher(path, nil, zap.NewNop())
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, "max_nodes_per_graph: [")
	assert.False(t, w.Reload())
	assert.Equal(t, 10, w.Current().MaxNodesPerGraph)

	writeFile(t, path, "max_nodes_per_graph: 20\n")
	assert.True(t, w.Reload())
	assert.Equal(t, 20, w.Current().MaxNodesPerGraph)
}

func TestDomainConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "domain.yaml")
	writeFile(t, path, "max_nodes_per_graph: 10\n")

	w, err := NewDomainConfigWatcher(path, domainconfig.ProductionDomainConfig(), zap.NewNop())
	require.NoError(t, err)
	var notified atomic.Int32
	w.OnChange(func(*domainconfig.DomainConfig) { notified.Add(1) })
	w.Start()
	defer w.Stop()

	writeFile(t, path, "max_nodes_per_graph: 42\n")
	assert.Eventually(t, func() bool {
		return w.Current().MaxNodesPerGraph == 42
	}, 2*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, notified.Load(), int32(1))
	assert.Equal(t, 50, w.Current().MaxPropertyCount)

	w.Stop()
}
