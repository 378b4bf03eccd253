package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	domainconfig "graphcore/domain/config"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const debounceDuration = 100 * time.Millisecond

// DomainConfigWatcher serves the domain limits from a YAML file and reloads
// them when the file changes. A file that fails to parse or validate is
// logged and the previous configuration stays in force.
type DomainConfigWatcher struct {
	path     string
	base     *domainconfig.DomainConfig
	watcher  *fsnotify.Watcher
	current  atomic.Pointer[domainconfig.DomainConfig]
	mu       sync.Mutex
	onChange []func(*domainconfig.DomainConfig)
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDomainConfigWatcher loads path on top of base. Keys missing from the
// file keep base's values.
func NewDomainConfigWatcher(path string, base *domainconfig.DomainConfig, logger *zap.Logger) (*DomainConfigWatcher, error) {
	if base == nil {
		base = domainconfig.DefaultDomainConfig()
	}
	cfg, err := loadDomainConfigFile(path, base)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial domain config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	// the directory catches editors that save by rename
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	w := &DomainConfigWatcher{
		path:    path,
		base:    base.Clone(),
		watcher: watcher,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Current implements domainconfig.Provider
func (w *DomainConfigWatcher) Current() *domainconfig.DomainConfig {
	return w.current.Load()
}

// OnChange registers a callback run after each successful reload
func (w *DomainConfigWatcher) OnChange(fn func(*domainconfig.DomainConfig)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = append(w.onChange, fn)
}

// Start begins watching for changes
func (w *DomainConfigWatcher) Start() {
	go w.watchLoop()
	w.logger.Info("Domain config watcher started", zap.String("path", w.path))
}

// Stop stops watching. It is safe to call more than once.
func (w *DomainConfigWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
		w.logger.Info("Domain config watcher stopped")
	})
}

func (w *DomainConfigWatcher) watchLoop() {
	var debounce *time.Timer
	name := filepath.Base(w.path)

	for {
		select {
		case <-w.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, w.Reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// Reload re-reads the file. It reports whether the new configuration was
// accepted.
func (w *DomainConfigWatcher) Reload() bool {
	next, err := loadDomainConfigFile(w.path, w.base)
	if err != nil {
		w.logger.Error("Invalid domain config, keeping current", zap.String("path", w.path), zap.Error(err))
		return false
	}
	prev := w.current.Swap(next)
	w.logChanges(prev, next)

	w.mu.Lock()
	handlers := append([]func(*domainconfig.DomainConfig){}, w.onChange...)
	w.mu.Unlock()
	for _, fn := range handlers {
		fn(next)
	}
	return true
}

func (w *DomainConfigWatcher) logChanges(prev, next *domainconfig.DomainConfig) {
	var changes []string
	if prev.MaxNodesPerGraph != next.MaxNodesPerGraph {
		changes = append(changes, fmt.Sprintf("max_nodes_per_graph: %d -> %d", prev.MaxNodesPerGraph, next.MaxNodesPerGraph))
	}
	if prev.MaxEdgesPerGraph != next.MaxEdgesPerGraph {
		changes = append(changes, fmt.Sprintf("max_edges_per_graph: %d -> %d", prev.MaxEdgesPerGraph, next.MaxEdgesPerGraph))
	}
	if prev.AllowSelfLoops != next.AllowSelfLoops {
		changes = append(changes, fmt.Sprintf("allow_self_loops: %v -> %v", prev.AllowSelfLoops, next.AllowSelfLoops))
	}
	if prev.AllowDuplicateEdges != next.AllowDuplicateEdges {
		changes = append(changes, fmt.Sprintf("allow_duplicate_edges: %v -> %v", prev.AllowDuplicateEdges, next.AllowDuplicateEdges))
	}
	if prev.MaxLabelLength != next.MaxLabelLength {
		changes = append(changes, fmt.Sprintf("max_label_length: %d -> %d", prev.MaxLabelLength, next.MaxLabelLength))
	}
	w.logger.Info("Domain config reloaded", zap.Strings("changes", changes))
}

func loadDomainConfigFile(path string, base *domainconfig.DomainConfig) (*domainconfig.DomainConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := base.Clone()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
