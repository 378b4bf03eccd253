// Package quarantine tracks streams that failed chain verification. The
// command handler, the projection engine and the query handler share one
// Registry, so a stream caught by any of them is refused by all of them
// until an operator releases it.
package quarantine

import (
	"sort"
	"sync"

	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"

	"go.uber.org/zap"
)

// Registry holds the cause of every quarantined stream
type Registry struct {
	mu      sync.RWMutex
	streams map[string]error
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{streams: make(map[string]error), logger: logger}
}

// Add quarantines id and returns the error callers should report. The first
// cause wins; later violations of an already quarantined stream are not
// logged again.
func (r *Registry) Add(id valueobjects.GraphID, cause error) error {
	r.mu.Lock()
	existing, ok := r.streams[id.String()]
	if !ok {
		r.streams[id.String()] = cause
		existing = cause
	}
	r.mu.Unlock()
	if !ok {
		r.logger.Error("Stream quarantined after integrity violation",
			zap.String("graph_id", id.String()),
			zap.Error(cause),
		)
	}
	return pkgerrors.StreamQuarantined(id.String(), existing)
}

// Check returns StreamQuarantined for a quarantined stream and nil otherwise
func (r *Registry) Check(id valueobjects.GraphID) error {
	r.mu.RLock()
	cause, ok := r.streams[id.String()]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return pkgerrors.StreamQuarantined(id.String(), cause)
}

// Release lifts a quarantine. Readers verify the chain again on their next
// pass.
func (r *Registry) Release(id valueobjects.GraphID) bool {
	r.mu.Lock()
	_, ok := r.streams[id.String()]
	delete(r.streams, id.String())
	r.mu.Unlock()
	if ok {
		r.logger.Info("Stream released from quarantine", zap.String("graph_id", id.String()))
	}
	return ok
}

// List returns the quarantined stream ids, sorted
func (r *Registry) List() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.streams))
	for id := range r.streams {
		out = append(out, id)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
