package projections

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"graphcore/application/ports"
	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
)

const ExportRelayName = "export"

// ExportRelay hands envelopes to an EventSink in log order. It is driven by
// the engine like any projection, so a failed export leaves the watermark
// behind and the envelope is exported again on the next catch-up. Delivery
// is therefore at-least-once and ordered per aggregate.
type ExportRelay struct {
	sink    ports.EventSink
	timeout time.Duration

	mu         sync.RWMutex
	watermarks map[valueobjects.GraphID]uint64
}

var (
	_ Projection   = (*ExportRelay)(nil)
	_ Checkpointer = (*ExportRelay)(nil)
)

// NewExportRelay creates a relay. timeout bounds each export call.
func NewExportRelay(sink ports.EventSink, timeout time.Duration) *ExportRelay {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExportRelay{
		sink:       sink,
		timeout:    timeout,
		watermarks: make(map[valueobjects.GraphID]uint64),
	}
}

func (r *ExportRelay) Name() string { return ExportRelayName }

func (r *ExportRelay) Fold(env events.Envelope) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.sink.Export(ctx, []events.Envelope{env}); err != nil {
		return err
	}
	r.mu.Lock()
	r.watermarks[env.AggregateID] = env.Sequence
	r.mu.Unlock()
	return nil
}

func (r *ExportRelay) Watermark(id valueobjects.GraphID) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermarks[id]
}

// Reset forgets every watermark, which re-exports the whole log
func (r *ExportRelay) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watermarks = make(map[valueobjects.GraphID]uint64)
}

// Seed moves the watermark of id forward without exporting, e.g. to start a
// new sink at the current tail instead of at genesis.
func (r *ExportRelay) Seed(id valueobjects.GraphID, watermark uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if watermark > r.watermarks[id] {
		r.watermarks[id] = watermark
	}
}

func (r *ExportRelay) Checkpoint(id valueobjects.GraphID) (uint64, json.RawMessage, error) {
	return r.Watermark(id), nil, nil
}

func (r *ExportRelay) Restore(id valueobjects.GraphID, watermark uint64, _ json.RawMessage) error {
	r.Seed(id, watermark)
	return nil
}
