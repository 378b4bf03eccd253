// Package projections folds the event log into read models. Each projection
// tracks a watermark per aggregate: the highest sequence it has folded.
// Envelopes are folded in strict sequence order, exactly once per watermark
// step, so a projection never sees a gap or a duplicate.
package projections

import (
	"encoding/json"
	"errors"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
)

// Projection is a read model built from envelopes
type Projection interface {
	Name() string
	// Fold applies the next envelope of an aggregate. The engine only calls
	// it with Sequence == Watermark(id)+1. An error leaves the watermark
	// where it was and the envelope is offered again later.
	Fold(env events.Envelope) error
	Watermark(id valueobjects.GraphID) uint64
	Reset()
}

// Checkpointer is implemented by projections whose per-aggregate state can
// be persisted and restored, so a restart does not refold the whole log.
type Checkpointer interface {
	Checkpoint(id valueobjects.GraphID) (watermark uint64, state json.RawMessage, err error)
	Restore(id valueobjects.GraphID, watermark uint64, state json.RawMessage) error
}

// Direction selects which edges of a node a query follows
type Direction string

const (
	Outgoing Direction = "out"
	Incoming Direction = "in"
	Both     Direction = "both"
)

// ParseDirection accepts "out", "in" and "both"; empty means Both
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case "":
		return Both, nil
	case Outgoing, Incoming, Both:
		return Direction(s), nil
	}
	return "", errors.New("direction must be one of out, in, both")
}

// ErrUnknownEvent is returned by Fold for an envelope whose payload is not
// part of the closed event set, which means the envelope was not hydrated.
var ErrUnknownEvent = errors.New("unknown event payload")
