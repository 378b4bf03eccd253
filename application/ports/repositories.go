package ports

import (
	"context"
	"encoding/json"
	"time"

	"graphcore/domain/core/valueobjects"
	"graphcore/domain/events"
	"graphcore/domain/versioning"
)

// EventLog is the append-only, hash-chained store of graph events.
// This is a port in hexagonal architecture: the domain doesn't know about
// the implementation.
type EventLog interface {
	// Append seals evts onto the stream if its tail is at expectedVersion.
	// On mismatch it returns a ConcurrencyConflict and writes nothing.
	Append(ctx context.Context, id valueobjects.GraphID, evts []events.DomainEvent, expectedVersion uint64, meta events.Metadata) (AppendedRange, error)

	// Read streams envelopes with sequence >= fromSequence in order
	Read(ctx context.Context, id valueobjects.GraphID, fromSequence uint64) (Stream, error)

	// ReadUntil streams the prefix of envelopes with timestamp <= until
	ReadUntil(ctx context.Context, id valueobjects.GraphID, until time.Time) (Stream, error)

	// Tail returns the current head of the stream, Genesis when empty
	Tail(ctx context.Context, id valueobjects.GraphID) (events.ChainHead, error)

	// Streams lists every aggregate with at least one event
	Streams(ctx context.Context) ([]valueobjects.GraphID, error)
}

// AppendedRange is the inclusive sequence range written by one Append
type AppendedRange struct {
	First     uint64
	Last      uint64
	Envelopes []events.Envelope
}

// Empty reports whether nothing was appended
func (r AppendedRange) Empty() bool { return len(r.Envelopes) == 0 }

// Stream is a finite, ordered, lazily fetched sequence of envelopes.
// Envelopes are hydrated before they are returned.
type Stream interface {
	// Next advances to the next envelope, returning false at the end or on error
	Next(ctx context.Context) bool

	// Envelope returns the current envelope
	Envelope() events.Envelope

	// Err returns the first error encountered
	Err() error

	// Reset restarts the stream from its original position
	Reset()

	Close() error
}

// SnapshotStore keeps the latest snapshot per aggregate plus a bounded history
type SnapshotStore interface {
	// Save stores snap and makes it the latest when its version is the highest
	Save(ctx context.Context, snap *versioning.Snapshot) error

	// Latest returns the highest-version snapshot
	Latest(ctx context.Context, id valueobjects.GraphID) (*versioning.Snapshot, bool, error)

	// Get returns the snapshot at exactly version
	Get(ctx context.Context, id valueobjects.GraphID, version uint64) (*versioning.Snapshot, bool, error)

	// Versions lists stored snapshot versions in ascending order
	Versions(ctx context.Context, id valueobjects.GraphID) ([]uint64, error)

	// Delete removes one historical snapshot
	Delete(ctx context.Context, id valueobjects.GraphID, version uint64) error
}

// Checkpoint is the persisted position and state of one projection for one
// aggregate.
type Checkpoint struct {
	Projection  string               `json:"projection"`
	AggregateID valueobjects.GraphID `json:"aggregate_id"`
	Watermark   uint64               `json:"watermark"`
	State       json.RawMessage      `json:"state"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// CheckpointStore persists projection checkpoints so restarts resume
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp Checkpoint) error
	LoadCheckpoints(ctx context.Context, projection string) ([]Checkpoint, error)
}

// EventSink receives envelopes after they are durable. Delivery is
// at-least-once: a sink may see the same envelope twice and must dedupe on
// (AggregateID, Sequence).
type EventSink interface {
	Export(ctx context.Context, envs []events.Envelope) error
}

// EventNotifier is told about freshly appended ranges. Notify must never block.
type EventNotifier interface {
	Notify(r AppendedRange)
}
