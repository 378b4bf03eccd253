package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"

	"github.com/google/uuid"
)

// GenesisHash is the previous-hash value of the first envelope in a stream
const GenesisHash = "0"

// Metadata carries traceability identifiers from the command into every
// envelope it produces.
type Metadata struct {
	CausationID   string
	CorrelationID string
}

// Envelope is a persisted, hash-chained event.
//
// RawPayload holds the exact bytes covered by the hash. Payload is the decoded
// form and is never serialised.
type Envelope struct {
	EventID       string               `json:"event_id"`
	AggregateID   valueobjects.GraphID `json:"aggregate_id"`
	Sequence      uint64               `json:"sequence"`
	Timestamp     time.Time            `json:"timestamp"`
	Type          EventType            `json:"type"`
	SchemaVersion int                  `json:"schema_version"`
	CausationID   string               `json:"causation_id,omitempty"`
	CorrelationID string               `json:"correlation_id,omitempty"`
	RawPayload    json.RawMessage      `json:"payload"`
	Hash          string               `json:"hash"`
	PrevHash      string               `json:"prev_hash"`

	Payload DomainEvent `json:"-"`
}

// ErrNewerSchema is returned for envelopes written by a newer build
var ErrNewerSchema = errors.New("event schema newer than supported")

// Hydrate decodes RawPayload into Payload, upcasting older schemas first.
// RawPayload itself is left untouched so the chain still verifies.
func (e *Envelope) Hydrate(u Upcaster) error {
	if e.SchemaVersion > CurrentSchemaVersion {
		return fmt.Errorf("%w: event %d of %s has schema version %d, supported %d",
			ErrNewerSchema, e.Sequence, e.AggregateID, e.SchemaVersion, CurrentSchemaVersion)
	}
	raw := e.RawPayload
	if e.SchemaVersion < CurrentSchemaVersion && u != nil {
		migrated, err := u.Upcast(e.Type, e.SchemaVersion, raw)
		if err != nil {
			return fmt.Errorf("upcast %s v%d: %w", e.Type, e.SchemaVersion, err)
		}
		raw = migrated
	}
	payload, err := DecodePayload(e.Type, raw)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

// Open checks a stored envelope against its own hash and then hydrates it.
// Bytes that no longer match the hash, or that do not decode, are an
// integrity violation. Linkage to the predecessor is left to ChainVerifier.
func (e *Envelope) Open(u Upcaster) error {
	if ComputeHash(e) != e.Hash {
		return pkgerrors.ChainIntegrityViolation(e.AggregateID.String(), e.Sequence, "stored hash does not match content")
	}
	if err := e.Hydrate(u); err != nil {
		if errors.Is(err, ErrNewerSchema) {
			return err
		}
		return pkgerrors.ChainIntegrityViolation(e.AggregateID.String(), e.Sequence,
			fmt.Sprintf("payload does not decode: %v", err))
	}
	return nil
}

// Head returns the chain position this envelope ends at
func (e *Envelope) Head() ChainHead {
	return ChainHead{Sequence: e.Sequence, Hash: e.Hash, Timestamp: e.Timestamp}
}

// ChainHead is the tail of a stream: the last sequence, its hash and its time
type ChainHead struct {
	Sequence  uint64    `json:"sequence"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Genesis is the head of an empty stream
func Genesis() ChainHead {
	return ChainHead{Hash: GenesisHash}
}

// IsGenesis reports whether the stream is empty
func (h ChainHead) IsGenesis() bool {
	return h.Sequence == 0
}

// Seal turns freshly produced events into envelopes that continue the chain
// from head. All events of one batch share a timestamp, which never goes
// backwards relative to head so ReadUntil always yields a prefix.
func Seal(aggregateID valueobjects.GraphID, head ChainHead, evts []DomainEvent, meta Metadata, now time.Time) ([]Envelope, error) {
	ts := now.UTC().Truncate(time.Millisecond)
	if ts.Before(head.Timestamp) {
		ts = head.Timestamp
	}
	prevHash := head.Hash
	if head.IsGenesis() {
		prevHash = GenesisHash
	}

	out := make([]Envelope, 0, len(evts))
	for i, evt := range evts {
		raw, err := EncodePayload(evt)
		if err != nil {
			return nil, err
		}
		env := Envelope{
			EventID:       uuid.New().String(),
			AggregateID:   aggregateID,
			Sequence:      head.Sequence + uint64(i) + 1,
			Timestamp:     ts,
			Type:          evt.EventType(),
			SchemaVersion: CurrentSchemaVersion,
			CausationID:   meta.CausationID,
			CorrelationID: meta.CorrelationID,
			RawPayload:    raw,
			PrevHash:      prevHash,
			Payload:       evt,
		}
		env.Hash = ComputeHash(&env)
		prevHash = env.Hash
		out = append(out, env)
	}
	return out, nil
}
