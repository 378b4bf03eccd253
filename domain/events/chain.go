package events

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"
)

// ComputeHash returns SHA-256(header | payload | prev_hash) as lowercase hex.
// The header binds the envelope's identity and position so a payload moved
// to another sequence no longer verifies.
func ComputeHash(e *Envelope) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s|%s|%d|%s|%s|%d|%s|%s|",
		e.EventID,
		e.AggregateID,
		e.Sequence,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Type,
		e.SchemaVersion,
		e.CausationID,
		e.CorrelationID,
	)
	buf.Write(e.RawPayload)
	buf.WriteString(e.PrevHash)

	sum := sha256.Sum256(buf.Bytes())
	return hex.EncodeToString(sum[:])
}

// ChainVerifier checks envelopes one at a time in stream order
type ChainVerifier struct {
	aggregateID valueobjects.GraphID
	next        uint64
	prevHash    string
}

// NewChainVerifier verifies a stream from sequence 1
func NewChainVerifier(aggregateID valueobjects.GraphID) *ChainVerifier {
	return &ChainVerifier{aggregateID: aggregateID, next: 1, prevHash: GenesisHash}
}

// ResumeChainVerifier verifies a stream continuing after a trusted head,
// for example the position recorded in a snapshot.
func ResumeChainVerifier(aggregateID valueobjects.GraphID, head ChainHead) *ChainVerifier {
	if head.IsGenesis() {
		return NewChainVerifier(aggregateID)
	}
	return &ChainVerifier{aggregateID: aggregateID, next: head.Sequence + 1, prevHash: head.Hash}
}

// Verify checks contiguity, linkage and the recomputed hash of e
func (v *ChainVerifier) Verify(e *Envelope) error {
	id := v.aggregateID.String()
	if !e.AggregateID.Equals(v.aggregateID) {
		return pkgerrors.ChainIntegrityViolation(id, e.Sequence,
			fmt.Sprintf("envelope belongs to stream %s", e.AggregateID))
	}
	if e.Sequence != v.next {
		return pkgerrors.ChainIntegrityViolation(id, e.Sequence,
			fmt.Sprintf("expected sequence %d", v.next))
	}
	if e.PrevHash != v.prevHash {
		return pkgerrors.ChainIntegrityViolation(id, e.Sequence, "previous hash does not link to predecessor")
	}
	if ComputeHash(e) != e.Hash {
		return pkgerrors.ChainIntegrityViolation(id, e.Sequence, "stored hash does not match content")
	}
	v.next++
	v.prevHash = e.Hash
	return nil
}

// Head returns the position of the last verified envelope
func (v *ChainVerifier) Head() (sequence uint64, hash string) {
	return v.next - 1, v.prevHash
}

// VerifyChain verifies a complete stream starting at sequence 1
func VerifyChain(aggregateID valueobjects.GraphID, envs []Envelope) error {
	v := NewChainVerifier(aggregateID)
	for i := range envs {
		if err := v.Verify(&envs[i]); err != nil {
			return err
		}
	}
	return nil
}
