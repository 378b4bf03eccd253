package events

import (
	"encoding/json"
	"testing"
	"time"

	"graphcore/domain/core/valueobjects"
	pkgerrors "graphcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleStream(t *testing.T, id valueobjects.GraphID) []Envelope {
	t.Helper()
	a, b := valueobjects.NewNodeID(), valueobjects.NewNodeID()
	batch1, err := Seal(id, Genesis(), []DomainEvent{
		GraphCreated{GraphID: id, Name: "G", Tags: []string{}},
		NodeAdded{NodeID: a, Content: valueobjects.NewNodeContent("A", "", nil)},
	}, Metadata{CorrelationID: "corr-1"}, t0)
	require.NoError(t, err)

	batch2, err := Seal(id, batch1[len(batch1)-1].Head(), []DomainEvent{
		NodeAdded{NodeID: b, Content: valueobjects.NewNodeContent("B", "", nil)},
		EdgeAdded{EdgeID: valueobjects.NewEdgeID(), Source: a, Target: b,
			Relationship: valueobjects.DirectedRelationship("depends_on")},
	}, Metadata{}, t0.Add(time.Second))
	require.NoError(t, err)

	return append(batch1, batch2...)
}

func TestSeal_AssignsSequencesAndLinks(t *testing.T) {
	id := valueobjects.NewGraphID()
	envs := sampleStream(t, id)

	require.Len(t, envs, 4)
	assert.Equal(t, GenesisHash, envs[0].PrevHash)
	for i, e := range envs {
		assert.Equal(t, uint64(i+1), e.Sequence)
		if i > 0 {
			assert.Equal(t, envs[i-1].Hash, e.PrevHash)
		}
		assert.Len(t, e.Hash, 64)
	}
	assert.Equal(t, "corr-1", envs[1].CorrelationID)
	require.NoError(t, VerifyChain(id, envs))
}

func TestSeal_TimestampNeverGoesBackwards(t *testing.T) {
	id := valueobjects.NewGraphID()
	head := ChainHead{Sequence: 3, Hash: "abc", Timestamp: t0}
	envs, err := Seal(id, head, []DomainEvent{GraphDeleted{}}, Metadata{}, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, t0, envs[0].Timestamp)
	assert.Equal(t, uint64(4), envs[0].Sequence)
	assert.Equal(t, "abc", envs[0].PrevHash)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	id := valueobjects.NewGraphID()

	tests := []struct {
		name   string
		mutate func(envs []Envelope) []Envelope
		seq    uint64
	}{
		{
			name: "one payload byte flipped",
			mutate: func(envs []Envelope) []Envelope {
				raw := append(json.RawMessage(nil), envs[2].RawPayload...)
				raw[len(raw)/2] ^= 0x01
				envs[2].RawPayload = raw
				return envs
			},
			seq: 3,
		},
		{
			name: "two envelopes swapped",
			mutate: func(envs []Envelope) []Envelope {
				envs[1], envs[2] = envs[2], envs[1]
				return envs
			},
			seq: 3,
		},
		{
			name: "envelope dropped",
			mutate: func(envs []Envelope) []Envelope {
				return append(envs[:1], envs[2:]...)
			},
			seq: 3,
		},
		{
			name: "timestamp rewritten",
			mutate: func(envs []Envelope) []Envelope {
				envs[3].Timestamp = envs[3].Timestamp.Add(time.Minute)
				return envs
			},
			seq: 4,
		},
		{
			name: "hash recomputed without relinking",
			mutate: func(envs []Envelope) []Envelope {
				envs[1].RawPayload = json.RawMessage(`{"node_id":""}`)
				envs[1].Hash = ComputeHash(&envs[1])
				return envs
			},
			seq: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := tt.mutate(sampleStream(t, id))
			err := VerifyChain(id, envs)
			require.Error(t, err)
			assert.ErrorIs(t, err, pkgerrors.ErrChainIntegrityViolation)
			assert.Equal(t, tt.seq, pkgerrors.GetDomainError(err).Details["sequence"])
		})
	}
}

func TestResumeChainVerifier(t *testing.T) {
	id := valueobjects.NewGraphID()
	envs := sampleStream(t, id)

	v := ResumeChainVerifier(id, envs[1].Head())
	require.NoError(t, v.Verify(&envs[2]))
	require.NoError(t, v.Verify(&envs[3]))
	seq, hash := v.Head()
	assert.Equal(t, uint64(4), seq)
	assert.Equal(t, envs[3].Hash, hash)

	assert.Error(t, ResumeChainVerifier(id, envs[0].Head()).Verify(&envs[2]))
}

func TestEnvelope_JSONRoundTripStillVerifies(t *testing.T) {
	id := valueobjects.NewGraphID()
	envs := sampleStream(t, id)

	data, err := json.Marshal(envs)
	require.NoError(t, err)

	var decoded []Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	for i := range decoded {
		require.NoError(t, decoded[i].Hydrate(nil))
	}
	require.NoError(t, VerifyChain(id, decoded))
	assert.Equal(t, envs[1].Payload, decoded[1].Payload)
	assert.Equal(t, envs[3].Payload, decoded[3].Payload)
}

type renameLabelUpcaster struct{}

func (renameLabelUpcaster) Upcast(t EventType, from int, raw json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{"tag":"migrated"}`), nil
}

func TestEnvelope_HydrateUpcastsOldSchemas(t *testing.T) {
	env := Envelope{Type: TypeGraphTagged, SchemaVersion: 0, RawPayload: json.RawMessage(`{"label":"x"}`)}
	require.NoError(t, env.Hydrate(renameLabelUpcaster{}))
	assert.Equal(t, GraphTagged{Tag: "migrated"}, env.Payload)
	assert.JSONEq(t, `{"label":"x"}`, string(env.RawPayload))

	future := Envelope{Type: TypeGraphDeleted, SchemaVersion: CurrentSchemaVersion + 1, RawPayload: json.RawMessage(`{}`)}
	assert.Error(t, future.Hydrate(nil))
}

func TestDecodePayload_UnknownType(t *testing.T) {
	_, err := DecodePayload("node.updated", json.RawMessage(`{}`))
	assert.Error(t, err)
}
