package valueobjects

import (
	"encoding/json"
	"math"
	"testing"

	"graphcore/domain/config"
	pkgerrors "graphcore/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIDs_Parse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "valid uuid", input: "6f1c1f5e-8a3b-4d1e-9c55-3f4a7e2b9d10"},
		{name: "uppercase is canonicalised", input: "6F1C1F5E-8A3B-4D1E-9C55-3F4A7E2B9D10"},
		{name: "empty", input: "", wantErr: true},
		{name: "not a uuid", input: "node-1", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := NewNodeIDFromString(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				assert.True(t, id.IsZero())
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "6f1c1f5e-8a3b-4d1e-9c55-3f4a7e2b9d10", id.String())
		})
	}
}

func TestIDs_Unique(t *testing.T) {
	a, b := NewGraphID(), NewGraphID()
	assert.False(t, a.Equals(b))
	assert.False(t, NewEdgeID().IsZero())
}

func TestIDs_TextRoundTrip(t *testing.T) {
	type holder struct {
		Node  NodeID         `json:"node"`
		Graph GraphID        `json:"graph"`
		Index map[EdgeID]int `json:"index"`
	}
	in := holder{Node: NewNodeID(), Index: map[EdgeID]int{NewEdgeID(): 1}}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out holder
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
	assert.True(t, out.Graph.IsZero())

	assert.Error(t, json.Unmarshal([]byte(`{"node":"bogus"}`), &out))
}

func TestPosition3D(t *testing.T) {
	_, err := NewPosition3D(1, math.NaN(), 0)
	assert.Error(t, err)
	_, err = NewPosition3D(math.Inf(1), 0, 0)
	assert.Error(t, err)

	p, err := NewPosition3D(3, 4, 0)
	require.NoError(t, err)
	assert.InDelta(t, 5.0, p.DistanceTo(Origin()), 1e-9)
}

func TestNodeContent_Validate(t *testing.T) {
	cfg := config.DefaultDomainConfig()
	cfg.MaxLabelLength = 5
	cfg.MaxPropertyCount = 1

	tests := []struct {
		name    string
		content NodeContent
		wantErr bool
	}{
		{"valid", NewNodeContent("A", "concept", map[string]PropertyValue{"w": NumberProperty(2)}), false},
		{"blank label", NewNodeContent("   ", "", nil), true},
		{"label too long", NewNodeContent("abcdef", "", nil), true},
		{"too many properties", NewNodeContent("A", "", map[string]PropertyValue{
			"a": BoolProperty(true), "b": BoolProperty(false),
		}), true},
		{"non-finite number", NewNodeContent("A", "", map[string]PropertyValue{"x": NumberProperty(math.NaN())}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.content.Validate(cfg)
			if tt.wantErr {
				assert.ErrorIs(t, err, pkgerrors.ErrInvalidNodeContent)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNodeContent_JSONPreservesTypes(t *testing.T) {
	in := NewNodeContent("Service", "component", map[string]PropertyValue{
		"replicas": NumberProperty(3),
		"public":   BoolProperty(true),
		"owner":    StringProperty("platform"),
		"zones":    ListProperty("a", "b"),
		"empty":    ListProperty(),
	})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out NodeContent
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, in.Equals(out))
	assert.Equal(t, in, out)

	v, _ := out.Property("replicas")
	n, ok := v.AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 3.0, n)

	v, _ = out.Property("public")
	b, ok := v.AsBool()
	assert.True(t, ok && b)
	_, ok = v.AsNumber()
	assert.False(t, ok)
}

func TestNodeContent_IsolatedFromCaller(t *testing.T) {
	props := map[string]PropertyValue{"k": StringProperty("v")}
	c := NewNodeContent("A", "", props)
	props["k"] = StringProperty("changed")

	v, _ := c.Property("k")
	s, _ := v.AsString()
	assert.Equal(t, "v", s)
}

func TestRelationship_Validate(t *testing.T) {
	cfg := config.DefaultDomainConfig()
	cfg.MinEdgeStrength, cfg.MaxEdgeStrength = 0, 1

	assert.NoError(t, NewRelationship("depends_on", 0.5, true).Validate(cfg))
	assert.ErrorIs(t, NewRelationship("", 0.5, true).Validate(cfg), pkgerrors.ErrInvalidRelationship)
	assert.ErrorIs(t, NewRelationship("x", 2, true).Validate(cfg), pkgerrors.ErrInvalidRelationship)
	assert.ErrorIs(t, NewRelationship("x", math.Inf(-1), true).Validate(cfg), pkgerrors.ErrInvalidRelationship)

	var out Relationship
	data, err := json.Marshal(DirectedRelationship("depends_on"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, DirectedRelationship("depends_on"), out)
}
