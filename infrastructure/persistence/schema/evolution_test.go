package schema

import (
	"encoding/json"
	"testing"

	"graphcore/domain/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaEvolution_UpcastsLegacyGraphCreated(t *testing.T) {
	s := NewDefaultSchemaEvolution()
	env := events.Envelope{
		Type:          events.TypeGraphCreated,
		SchemaVersion: 0,
		RawPayload:    json.RawMessage(`{"graph_id":"","name":"legacy"}`),
	}

	require.NoError(t, env.Hydrate(s))
	created, ok := env.Payload.(events.GraphCreated)
	require.True(t, ok)
	assert.Equal(t, "legacy", created.Name)
	assert.Equal(t, []string{}, created.Tags)
	assert.JSONEq(t, `{"graph_id":"","name":"legacy"}`, string(env.RawPayload))
}

func TestSchemaEvolution_RegisterMigration(t *testing.T) {
	s := NewSchemaEvolution()
	step := Migration{EventType: events.TypeNodeAdded, FromVersion: 0, Up: RenameField("label", "content")}

	require.NoError(t, s.RegisterMigration(step))
	assert.Error(t, s.RegisterMigration(step), "duplicate step")
	assert.Error(t, s.RegisterMigration(Migration{EventType: events.TypeNodeAdded, FromVersion: s.GetCurrentVersion(), Up: step.Up}))
	assert.Error(t, s.RegisterMigration(Migration{EventType: events.TypeNodeMoved, FromVersion: 0}))
	assert.Len(t, s.Migrations(), 1)
}

func TestSchemaEvolution_MissingStepFails(t *testing.T) {
	s := NewSchemaEvolution()
	_, err := s.Upcast(events.TypeEdgeAdded, 0, json.RawMessage(`{}`))
	assert.Error(t, err)

	out, err := s.Upcast(events.TypeEdgeAdded, s.GetCurrentVersion(), json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(out))
}

func TestRenameField(t *testing.T) {
	out, err := RenameField("old", "new")(json.RawMessage(`{"old":1,"keep":true}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"new":1,"keep":true}`, string(out))

	_, err = RenameField("old", "new")(json.RawMessage(`[1]`))
	assert.Error(t, err)
}
