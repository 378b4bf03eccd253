package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"graphcore/application/commands"
	"graphcore/domain/events"
	"graphcore/infrastructure/config"
	"graphcore/infrastructure/di"
	"graphcore/infrastructure/persistence/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryContainer(t *testing.T) (*di.Container, opener) {
	t.Helper()
	cfg := &config.Config{
		Environment:       "test",
		LogLevel:          "error",
		StorageBackend:    config.StorageMemory,
		ExportSink:        config.SinkNone,
		CommandMaxRetries: 3,
		AppendTimeout:     time.Second,
		SnapshotInterval:  100,
		SnapshotHistory:   3,
		QueryMaxWait:      time.Second,
		MaxTraverseDepth:  10,
	}
	c, cleanup, err := di.InitializeContainer(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return c, func(context.Context) (*di.Container, func(), error) {
		return c, func() {}, nil
	}
}

func createGraph(t *testing.T, c *di.Container, name string) commands.Acknowledgment {
	t.Helper()
	ack, err := c.CommandBus.SendRequest(context.Background(), commands.CommandRequest{
		Type:    "CreateGraph",
		Payload: json.RawMessage(`{"name":"` + name + `"}`),
	})
	require.NoError(t, err)
	_, err = c.CommandBus.SendRequest(context.Background(), commands.CommandRequest{
		Type:    "AddNode",
		GraphID: ack.AggregateID.String(),
		Payload: json.RawMessage(`{"content":{"label":"n"}}`),
	})
	require.NoError(t, err)
	return ack
}

func run(t *testing.T, open opener, opts *options, args ...string) (string, error) {
	t.Helper()
	if opts == nil {
		opts = &options{}
	}
	root := newRootCmd(opts, open)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestVerify(t *testing.T) {
	c, open := memoryContainer(t)
	good := createGraph(t, c, "good")
	bad := createGraph(t, c, "bad")

	out, err := run(t, open, nil, "verify", "--all")
	require.NoError(t, err)
	assert.Contains(t, out, "ok   "+good.AggregateID.String()+" events=2")
	assert.Contains(t, out, "2 streams verified, 0 failed")

	log := c.Storage.EventLog.(*memory.InMemoryEventLog)
	require.True(t, log.Tamper(bad.AggregateID, 2, func(e *events.Envelope) {
		e.Timestamp = e.Timestamp.Add(time.Second)
	}))

	out, err = run(t, open, nil, "verify", good.AggregateID.String(), bad.AggregateID.String())
	assert.ErrorIs(t, err, errVerifyFailed)
	assert.Contains(t, out, "FAIL "+bad.AggregateID.String())
	assert.Contains(t, out, "1 streams verified, 1 failed")

	_, err = run(t, open, nil, "verify")
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	c, open := memoryContainer(t)
	ack := createGraph(t, c, "replayed")

	out, err := run(t, open, nil, "replay", ack.AggregateID.String())
	require.NoError(t, err)
	var state struct {
		Name    string            `json:"name"`
		Version uint64            `json:"version"`
		Nodes   []json.RawMessage `json:"nodes"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, "replayed", state.Name)
	assert.Equal(t, uint64(2), state.Version)
	assert.Len(t, state.Nodes, 1)

	_, err = run(t, open, nil, "replay", ack.AggregateID.String(), "--as-of", "2000-01-01T00:00:00Z")
	assert.Error(t, err)

	_, err = run(t, open, nil, "replay", ack.AggregateID.String(), "--as-of", "soon")
	assert.Error(t, err)
}

func TestSnapshot(t *testing.T) {
	c, open := memoryContainer(t)
	ack := createGraph(t, c, "snap")

	out, err := run(t, open, nil, "snapshot", ack.AggregateID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "at version 2")
	assert.Contains(t, out, "v2")

	snap, ok := c.Snapshots.LoadLatest(context.Background(), ack.AggregateID)
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Version)

	_, err = c.CommandBus.SendRequest(context.Background(), commands.CommandRequest{
		Type:    "AddNode",
		GraphID: ack.AggregateID.String(),
		Payload: json.RawMessage(`{"content":{"label":"m"}}`),
	})
	require.NoError(t, err)

	out, err = run(t, open, nil, "snapshot", ack.AggregateID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "at version 3")
	assert.Contains(t, out, "1 events since v2, nodes +1, edges +0")
}

func TestRelease(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":true,"data":{"released":true}}`))
	}))
	defer srv.Close()

	id := "6f1c7d1e-6a55-4e0f-9d0c-2b7c1f3a9e10"
	out, err := run(t, nil, nil, "release", id, "--server", srv.URL+"/", "--token", "tok")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/v2/admin/graphs/"+id+"/release", gotPath)
	assert.Contains(t, out, "released "+id)

	_, err = run(t, nil, nil, "release", id, "--server", "")
	assert.Error(t, err)
}
