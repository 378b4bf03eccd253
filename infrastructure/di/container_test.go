package di

import (
	"context"
	"testing"
	"time"

	"graphcore/application/commands"
	"graphcore/application/projections"
	"graphcore/application/queries"
	"graphcore/infrastructure/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(backend, sink string) *config.Config {
	return &config.Config{
		Environment:       "test",
		LogLevel:          "error",
		StorageBackend:    backend,
		ExportSink:        sink,
		ExportQueue:       16,
		ExportTimeout:     time.Second,
		CommandMaxRetries: 3,
		AppendTimeout:     time.Second,
		SnapshotInterval:  100,
		SnapshotHistory:   2,
		QueryMaxWait:      2 * time.Second,
		MaxTraverseDepth:  10,
	}
}

func TestInitializeContainer(t *testing.T) {
	tests := []struct {
		name      string
		backend   string
		sink      string
		wantRelay bool
	}{
		{"memory without export", config.StorageMemory, config.SinkNone, false},
		{"memory with queue", config.StorageMemory, config.SinkQueue, true},
		{"badger in memory with queue", config.StorageBadger, config.SinkQueue, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			c, cleanup, err := InitializeContainer(ctx, testConfig(tt.backend, tt.sink))
			require.NoError(t, err)
			defer cleanup()
			require.NoError(t, c.Start(ctx))
			defer c.Stop()

			assert.Nil(t, c.Outbox)
			assert.Equal(t, tt.wantRelay, c.Projections.Relay != nil)

			ack, err := c.CommandBus.SendRequest(ctx, commands.CommandRequest{
				Type:    "CreateGraph",
				Payload: []byte(`{"name":"wired"}`),
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(1), ack.Version)

			res, err := c.QueryBus.AskRequest(ctx, queries.QueryRequest{
				Type:         "GetGraphSummary",
				GraphID:      ack.AggregateID.String(),
				MinWatermark: ack.Version,
			})
			require.NoError(t, err)
			assert.Equal(t, uint64(1), res.Watermark)
			assert.Equal(t, "wired", res.Data.(projections.GraphSummary).Name)

			if tt.wantRelay {
				waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				defer cancel()
				wm, err := c.Engine.WaitFor(waitCtx, projections.ExportRelayName, ack.AggregateID, 1)
				require.NoError(t, err)
				assert.Equal(t, uint64(1), wm)
			}
		})
	}
}
