package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, StorageMemory, cfg.StorageBackend)
	assert.Equal(t, SinkNone, cfg.ExportSink)
	assert.Equal(t, uint64(100), cfg.SnapshotInterval)
	assert.Equal(t, 5*time.Second, cfg.AppendTimeout)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsLambda)
}

func TestLoadConfig_FromEnvironment(t *testing.T) {
	t.Setenv("STORAGE_BACKEND", StorageBadger)
	t.Setenv("BADGER_PATH", "/var/lib/graphcore")
	t.Setenv("EXPORT_SINK", SinkQueue)
	t.Setenv("APPEND_TIMEOUT", "750ms")
	t.Setenv("EXPORT_TIMEOUT", "250")
	t.Setenv("SNAPSHOT_INTERVAL", "20")
	t.Setenv("ENABLE_TRACING", "yes")
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "graphcore-api")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/graphcore", cfg.BadgerPath)
	assert.Equal(t, 750*time.Millisecond, cfg.AppendTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ExportTimeout)
	assert.Equal(t, uint64(20), cfg.SnapshotInterval)
	assert.True(t, cfg.EnableTracing)
	assert.True(t, cfg.IsLambda)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment:     "development",
			StorageBackend:  StorageMemory,
			ExportSink:      SinkNone,
			SnapshotHistory: 5,
			EventBusName:    "bus",
			DynamoDBTable:   "events",
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"unknown backend", func(c *Config) { c.StorageBackend = "postgres" }, true},
		{"unknown sink", func(c *Config) { c.ExportSink = "kafka" }, true},
		{"dynamodb without table", func(c *Config) { c.StorageBackend = StorageDynamoDB; c.DynamoDBTable = "" }, true},
		{"eventbridge without bus", func(c *Config) { c.ExportSink = SinkEventBridge; c.EventBusName = "" }, true},
		{"negative retries", func(c *Config) { c.CommandMaxRetries = -1 }, true},
		{"no snapshot history", func(c *Config) { c.SnapshotHistory = 0 }, true},
		{"production needs a secret", func(c *Config) {
			c.Environment = "production"
			c.StorageBackend = StorageDynamoDB
		}, true},
		{"production rejects memory", func(c *Config) {
			c.Environment = "production"
			c.JWTSecret = "s"
		}, true},
		{"production", func(c *Config) {
			c.Environment = "production"
			c.JWTSecret = "s"
			c.StorageBackend = StorageDynamoDB
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
