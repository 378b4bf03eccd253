package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Storage backends
const (
	StorageMemory   = "memory"
	StorageBadger   = "badger"
	StorageDynamoDB = "dynamodb"
)

// Export sinks
const (
	SinkNone        = "none"
	SinkQueue       = "queue"
	SinkEventBridge = "eventbridge"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string
	Environment   string

	// Storage
	StorageBackend string
	BadgerPath     string
	DynamoDBTable  string
	AWSRegion      string

	// Export
	ExportSink    string
	EventBusName  string
	ExportQueue   int
	ExportTimeout time.Duration

	// Command handling
	CommandMaxRetries int
	AppendTimeout     time.Duration

	// Snapshots
	SnapshotInterval uint64
	SnapshotHistory  int

	// Queries
	QueryMaxWait     time.Duration
	MaxTraverseDepth int

	// Lambda configuration
	IsLambda           bool
	LambdaFunctionName string

	// Logging
	LogLevel string

	// Authentication
	JWTSecret string
	JWTIssuer string

	// Rate limiting, requests per second per client; 0 disables it
	RateLimit int

	// Feature flags
	EnableMetrics bool
	EnableTracing bool
	EnableCORS    bool
	OTLPEndpoint  string

	// DomainConfigFile is an optional YAML file with domain limits, reloaded on change
	DomainConfigFile string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ServerAddress: getEnv("SERVER_ADDRESS", ":8080"),
		Environment:   getEnv("ENVIRONMENT", "development"),

		StorageBackend: getEnv("STORAGE_BACKEND", StorageMemory),
		BadgerPath:     getEnv("BADGER_PATH", ""),
		DynamoDBTable:  getEnv("TABLE_NAME", getEnv("DYNAMODB_TABLE", "graphcore-events")),
		AWSRegion:      getEnv("AWS_REGION", "us-west-2"),

		ExportSink:    getEnv("EXPORT_SINK", SinkNone),
		EventBusName:  getEnv("EVENT_BUS_NAME", "graphcore-events"),
		ExportQueue:   getEnvInt("EXPORT_QUEUE_SIZE", 1024),
		ExportTimeout: getEnvDuration("EXPORT_TIMEOUT", 5*time.Second),

		CommandMaxRetries: getEnvInt("COMMAND_MAX_RETRIES", 3),
		AppendTimeout:     getEnvDuration("APPEND_TIMEOUT", 5*time.Second),

		SnapshotInterval: uint64(getEnvInt("SNAPSHOT_INTERVAL", 100)),
		SnapshotHistory:  getEnvInt("SNAPSHOT_HISTORY", 5),

		QueryMaxWait:     getEnvDuration("QUERY_MAX_WAIT", 2*time.Second),
		MaxTraverseDepth: getEnvInt("MAX_TRAVERSE_DEPTH", 10),

		IsLambda:           getEnvBool("IS_LAMBDA", false),
		LambdaFunctionName: getEnv("AWS_LAMBDA_FUNCTION_NAME", ""),

		JWTSecret: getEnv("JWT_SECRET", ""),
		JWTIssuer: getEnv("JWT_ISSUER", "graphcore"),
		RateLimit: getEnvInt("RATE_LIMIT", 0),

		LogLevel:         getEnv("LOG_LEVEL", "info"),
		EnableMetrics:    getEnvBool("ENABLE_METRICS", true),
		EnableTracing:    getEnvBool("ENABLE_TRACING", false),
		EnableCORS:       getEnvBool("ENABLE_CORS", true),
		OTLPEndpoint:     getEnv("OTLP_ENDPOINT", ""),
		DomainConfigFile: getEnv("DOMAIN_CONFIG_FILE", ""),
	}

	// Lambda's runtime sets this for every function
	if cfg.LambdaFunctionName != "" {
		cfg.IsLambda = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.StorageBackend {
	case StorageMemory:
	case StorageBadger:
		if c.BadgerPath == "" && c.IsProduction() {
			return fmt.Errorf("BADGER_PATH is required in production")
		}
	case StorageDynamoDB:
		if c.DynamoDBTable == "" {
			return fmt.Errorf("DYNAMODB_TABLE is required")
		}
	default:
		return fmt.Errorf("unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	switch c.ExportSink {
	case SinkNone, SinkQueue:
	case SinkEventBridge:
		if c.EventBusName == "" {
			return fmt.Errorf("EVENT_BUS_NAME is required")
		}
	default:
		return fmt.Errorf("unknown EXPORT_SINK %q", c.ExportSink)
	}

	if c.CommandMaxRetries < 0 {
		return fmt.Errorf("COMMAND_MAX_RETRIES cannot be negative")
	}
	if c.SnapshotHistory < 1 {
		return fmt.Errorf("SNAPSHOT_HISTORY must be at least 1")
	}

	if c.IsProduction() {
		if c.JWTSecret == "" {
			return fmt.Errorf("JWT_SECRET is required in production")
		}
		if c.StorageBackend == StorageMemory {
			return fmt.Errorf("the memory storage backend is not durable and cannot run in production")
		}
	}

	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or whole milliseconds
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
