package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"graphcore/application/commands"
	"graphcore/application/commands/bus"
	"graphcore/application/ports"
	"graphcore/application/projections"
	"graphcore/application/quarantine"
	"graphcore/application/queries"
	querybus "graphcore/application/queries/bus"
	"graphcore/application/snapshots"
	domainconfig "graphcore/domain/config"
	"graphcore/domain/events"
	"graphcore/infrastructure/config"
	"graphcore/infrastructure/messaging/channel"
	"graphcore/infrastructure/messaging/eventbridge"
	"graphcore/infrastructure/messaging/resilient"
	badgerstore "graphcore/infrastructure/persistence/badger"
	"graphcore/infrastructure/persistence/dynamodb"
	"graphcore/infrastructure/persistence/memory"
	"graphcore/infrastructure/persistence/schema"
	"graphcore/interfaces/http/rest"
	"graphcore/pkg/auth"
	"graphcore/pkg/observability"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Storage groups the stores of the configured backend
type Storage struct {
	EventLog    ports.EventLog
	Snapshots   ports.SnapshotStore
	Checkpoints ports.CheckpointStore

	// set for the dynamodb backend only
	dynamo    *awsdynamodb.Client
	dynamoLog *dynamodb.DynamoDBEventLog
	lock      *dynamodb.DistributedLock
}

// UsesOutbox reports whether exported events are tracked in the event table
func (s *Storage) UsesOutbox() bool { return s.dynamoLog != nil }

// ProvideLogger creates a new logger instance
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
	} else {
		zcfg = zap.NewDevelopmentConfig()
	}
	if level, err := zapcore.ParseLevel(cfg.LogLevel); err == nil {
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

// ProvideAWSConfig creates AWS configuration
func ProvideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.AWSRegion),
	)
}

// ProvideMetrics creates the prometheus collectors
func ProvideMetrics(cfg *config.Config) *observability.Metrics {
	return observability.NewMetrics("graphcore")
}

// ProvideTracer installs the OTLP exporter when tracing is enabled. Without
// it spans go to the no-op global provider.
func ProvideTracer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*observability.Tracer, func(), error) {
	if !cfg.EnableTracing {
		return observability.NewTracer("graphcore"), func() {}, nil
	}
	shutdown, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "graphcore",
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    !cfg.IsProduction(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	cleanup := func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn("Tracer shutdown failed", zap.Error(err))
		}
	}
	return observability.NewTracer("graphcore"), cleanup, nil
}

// ProvideDomainConfig serves domain limits from DOMAIN_CONFIG_FILE when set,
// reloading on change, and from the environment preset otherwise
func ProvideDomainConfig(cfg *config.Config, logger *zap.Logger) (domainconfig.Provider, func(), error) {
	base := domainconfig.LoadDomainConfig(cfg.Environment)
	if cfg.DomainConfigFile == "" {
		return domainconfig.NewStaticProvider(base), func() {}, nil
	}
	w, err := config.NewDomainConfigWatcher(cfg.DomainConfigFile, base, logger)
	if err != nil {
		return nil, nil, err
	}
	w.Start()
	return w, w.Stop, nil
}

// ProvideUpcaster returns the schema migrations applied when events are read
func ProvideUpcaster() events.Upcaster {
	return schema.NewDefaultSchemaEvolution()
}

// ProvideStorage opens the configured backend
func ProvideStorage(ctx context.Context, cfg *config.Config, upcaster events.Upcaster, logger *zap.Logger) (*Storage, func(), error) {
	switch cfg.StorageBackend {
	case config.StorageBadger:
		bcfg := badgerstore.Config{Path: cfg.BadgerPath, SyncWrites: true, Logger: logger}
		if cfg.BadgerPath == "" {
			bcfg = badgerstore.InMemoryConfig()
		}
		db, err := badgerstore.Open(bcfg)
		if err != nil {
			return nil, nil, err
		}
		cleanup := func() {
			if err := db.Close(); err != nil {
				logger.Error("Failed to close badger", zap.Error(err))
			}
		}
		return &Storage{
			EventLog:    badgerstore.NewBadgerEventLog(db, badgerstore.WithUpcaster(upcaster)),
			Snapshots:   badgerstore.NewBadgerSnapshotStore(db),
			Checkpoints: badgerstore.NewBadgerCheckpointStore(db),
		}, cleanup, nil

	case config.StorageDynamoDB:
		awsCfg, err := ProvideAWSConfig(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client := awsdynamodb.NewFromConfig(awsCfg)
		log := dynamodb.NewDynamoDBEventLog(client, cfg.DynamoDBTable, logger, dynamodb.WithUpcaster(upcaster))
		return &Storage{
			EventLog:    log,
			Snapshots:   dynamodb.NewSnapshotStore(client, cfg.DynamoDBTable, logger),
			Checkpoints: dynamodb.NewCheckpointStore(client, cfg.DynamoDBTable),
			dynamo:      client,
			dynamoLog:   log,
			lock:        dynamodb.NewDistributedLock(client, cfg.DynamoDBTable, logger),
		}, func() {}, nil

	default:
		return &Storage{
			EventLog:    memory.NewInMemoryEventLog(memory.WithUpcaster(upcaster)),
			Snapshots:   memory.NewInMemorySnapshotStore(),
			Checkpoints: memory.NewInMemoryCheckpointStore(),
		}, func() {}, nil
	}
}

// ProvideExportSink builds the configured sink. It returns nil when export
// is disabled.
func ProvideExportSink(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (ports.EventSink, func(), error) {
	var inner ports.EventSink
	cleanup := func() {}

	switch cfg.ExportSink {
	case config.SinkQueue:
		q := channel.NewQueue(cfg.ExportQueue, logger)
		consumeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		go q.Consume(consumeCtx, func(ctx context.Context, env events.Envelope) error {
			logger.Debug("Event exported",
				zap.String("graph_id", env.AggregateID.String()),
				zap.Uint64("sequence", env.Sequence),
				zap.String("type", string(env.Type)),
			)
			return nil
		})
		cleanup = func() {
			q.Close()
			cancel()
		}
		inner = q

	case config.SinkEventBridge:
		awsCfg, err := ProvideAWSConfig(ctx, cfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		inner = eventbridge.NewEventBridgePublisher(awseventbridge.NewFromConfig(awsCfg), cfg.EventBusName, logger)

	default:
		return nil, cleanup, nil
	}

	listener := func(name string, from, to gobreaker.State) {
		metrics.RecordBreakerState(name, int(to))
	}
	return resilient.NewSink(inner, resilient.DefaultConfig("export-"+cfg.ExportSink), logger, listener), cleanup, nil
}

// Projections holds the read models served to queries
type Projections struct {
	Summary   *projections.SummaryProjection
	Adjacency *projections.AdjacencyProjection
	// Relay exports events for backends without an outbox; nil otherwise
	Relay *projections.ExportRelay
}

// ProvideProjections creates the read models, plus the export relay when a
// sink is configured and the backend has no outbox
func ProvideProjections(cfg *config.Config, storage *Storage, sink ports.EventSink) *Projections {
	p := &Projections{
		Summary:   projections.NewSummaryProjection(),
		Adjacency: projections.NewAdjacencyProjection(),
	}
	if sink != nil && !storage.UsesOutbox() {
		p.Relay = projections.NewExportRelay(sink, cfg.ExportTimeout)
	}
	return p
}

// ProvideQuarantine creates the quarantine registry shared by commands,
// projections and queries
func ProvideQuarantine(logger *zap.Logger) *quarantine.Registry {
	return quarantine.NewRegistry(logger)
}

// ProvideEngine registers the projections with a new engine
func ProvideEngine(storage *Storage, p *Projections, held *quarantine.Registry, metrics *observability.Metrics, tracer *observability.Tracer, logger *zap.Logger) (*projections.Engine, error) {
	opts := projections.DefaultOptions()
	opts.Quarantine = held
	engine := projections.NewEngine(storage.EventLog, storage.Checkpoints, opts, logger, metrics, tracer)
	registered := []projections.Projection{p.Summary, p.Adjacency}
	if p.Relay != nil {
		registered = append(registered, p.Relay)
	}
	for _, proj := range registered {
		if err := engine.Register(proj); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// ProvideOutbox returns the DynamoDB outbox processor, or nil for other
// backends or when export is disabled
func ProvideOutbox(storage *Storage, sink ports.EventSink, logger *zap.Logger) *dynamodb.OutboxProcessor {
	if !storage.UsesOutbox() || sink == nil {
		return nil
	}
	return dynamodb.NewOutboxProcessor(storage.dynamoLog, sink, storage.lock, logger)
}

// ProvideSnapshotManager creates the snapshot manager
func ProvideSnapshotManager(cfg *config.Config, storage *Storage, domain domainconfig.Provider, metrics *observability.Metrics, logger *zap.Logger) *snapshots.Manager {
	opts := snapshots.DefaultOptions()
	opts.Interval = cfg.SnapshotInterval
	opts.History = cfg.SnapshotHistory
	return snapshots.NewManager(storage.Snapshots, domain, opts, logger, metrics)
}

// ProvideCommandHandler creates the command handler. With an outbox the
// handler hands events straight to it; otherwise the export relay does the
// exporting.
func ProvideCommandHandler(
	cfg *config.Config,
	storage *Storage,
	domain domainconfig.Provider,
	snaps *snapshots.Manager,
	engine *projections.Engine,
	outbox *dynamodb.OutboxProcessor,
	held *quarantine.Registry,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
	logger *zap.Logger,
) *commands.Handler {
	opts := commands.DefaultOptions()
	opts.MaxRetries = cfg.CommandMaxRetries
	opts.AppendTimeout = cfg.AppendTimeout
	opts.ExportTimeout = cfg.ExportTimeout

	deps := commands.Dependencies{
		Snapshots:  snaps,
		Notifier:   engine,
		Metrics:    metrics,
		Tracer:     tracer,
		Quarantine: held,
	}
	if outbox != nil {
		deps.Sink = outbox.DirectSink()
	}
	return commands.NewHandler(storage.EventLog, domain, opts, deps, logger)
}

// ProvideCommandBus creates the command bus
func ProvideCommandBus(handler *commands.Handler, logger *zap.Logger) *bus.CommandBus {
	return bus.NewCommandBus(handler,
		bus.CorrelationMiddleware(),
		bus.LoggingMiddleware(logger),
		bus.ValidationMiddleware(),
	)
}

// ProvideQueryHandler creates the query handler
func ProvideQueryHandler(cfg *config.Config, p *Projections, engine *projections.Engine, held *quarantine.Registry, logger *zap.Logger) *queries.Handler {
	return queries.NewHandler(p.Summary, p.Adjacency, engine, queries.Options{
		MaxWait:          cfg.QueryMaxWait,
		MaxTraverseDepth: cfg.MaxTraverseDepth,
		Quarantine:       held,
	}, logger)
}

// ProvideQueryBus creates the query bus
func ProvideQueryBus(handler *queries.Handler, metrics *observability.Metrics, logger *zap.Logger) *querybus.QueryBus {
	return querybus.NewQueryBus(handler,
		querybus.MetricsMiddleware(metrics),
		querybus.LoggingMiddleware(logger),
	)
}

// ProvideJWTValidator returns nil when no JWT secret is configured, which
// leaves the API unauthenticated
func ProvideJWTValidator(cfg *config.Config) (*auth.JWTValidator, error) {
	if cfg.JWTSecret == "" {
		return nil, nil
	}
	return auth.NewJWTValidator(auth.JWTConfig{
		SigningMethod: "HS256",
		SecretKey:     cfg.JWTSecret,
		Issuer:        cfg.JWTIssuer,
	})
}

// ProvideRateLimiter returns nil when RATE_LIMIT is 0. The dynamodb backend
// shares counters across instances through the event table.
func ProvideRateLimiter(cfg *config.Config, storage *Storage) auth.RateLimiter {
	if cfg.RateLimit <= 0 {
		return nil
	}
	if storage.dynamo != nil {
		return auth.NewDistributedRateLimiter(storage.dynamo, cfg.DynamoDBTable, cfg.RateLimit, time.Second, "api")
	}
	return auth.NewSlidingWindowLimiter(cfg.RateLimit, time.Second)
}

// ProvideRouter builds the HTTP router over the buses
func ProvideRouter(
	cfg *config.Config,
	commandBus *bus.CommandBus,
	queryBus *querybus.QueryBus,
	handler *commands.Handler,
	engine *projections.Engine,
	validator *auth.JWTValidator,
	limiter auth.RateLimiter,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *rest.Router {
	rc := rest.RouterConfig{
		Commands:     commandBus,
		Queries:      queryBus,
		State:        handler,
		Operator:     handler,
		Validator:    validator,
		TrustGateway: cfg.IsLambda,
		Limiter:      limiter,
		EnableCORS:   cfg.EnableCORS,
		Debug:        cfg.IsDevelopment(),
		Ready: func() error {
			if len(engine.Projections()) == 0 {
				return errors.New("no projections registered")
			}
			return nil
		},
		Logger: logger,
	}
	if cfg.EnableMetrics {
		rc.Metrics = metrics
	}
	return rest.NewRouter(rc)
}
