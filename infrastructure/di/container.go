package di

import (
	"context"

	"graphcore/application/commands"
	"graphcore/application/commands/bus"
	"graphcore/application/projections"
	"graphcore/application/quarantine"
	"graphcore/application/queries"
	querybus "graphcore/application/queries/bus"
	"graphcore/application/snapshots"
	domainconfig "graphcore/domain/config"
	"graphcore/infrastructure/config"
	"graphcore/infrastructure/persistence/dynamodb"
	"graphcore/interfaces/http/rest"
	"graphcore/pkg/observability"

	"go.uber.org/zap"
)

// Container holds all application dependencies
type Container struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	DomainConfig domainconfig.Provider
	Storage      *Storage
	Engine       *projections.Engine
	Projections  *Projections
	Quarantine   *quarantine.Registry
	Snapshots    *snapshots.Manager
	Outbox       *dynamodb.OutboxProcessor
	Commands     *commands.Handler
	Queries      *queries.Handler
	CommandBus   *bus.CommandBus
	QueryBus     *querybus.QueryBus
	Router       *rest.Router
}

// Start launches the background workers: projection folding and, for the
// dynamodb backend, the outbox processor
func (c *Container) Start(ctx context.Context) error {
	if err := c.Engine.Start(ctx); err != nil {
		return err
	}
	if c.Outbox != nil {
		c.Outbox.Start(ctx)
	}
	c.Logger.Info("Container started",
		zap.String("storage", c.Config.StorageBackend),
		zap.String("export_sink", c.Config.ExportSink),
		zap.Strings("projections", c.Engine.Projections()),
	)
	return nil
}

// Stop stops the background workers and waits for pending snapshots
func (c *Container) Stop() {
	if c.Outbox != nil {
		c.Outbox.Stop()
	}
	c.Engine.Stop()
	c.Snapshots.Wait()
}
