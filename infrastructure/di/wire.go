//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"graphcore/infrastructure/config"

	"github.com/google/wire"
)

// SuperSet is the main provider set containing all providers
var SuperSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	ProvideTracer,
	ProvideDomainConfig,
	ProvideUpcaster,
	ProvideStorage,
	ProvideExportSink,
	ProvideProjections,
	ProvideQuarantine,
	ProvideEngine,
	ProvideOutbox,
	ProvideSnapshotManager,
	ProvideCommandHandler,
	ProvideCommandBus,
	ProvideQueryHandler,
	ProvideQueryBus,
	ProvideJWTValidator,
	ProvideRateLimiter,
	ProvideRouter,
	wire.Struct(new(Container), "*"),
)

// InitializeContainer creates a fully wired container. The returned cleanup
// closes storage and flushes the tracer; call Container.Stop first.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
