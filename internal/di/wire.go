//go:build wireinject
// +build wireinject

package di

import (
	domrepo "ArbCore/internal/domain/repository"
	"ArbCore/pkg/config"
	"ArbCore/pkg/metrics"
	"ArbCore/pkg/server"

	"github.com/google/wire"
)

var infraSet = wire.NewSet(
	ProvideLogger,
	ProvideMetrics,
	wire.Bind(new(domrepo.Metrics), new(*metrics.Recorder)),
	ProvideRedisCache,
	ProvideKVStore,
	ProvideBus,
	ProvideQueuePublisher,
	ProvideClickHouseClient,
	ProvideHistory,
	ProvideKafkaProducer,
)

var pipelineSet = wire.NewSet(
	ProvideEventPublisher,
	ProvidePlatformAdapter,
	ProvideRateLimiter,
	ProvidePositionBook,
	ProvideDedupeStore,
	ProvideExecutionPipeline,
	ProvideMarkFeed,
	ProvideKafkaConsumer,
)

var controlSet = wire.NewSet(
	ProvideRestarter,
	ProvideRestartAgent,
	ProvideShardOrchestrator,
	ProvideHealthSupervisor,
	ProvideShardAgent,
)

// InitializeApp wires up every component for the roles in cfg.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		infraSet,
		pipelineSet,
		controlSet,
		ProvideHeartbeats,
		ProvideHTTPHandlers,
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
