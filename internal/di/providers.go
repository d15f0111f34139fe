package di

import (
	"context"
	"fmt"
	"strings"
	"time"

	"ArbCore/internal/domain/models"
	domrepo "ArbCore/internal/domain/repository"
	domsvc "ArbCore/internal/domain/service"
	"ArbCore/internal/handler/api"
	mid "ArbCore/internal/middleware"
	"ArbCore/internal/repository"
	"ArbCore/internal/service/dedupe"
	"ArbCore/internal/service/platform"
	"ArbCore/internal/service/pricefeed"
	"ArbCore/internal/service/ratelimit"
	"ArbCore/internal/service/restart"
	"ArbCore/internal/usecase"
	"ArbCore/pkg/cache"
	pkgch "ArbCore/pkg/clickhouse"
	"ArbCore/pkg/config"
	xhttp "ArbCore/pkg/http"
	pkgkafka "ArbCore/pkg/kafka"
	applogger "ArbCore/pkg/logger"
	"ArbCore/pkg/metrics"
	"ArbCore/pkg/queue"
	"ArbCore/pkg/server"

	"github.com/segmentio/kafka-go"
)

// RestartAgent is the consumer side of the restart queue, run next to the
// container runtime.
type RestartAgent struct {
	*queue.RedisQueue
}

// ProvideLogger creates the process logger tagged with this instance.
func ProvideLogger(cfg *config.Config) (*applogger.Logger, error) {
	l, err := applogger.New(&applogger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(
		applogger.String("instance", cfg.Instance.ID),
		applogger.String("version", cfg.Instance.Version),
	), nil
}

// ProvideMetrics creates a Prometheus metrics recorder on the default registry.
func ProvideMetrics() *metrics.Recorder {
	return metrics.New()
}

// ProvideRedisCache connects to Redis. Returns nil when no host is configured.
func ProvideRedisCache(cfg *config.Config) (*cache.RedisCache, func(), error) {
	if !cfg.RedisEnabled() {
		return nil, func() {}, nil
	}
	rc, err := cache.NewRedisCache(
		cache.WithRedisHost(cfg.Redis.Host),
		cache.WithRedisPort(cfg.Redis.Port),
		cache.WithRedisPassword(cfg.Redis.Password),
		cache.WithRedisDB(cfg.Redis.DB),
		cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.PoolSize/4, 5*time.Second),
		cache.WithRedisPrefix(cfg.Redis.Prefix),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

// ProvideKVStore returns the shared KV namespace, in memory without Redis.
func ProvideKVStore(rc *cache.RedisCache) (domrepo.KVStore, func()) {
	if rc != nil {
		return rc, func() {}
	}
	mc := cache.NewMemoryCache(cache.WithMemoryCleanup(time.Minute))
	return mc, func() { _ = mc.Close() }
}

// ProvideBus returns the shared bus, in memory without Redis.
func ProvideBus(rc *cache.RedisCache, l *applogger.Logger) (domrepo.Bus, func()) {
	var bus domrepo.Bus
	if rc != nil {
		bus = repository.NewRedisBus(rc.Client(), l)
	} else {
		bus = repository.NewMemoryBus(256, l)
	}
	return bus, func() { _ = bus.Close() }
}

func queueConfig(cfg *config.Config) *queue.QueueConfig {
	return &queue.QueueConfig{
		Workers:    cfg.Redis.Queue.Workers,
		QueueSize:  cfg.Redis.Queue.QueueSize,
		RetryLimit: cfg.Redis.Queue.RetryLimit,
		RetryDelay: cfg.Redis.Queue.RetryDelay,
	}
}

// ProvideQueuePublisher is the producer side of the Redis queue, shared by
// the restart dispatcher and the error-log collector.
func ProvideQueuePublisher(cfg *config.Config, rc *cache.RedisCache, l *applogger.Logger) *queue.RedisQueue {
	if rc == nil {
		return nil
	}
	return queue.NewRedisPublisher(l, rc.Client(), queue.WithKeyPrefix(cfg.Redis.Prefix+":queue:"))
}

// ProvideRestartAgent builds the restart queue consumer when this process is
// the container agent.
func ProvideRestartAgent(cfg *config.Config, rc *cache.RedisCache, l *applogger.Logger) RestartAgent {
	if rc == nil || !cfg.Supervisor.Agent {
		return RestartAgent{}
	}
	job := restart.NewJob(cfg.Supervisor.RestartCommand, cfg.Supervisor.RestartTimeout, l)
	q := queue.NewRedisConsumer(l, queueConfig(cfg), rc.Client(), []queue.Job{job},
		queue.WithKeyPrefix(cfg.Redis.Prefix+":queue:"))
	return RestartAgent{RedisQueue: q}
}

// ProvideRestarter picks how the supervisor restarts containers.
func ProvideRestarter(cfg *config.Config, pub *queue.RedisQueue, l *applogger.Logger) (domsvc.Restarter, error) {
	switch cfg.Supervisor.Restarter {
	case "queue":
		if pub == nil {
			return nil, fmt.Errorf("queue restarter requires redis")
		}
		return restart.NewDispatcher(pub, l), nil
	default:
		return restart.NewLogOnly(l), nil
	}
}

// ProvideClickHouseClient creates a ClickHouse client for execution history.
// Returns nil unless enabled for a pipeline process.
func ProvideClickHouseClient(cfg *config.Config) (*pkgch.Client, func(), error) {
	if !cfg.ClickHouse.Enabled || !cfg.HasRole(config.RolePipeline) {
		return nil, func() {}, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("clickhouse client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := client.InitSchema(ctx, repository.HistorySchema(cfg.ClickHouse.Database)); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return client, func() { _ = client.Close() }, nil
}

// ProvideHistory wraps the ClickHouse client; nil when ClickHouse is off.
func ProvideHistory(cfg *config.Config, ch *pkgch.Client, l *applogger.Logger) *repository.ClickHouseHistory {
	if ch == nil {
		return nil
	}
	return repository.NewClickHouseHistory(ch, cfg.ClickHouse.Database, l)
}

// ProvideKafkaProducer creates the producer for execution results and
// position updates. Returns nil without brokers or outside a pipeline process.
func ProvideKafkaProducer(cfg *config.Config) (*pkgkafka.Producer, func(), error) {
	if !cfg.KafkaEnabled() || !cfg.HasRole(config.RolePipeline) {
		return nil, func() {}, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatchSize(cfg.Kafka.Producer.BatchSize),
		pkgkafka.WithBatchBytes(cfg.Kafka.Producer.BatchBytes),
		pkgkafka.WithBatchTimeout(cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}
	return producer, func() { _ = producer.Close() }, nil
}

// ProvideEventPublisher publishes outcomes to Kafka, or to the bus when no
// brokers are configured.
func ProvideEventPublisher(cfg *config.Config, producer *pkgkafka.Producer, bus domrepo.Bus) domrepo.EventPublisher {
	if producer != nil {
		return repository.NewKafkaEventPublisher(producer, cfg.Kafka.Topics.ExecutionResults, cfg.Kafka.Topics.PositionUpdates)
	}
	return repository.NewBusEventPublisher(bus)
}

// ProvidePlatformAdapter routes orders by platform: configured gateways
// first, the paper adapter for everything else.
func ProvidePlatformAdapter(cfg *config.Config) domsvc.PlatformAdapter {
	adapters := make(map[string]domsvc.PlatformAdapter, len(cfg.Platforms.Gateways))
	for _, g := range cfg.Platforms.Gateways {
		client := xhttp.NewClient(xhttp.WithTimeout(g.Timeout))
		adapters[g.Platform] = platform.NewHTTPAdapter(client, g.BaseURL, g.APIKey)
	}
	var fallback domsvc.PlatformAdapter
	if cfg.Platforms.Paper.Enabled {
		fallback = platform.NewPaperAdapter(
			platform.WithFeeRate(cfg.Platforms.Paper.FeeRate),
			platform.WithFillRatio(cfg.Platforms.Paper.FillRatio),
			platform.WithLatency(cfg.Platforms.Paper.Latency),
		)
	}
	return platform.NewRouter(adapters, fallback)
}

// ProvideRateLimiter returns nil when no default rate is configured.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	rl := cfg.Pipeline.RateLimit
	if rl.Default.RPS <= 0 && len(rl.Platforms) == 0 {
		return nil
	}
	overrides := make(map[string]ratelimit.Limit, len(rl.Platforms))
	for name, l := range rl.Platforms {
		overrides[name] = ratelimit.Limit{RPS: l.RPS, Burst: l.Burst}
	}
	return ratelimit.New(ratelimit.Limit{RPS: rl.Default.RPS, Burst: rl.Default.Burst}, overrides)
}

func historyStore(h *repository.ClickHouseHistory) domrepo.HistoryStore {
	if h == nil {
		return nil
	}
	return h
}

func resultHistory(h *repository.ClickHouseHistory) api.ResultHistory {
	if h == nil {
		return nil
	}
	return h
}

// ProvidePositionBook returns nil outside a pipeline process.
func ProvidePositionBook(
	cfg *config.Config,
	adapter domsvc.PlatformAdapter,
	events domrepo.EventPublisher,
	history *repository.ClickHouseHistory,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.PositionBook {
	if !cfg.HasRole(config.RolePipeline) {
		return nil
	}
	return usecase.NewPositionBook(adapter, events, historyStore(history), m, l.With(applogger.String("component", "position_book")),
		usecase.WithExitTimeout(cfg.Pipeline.ExitTimeout),
	)
}

// ProvideDedupeStore returns nil outside a pipeline process.
func ProvideDedupeStore(cfg *config.Config, kv domrepo.KVStore) *dedupe.Store {
	if !cfg.HasRole(config.RolePipeline) {
		return nil
	}
	return dedupe.New(kv, cfg.Pipeline.Dedupe.InflightTTL, cfg.Pipeline.Dedupe.ResultTTL)
}

// ProvideExecutionPipeline returns nil outside a pipeline process.
func ProvideExecutionPipeline(
	cfg *config.Config,
	store *dedupe.Store,
	adapter domsvc.PlatformAdapter,
	book *usecase.PositionBook,
	events domrepo.EventPublisher,
	history *repository.ClickHouseHistory,
	limiter *ratelimit.Limiter,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.ExecutionPipeline {
	if book == nil || store == nil {
		return nil
	}
	risk := usecase.NewRiskGate(book, models.RiskLimits{
		MaxDailyLoss:     cfg.Pipeline.Risk.MaxDailyLoss,
		MaxGameExposure:  cfg.Pipeline.Risk.MaxGameExposure,
		MaxSportExposure: cfg.Pipeline.Risk.MaxSportExposure,
		KillSwitch:       cfg.Pipeline.Risk.KillSwitch,
	}, nil)
	opts := []usecase.ExecutionPipelineOption{usecase.WithSubmitTimeout(cfg.Pipeline.SubmitTimeout)}
	if limiter != nil {
		opts = append(opts, usecase.WithRateLimiter(limiter))
	}
	return usecase.NewExecutionPipeline(store, risk, adapter, book, events, historyStore(history), m,
		l.With(applogger.String("component", "execution_pipeline")), opts...)
}

// ProvideMarkFeed streams configured price feeds into the position book.
func ProvideMarkFeed(cfg *config.Config, book *usecase.PositionBook, m domrepo.Metrics, l *applogger.Logger) *usecase.MarkFeed {
	if book == nil || len(cfg.PriceFeeds) == 0 {
		return nil
	}
	streams := make([]domsvc.PriceStream, 0, len(cfg.PriceFeeds))
	for _, f := range cfg.PriceFeeds {
		streams = append(streams, pricefeed.New(pricefeed.Config{
			Platform:       f.Platform,
			URL:            f.URL,
			APIKey:         f.APIKey,
			Markets:        f.Markets,
			ReconnectDelay: f.ReconnectDelay,
			PingInterval:   f.PingInterval,
		}, l))
	}
	rt := mid.NewRealtimePipeline(book, m, mid.WithMaxRPS(cfg.Pipeline.MaxTicksPerSecond))
	return usecase.NewMarkFeed(rt, m, l.With(applogger.String("component", "mark_feed")), streams...)
}

// ProvideKafkaConsumer subscribes the pipeline to execution requests and
// position commands. Returns nil without brokers.
func ProvideKafkaConsumer(
	cfg *config.Config,
	pipeline *usecase.ExecutionPipeline,
	book *usecase.PositionBook,
	m domrepo.Metrics,
	l *applogger.Logger,
) (*pkgkafka.Consumer, error) {
	if pipeline == nil || !cfg.KafkaEnabled() {
		return nil, nil
	}
	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	consumer.RegisterHandler(usecase.NewExecutionRequestHandler(cfg.Kafka.Topics.ExecutionRequests, pipeline, m, l))
	consumer.RegisterHandler(usecase.NewPositionCommandHandler(cfg.Kafka.Topics.PositionCommands, book, m, l))
	consumer.WithConsumerHook(pkgkafka.NewHookChain(
		pkgkafka.HookFuncs{
			Before: func(ctx context.Context, _ string, km kafka.Message, data []byte) (context.Context, kafka.Message, []byte, error) {
				ctx = pkgkafka.WithStartTime(ctx, time.Now())
				return pkgkafka.WithTraceID(ctx, pkgkafka.HeaderValue(km, "trace_id")), km, data, nil
			},
			After: func(ctx context.Context, _ string, _ kafka.Message, _ []byte, _ error) {
				if start, ok := pkgkafka.StartTimeFrom(ctx); ok {
					m.RecordLatency("kafka_handle", time.Since(start).Seconds())
				}
			},
		},
		pkgkafka.HookFuncs{
			Err: func(ctx context.Context, topic string, km kafka.Message, _ []byte, err error) {
				m.RecordError("kafka_handle")
				l.Warn("kafka message failed",
					applogger.String("topic", topic),
					applogger.String("trace_id", pkgkafka.TraceIDFrom(ctx)),
					applogger.Int("partition", km.Partition),
					applogger.Int64("offset", km.Offset),
					applogger.Error(err))
			},
		},
	))
	return consumer, nil
}

// ProvideShardOrchestrator returns nil outside an orchestrator process.
func ProvideShardOrchestrator(cfg *config.Config, bus domrepo.Bus, m domrepo.Metrics, l *applogger.Logger) *usecase.ShardOrchestrator {
	if !cfg.HasRole(config.RoleOrchestrator) {
		return nil
	}
	return usecase.NewShardOrchestrator(bus, m, l.With(applogger.String("component", "orchestrator")), usecase.OrchestratorConfig{
		LivenessTimeout: cfg.Heartbeat.LivenessTimeout,
		AckTimeout:      cfg.Orchestrator.AckTimeout,
		MaxRetries:      cfg.Orchestrator.MaxRetries,
		TickInterval:    cfg.Orchestrator.TickInterval,
	}, nil)
}

// ProvideHealthSupervisor returns nil outside a supervisor process.
func ProvideHealthSupervisor(
	cfg *config.Config,
	bus domrepo.Bus,
	kv domrepo.KVStore,
	restarter domsvc.Restarter,
	m domrepo.Metrics,
	l *applogger.Logger,
) *usecase.HealthSupervisor {
	if !cfg.HasRole(config.RoleSupervisor) {
		return nil
	}
	roster := make([]usecase.RosterEntry, 0, len(cfg.Supervisor.Roster))
	for _, r := range cfg.Supervisor.Roster {
		roster = append(roster, usecase.RosterEntry{
			Service:    r.Service,
			InstanceID: r.InstanceID,
			Container:  r.Container,
			Managed:    r.Managed,
		})
	}
	return usecase.NewHealthSupervisor(bus, kv, restarter, m, l.With(applogger.String("component", "supervisor")), usecase.SupervisorConfig{
		LivenessTimeout:    cfg.Heartbeat.LivenessTimeout,
		SweepInterval:      cfg.Supervisor.SweepInterval,
		RestartBackoffBase: cfg.Supervisor.RestartBackoffBase,
		RestartBackoffMax:  cfg.Supervisor.RestartBackoffMax,
		MaxRestartAttempts: cfg.Supervisor.MaxRestartAttempts,
		Roster:             roster,
	}, nil)
}

// ProvideShardAgent returns nil outside a shard process.
func ProvideShardAgent(cfg *config.Config, bus domrepo.Bus, l *applogger.Logger) *usecase.ShardAgent {
	if !cfg.HasRole(config.RoleShard) {
		return nil
	}
	return usecase.NewShardAgent(bus, l.With(applogger.String("component", "shard")), cfg.Instance.ID, cfg.Shard.MaxGames)
}

// Heartbeats holds one publisher per role hosted by this process.
type Heartbeats []*usecase.HeartbeatPublisher

// ProvideHeartbeats announces every local role on its heartbeat channel.
func ProvideHeartbeats(
	cfg *config.Config,
	bus domrepo.Bus,
	kv domrepo.KVStore,
	rc *cache.RedisCache,
	l *applogger.Logger,
	orch *usecase.ShardOrchestrator,
	agent *usecase.ShardAgent,
	book *usecase.PositionBook,
	feed *usecase.MarkFeed,
	history *repository.ClickHouseHistory,
) Heartbeats {
	common := []usecase.HeartbeatOption{}
	if rc != nil {
		common = append(common, usecase.WithHealthCheck("redis", func(ctx context.Context) error {
			return rc.Client().Ping(ctx).Err()
		}))
	}

	newPublisher := func(service string, opts ...usecase.HeartbeatOption) *usecase.HeartbeatPublisher {
		id := usecase.HeartbeatIdentity{
			Service:    service,
			InstanceID: cfg.Instance.ID,
			Version:    cfg.Instance.Version,
			Hostname:   cfg.Instance.Hostname,
		}
		return usecase.NewHeartbeatPublisher(bus, kv, l.With(applogger.String("service", service)), id,
			cfg.Heartbeat.Interval, cfg.Heartbeat.LivenessTimeout, append(append([]usecase.HeartbeatOption{}, common...), opts...)...)
	}

	var out Heartbeats
	for _, role := range cfg.Roles {
		switch role {
		case config.RoleOrchestrator:
			out = append(out, newPublisher(models.ServiceOrchestrator, usecase.WithGauges(func() map[string]float64 {
				snap := orch.Snapshot()
				return map[string]float64{
					"shards":      float64(len(snap.Shards)),
					"assignments": float64(len(snap.Assignments)),
				}
			})))
		case config.RoleSupervisor:
			out = append(out, newPublisher(models.ServiceSupervisor))
		case config.RoleShard:
			out = append(out, newPublisher(models.ServiceShard,
				usecase.WithPayload(agent.Heartbeat),
				usecase.WithGauges(func() map[string]float64 {
					return map[string]float64{"games": float64(len(agent.Held()))}
				})))
		case config.RolePipeline:
			opts := []usecase.HeartbeatOption{usecase.WithGauges(func() map[string]float64 {
				open := book.List(usecase.PositionFilter{State: models.PositionOpen})
				return map[string]float64{"open_positions": float64(len(open))}
			})}
			if history != nil {
				opts = append(opts, usecase.WithHealthCheck("clickhouse", history.Health))
			}
			if feed != nil {
				opts = append(opts, usecase.WithHealthCheck("price_feeds", feed.Check))
			}
			out = append(out, newPublisher(models.ServicePipeline, opts...))
		}
	}
	return out
}

// ProvideHTTPHandlers registers the API of every local role.
func ProvideHTTPHandlers(
	l *applogger.Logger,
	orch *usecase.ShardOrchestrator,
	sup *usecase.HealthSupervisor,
	pipeline *usecase.ExecutionPipeline,
	book *usecase.PositionBook,
	history *repository.ClickHouseHistory,
) []xhttp.Handler {
	var hs []xhttp.Handler
	if orch != nil {
		hs = append(hs, api.NewShardsHandler(l, orch))
	}
	if sup != nil {
		hs = append(hs, api.NewHealthHandler(l, sup))
	}
	if pipeline != nil {
		hs = append(hs, api.NewPipelineHandler(l, pipeline, book, resultHistory(history)))
	}
	return hs
}

// ProvideHTTPServer returns nil when the HTTP surface is disabled.
func ProvideHTTPServer(cfg *config.Config, handlers []xhttp.Handler, l *applogger.Logger) *xhttp.Server {
	if !cfg.Server.Enabled {
		return nil
	}
	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}
	return xhttp.NewServer(handlers,
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithSlowThreshold(cfg.Server.SlowThreshold),
		xhttp.WithMetrics(metricsPath, nil, nil),
		xhttp.WithLogger(l.With(applogger.String("component", "http"))),
	)
}

// ProvideApp assembles the runners and services of every local role.
func ProvideApp(
	cfg *config.Config,
	l *applogger.Logger,
	pub *queue.RedisQueue,
	agent RestartAgent,
	orch *usecase.ShardOrchestrator,
	sup *usecase.HealthSupervisor,
	shard *usecase.ShardAgent,
	feed *usecase.MarkFeed,
	consumer *pkgkafka.Consumer,
	heartbeats Heartbeats,
	httpServer *xhttp.Server,
) *server.App {
	app := server.New(l, cfg.Server.ShutdownTimeout)

	if cfg.Log.Collector.Enabled && pub != nil {
		l.AddCollector(&applogger.CollectionConfig{
			Service:        strings.Join(cfg.Roles, ","),
			TimeInterval:   cfg.Log.Collector.Interval,
			CountThreshold: cfg.Log.Collector.CountThreshold,
			Topic:          cfg.Log.Collector.Topic,
			Publisher:      pub,
		})
		app.Apply(server.WithCloser("log-collector", func() error {
			l.RemoveCollector()
			return nil
		}))
	}

	if orch != nil {
		app.Apply(server.WithRunner("orchestrator", orch.Run))
	}
	if sup != nil {
		app.Apply(server.WithRunner("supervisor", sup.Run))
	}
	if shard != nil {
		app.Apply(server.WithRunner("shard", shard.Run))
	}
	if feed != nil {
		app.Apply(server.WithRunner("mark-feed", feed.Run))
	}
	for _, hb := range heartbeats {
		app.Apply(server.WithRunner("heartbeat", hb.Run))
	}

	if agent.RedisQueue != nil {
		app.Apply(server.WithService("restart-agent", agent.RedisQueue))
	}
	if consumer != nil {
		app.Apply(server.WithService("kafka-consumer", consumer))
	}
	if httpServer != nil {
		app.Apply(server.WithService("http", httpServer))
	}

	l.Info("app assembled",
		applogger.Strings("roles", cfg.Roles),
		applogger.Int("heartbeats", len(heartbeats)),
		applogger.String("env", cfg.Environment))
	return app
}
