package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"AgentMarket-Chain/internal/access"
	"AgentMarket-Chain/internal/api"
	"AgentMarket-Chain/internal/auction/intent"
	"AgentMarket-Chain/internal/auction/task"
	"AgentMarket-Chain/internal/auth"
	"AgentMarket-Chain/internal/chain"
	"AgentMarket-Chain/internal/config"
	"AgentMarket-Chain/internal/events"
	"AgentMarket-Chain/internal/keeper"
	"AgentMarket-Chain/internal/ledger"
	"AgentMarket-Chain/internal/money"
	"AgentMarket-Chain/internal/observability/alerting"
	"AgentMarket-Chain/internal/observability/metrics"
	"AgentMarket-Chain/internal/registry"
	"AgentMarket-Chain/internal/storage/mongo"
	"AgentMarket-Chain/internal/storage/mysql"
	redisstore "AgentMarket-Chain/internal/storage/redis"
	"AgentMarket-Chain/internal/telemetry"
	"AgentMarket-Chain/internal/web3/provider"
	"AgentMarket-Chain/pkg/logger"
)

// main 是拍卖与结算引擎守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("auctiond 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AUCTION_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "auctiond.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("auctiond")

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("初始化追踪失败: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			lg.Warn("关闭追踪失败", slog.Any("error", err))
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
	}
	alerter := buildAlerter(cfg)

	chains, err := connectChains(ctx, cfg)
	if err != nil {
		return err
	}
	if chains != nil {
		defer chains.Close()
	}

	sinks, querier, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			lg.Warn("关闭事件投递失败", slog.Any("error", err))
		}
	}()

	engineOpts := []chain.Option{
		chain.WithSink(sinks),
		chain.WithAlertDispatcher(alerter),
		chain.WithPublishTimeout(cfg.Engine.PublishTimeout),
	}
	if collector != nil {
		engineOpts = append(engineOpts, chain.WithObserver(collector))
	}
	if cfg.Engine.Clock == "block" {
		client, err := chains.DefaultClient()
		if err != nil {
			return fmt.Errorf("区块时钟需要可用的链: %w", err)
		}
		engineOpts = append(engineOpts, chain.WithClock(chain.NewBlockClock(client, cfg.Engine.BlockTimeout)))
	}
	engine := chain.NewEngine(engineOpts...)

	gateway, err := buildGateway(cfg, chains)
	if err != nil {
		return err
	}

	intentCfg, err := cfg.IntentAuctionConfig()
	if err != nil {
		return err
	}
	admin := cfg.AdminAddress()
	operators := cfg.OperatorAddresses()
	treasury := ledger.New(engine, admin)
	tasks := task.New(engine, treasury, gateway, admin,
		task.WithConfig(cfg.Auction.Task),
		task.WithOperators(operators...),
	)
	intents := intent.New(engine, treasury, gateway, admin,
		intent.WithConfig(intentCfg),
		intent.WithOperators(operators...),
	)

	// 两个拍卖组件在部署时获得结算账户的存入能力。
	treasury.Roles().Seed(access.RoleDepositor, tasks.Address())
	treasury.Roles().Seed(access.RoleDepositor, intents.Address())

	genesis, err := cfg.GenesisBalances()
	if err != nil {
		return err
	}
	for addr, amount := range genesis {
		engine.Mint(addr, amount)
		lg.Info("创世余额", slog.String("address", addr.Hex()), slog.String("amount", money.FormatEther(amount)))
	}

	if collector != nil {
		collector.RegisterTreasury(treasury.Balance, treasury.Profit)
	}

	var keeperStats api.KeeperStats
	if cfg.Keeper.Enabled {
		queue, err := buildKeeperQueue(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			if err := queue.Close(); err != nil {
				lg.Warn("关闭 keeper 队列失败", slog.Any("error", err))
			}
		}()
		opts := []keeper.Option{
			keeper.WithTaskAuction(tasks),
			keeper.WithIntentAuction(intents),
			keeper.WithInterval(cfg.Keeper.Interval),
			keeper.WithWorkers(cfg.Keeper.Workers),
			keeper.WithRepublishAfter(cfg.Keeper.RepublishAfter),
			keeper.WithAlertDispatcher(alerter),
		}
		if collector != nil {
			opts = append(opts, keeper.WithRecorder(collector))
		}
		k := keeper.New(cfg.KeeperAddress(), engine, queue, opts...)
		keeperStats = k
		go func() {
			if err := k.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("keeper 异常退出", slog.Any("error", err))
			}
		}()
	}

	authSvc, err := auth.NewService(cfg.Server.Auth)
	if err != nil {
		return err
	}
	deps := api.Deps{
		Engine:  engine,
		Ledger:  treasury,
		Tasks:   tasks,
		Intents: intents,
		Auth:    authSvc,
		Events:  querier,
		Keeper:  keeperStats,
	}
	if chains != nil {
		deps.Chains = chains
	}
	if collector != nil {
		if cfg.Metrics.Address != "" {
			go func() {
				if err := metrics.StartServer(ctx, cfg.Metrics.Address, collector.Handler()); err != nil && !errors.Is(err, context.Canceled) {
					lg.Error("指标服务异常退出", slog.Any("error", err))
				}
			}()
		} else {
			deps.Metrics = collector
		}
	}

	server, err := api.NewServer(cfg.Server.Address, deps)
	if err != nil {
		return err
	}
	lg.Info("引擎已就绪",
		slog.String("treasury", treasury.Address().Hex()),
		slog.String("task_auction", tasks.Address().Hex()),
		slog.String("intent_auction", intents.Address().Hex()),
		slog.String("clock", cfg.Engine.Clock),
		slog.String("registry", cfg.Registry.Driver),
	)

	if err := server.WithShutdownTimeout(cfg.Server.ShutdownTimeout).Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildAlerter(cfg *config.Config) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Alerting.Log {
		notifiers = append(notifiers, alerting.LogNotifier{})
	}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: cfg.Alerting.WebhookURL})
	}
	return alerting.NewFanout(notifiers...)
}

// connectChains 只在配置了链或有组件依赖链时建立连接。
func connectChains(ctx context.Context, cfg *config.Config) (*provider.Registry, error) {
	needed := cfg.Engine.Clock == "block" || cfg.Registry.Driver == "evm"
	if !needed && cfg.Web3.RPCURL == "" && cfg.Web3.ChainConfig == "" {
		return nil, nil
	}
	return provider.NewRegistry(ctx, cfg.Web3)
}

func buildGateway(cfg *config.Config, chains *provider.Registry) (registry.Gateway, error) {
	switch cfg.Registry.Driver {
	case "", "memory":
		agents, err := cfg.Agents()
		if err != nil {
			return nil, err
		}
		return registry.NewMemoryRegistry(agents...), nil
	case "evm":
		client, err := chains.DefaultClient()
		if err != nil {
			return nil, err
		}
		return registry.NewEVMGateway(client, cfg.EVMRegistryConfig())
	default:
		return nil, fmt.Errorf("未知的注册中心驱动: %s", cfg.Registry.Driver)
	}
}

// buildSinks 组装事件投递链路。内存 Sink 始终存在；配置了 MySQL 或
// MongoDB 时优先用它们回放历史事件。
func buildSinks(ctx context.Context, cfg *config.Config) (*events.Fanout, events.Querier, error) {
	memory := events.NewMemorySink(cfg.Events.MemoryLimit)
	sinks := []events.Sink{memory}
	var querier events.Querier = memory
	fail := func(err error) (*events.Fanout, events.Querier, error) {
		_ = events.NewFanout(sinks...).Close()
		return nil, nil, err
	}

	if cfg.Events.Mongo.URI != "" {
		archive, err := mongo.Connect(ctx, cfg.Events.Mongo)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, archive)
		querier = archive
	}
	if cfg.Events.MySQL.DSN != "" {
		store, err := mysql.NewEventStore(ctx, cfg.Events.MySQL)
		if err != nil {
			return fail(err)
		}
		if err := store.PrepareFreshStart(ctx, cfg.Events.MySQL.ResetOnStart); err != nil {
			_ = store.Close()
			return fail(err)
		}
		sinks = append(sinks, store)
		querier = store
	}
	if cfg.Events.Redis.Address != "" {
		stream, err := redisstore.NewStreamSink(ctx, cfg.Events.Redis)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, stream)
	}
	if cfg.Events.RabbitMQ.URL != "" {
		rabbit, err := events.NewRabbitMQSink(cfg.Events.RabbitMQ)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, rabbit)
	}
	return events.NewFanout(sinks...), querier, nil
}

func buildKeeperQueue(ctx context.Context, cfg *config.Config) (keeper.Queue, error) {
	switch cfg.Keeper.Queue {
	case "", "memory":
		return keeper.NewMemoryQueue(1024), nil
	case "redis":
		return keeper.NewRedisQueue(ctx, cfg.Keeper.Redis)
	case "rabbitmq":
		return keeper.NewRabbitMQQueue(cfg.Keeper.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Keeper.Queue)
	}
}

var _ api.ChainStatus = (*provider.Registry)(nil)
